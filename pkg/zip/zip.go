package zip

import (
	"archive/zip"
	"bytes"
	"fmt"
	"time"
)

// Entry is one file of a bundle.
type Entry struct {
	Name     string
	Data     []byte
	Modified time.Time
}

// Bundle writes entries into a zip archive in order. Payloads are already
// compressed images, so entries are stored rather than deflated.
func Bundle(entries []Entry) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, dup := seen[e.Name]; dup {
			return nil, fmt.Errorf("zip: duplicate entry %q", e.Name)
		}
		seen[e.Name] = struct{}{}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.Name,
			Method:   zip.Store,
			Modified: e.Modified,
		})
		if err != nil {
			return nil, fmt.Errorf("zip: create %s: %w", e.Name, err)
		}
		if _, err := w.Write(e.Data); err != nil {
			return nil, fmt.Errorf("zip: write %s: %w", e.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("zip: close: %w", err)
	}
	return buf.Bytes(), nil
}
