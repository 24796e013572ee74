package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gentrack/internal/domain"
)

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "generated/s/a.png", want: "generated/s/a.png"},
		{in: "/generated//s/./a.png", want: "generated/s/a.png"},
		{in: `generated\s\a.png`, want: "generated/s/a.png"},
		{in: "../etc/passwd", wantErr: true},
		{in: "generated/../../x", wantErr: true},
		{in: "  ", wantErr: true},
	}
	for _, tt := range tests {
		got, err := SanitizeKey(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("SanitizeKey(%q) expected error, got %q", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("SanitizeKey(%q) returned error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("SanitizeKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPayloadKey(t *testing.T) {
	got := PayloadKey("sess-1", "job/../1")
	if got != "generated/sess-1/job_.._1.png" {
		t.Fatalf("unexpected key: %s", got)
	}
	if _, err := SanitizeKey(got); err != nil {
		t.Fatalf("payload key must be a valid storage key: %v", err)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	data := []byte{0x89, 0x50, 0x4E, 0x47, 0x01}
	key, err := store.Write(context.Background(), "/generated/s/a.png", data)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if key != "generated/s/a.png" {
		t.Fatalf("unexpected key: %s", key)
	}
	onDisk, err := os.ReadFile(filepath.Join(dir, "generated", "s", "a.png"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if string(onDisk) != string(data) {
		t.Fatalf("file contents mismatch")
	}
	if _, err := os.Stat(filepath.Join(dir, "generated", "s", "a.png.part")); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
	got, err := store.Read(context.Background(), key)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("read mismatch")
	}
}

func TestFileStoreRejectsCancelledContext(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Write(ctx, "a.png", []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	data := []byte("png")
	key, err := store.Write(context.Background(), "generated/s/a.png", data)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	data[0] = 'x'
	got, err := store.Read(context.Background(), key)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "png" {
		t.Fatalf("store must copy input, got %q", got)
	}
	if _, err := store.Read(context.Background(), "missing.png"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStoreMissingKey(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := store.Read(context.Background(), "generated/none.png"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
