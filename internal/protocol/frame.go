package protocol

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"gentrack/internal/domain"
)

// DecodeFrame splits a raw binary frame into its job id and PNG payload.
// Bytes between the separator and the PNG signature are framing garbage
// from the upstream service and are discarded. The returned payload aliases
// data; callers that retain it past the next read must copy.
func DecodeFrame(data []byte) (Frame, error) {
	window := data
	if len(window) > MaxJobIDLen+1 {
		window = window[:MaxJobIDLen+1]
	}
	sep := bytes.IndexByte(window, FrameSeparator)
	if sep < 0 {
		return Frame{}, fmt.Errorf("%w: no separator in first %d bytes", domain.ErrFrameDecode, len(window))
	}

	rawID := data[:sep]
	if !utf8.Valid(rawID) {
		return Frame{}, fmt.Errorf("%w: job id is not valid utf-8", domain.ErrFrameDecode)
	}
	jobID := strings.TrimSpace(string(rawID))
	if jobID == "" {
		return Frame{}, fmt.Errorf("%w: empty job id", domain.ErrFrameDecode)
	}

	payload, err := TrimToPNG(data[sep+1:])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: job %s: %v", domain.ErrFrameDecode, jobID, err)
	}
	return Frame{JobID: jobID, Payload: payload}, nil
}

// TrimToPNG returns payload starting at the first PNG signature.
func TrimToPNG(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	idx := bytes.Index(payload, pngSignature)
	if idx < 0 {
		return nil, fmt.Errorf("png signature not found in %d byte payload", len(payload))
	}
	return payload[idx:], nil
}

// TextToBytes reinterprets each character of a text frame as one raw byte,
// keeping the low eight bits of its code point.
func TextToBytes(text string) []byte {
	out := make([]byte, 0, len(text))
	for _, r := range text {
		out = append(out, byte(r&0xFF))
	}
	return out
}
