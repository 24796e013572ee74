package protocol

import (
	"errors"
	"unicode/utf8"

	"gentrack/internal/domain"
)

// Decoder routes raw socket messages to the frame decoder or the status
// normalizer and returns a single normalized stream.
type Decoder struct {
	// LargeTextThreshold is measured in characters. Zero means
	// DefaultLargeTextThreshold.
	LargeTextThreshold int
}

// Binary decodes a binary socket message.
func (d Decoder) Binary(data []byte) (Inbound, error) {
	f, err := DecodeFrame(data)
	if err != nil {
		return Inbound{}, err
	}
	return Inbound{Frame: &f}, nil
}

// Text decodes a text socket message. Oversized text that is not JSON is a
// binary frame delivered as text and goes through the frame decoder.
func (d Decoder) Text(data []byte) (Inbound, error) {
	if d.isLarge(data) {
		ev, err := ParseStatus(data)
		if err == nil {
			return Inbound{Status: &ev}, nil
		}
		if !errors.Is(err, domain.ErrStatusParse) {
			return Inbound{}, err
		}
		return d.Binary(TextToBytes(string(data)))
	}
	ev, err := ParseStatus(data)
	if err != nil {
		return Inbound{}, err
	}
	return Inbound{Status: &ev}, nil
}

func (d Decoder) isLarge(data []byte) bool {
	threshold := d.LargeTextThreshold
	if threshold <= 0 {
		threshold = DefaultLargeTextThreshold
	}
	// Byte length bounds the character count from above.
	if len(data) <= threshold {
		return false
	}
	return utf8.RuneCount(data) > threshold
}

// ParseText is Decoder{LargeTextThreshold: threshold}.Text(data).
func ParseText(data []byte, threshold int) (Inbound, error) {
	return Decoder{LargeTextThreshold: threshold}.Text(data)
}
