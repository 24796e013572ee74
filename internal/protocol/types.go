// Package protocol decodes the messages the generation service pushes over
// its websocket: binary image frames of the form jobId '|' payload, JSON
// status objects, and binary frames that arrive mis-delivered as text.
package protocol

const (
	// FrameSeparator splits the job id from the image payload.
	FrameSeparator byte = '|'

	// MaxJobIDLen bounds the prefix searched for the separator.
	MaxJobIDLen = 256

	// DefaultLargeTextThreshold is the text length above which a text frame
	// may be a binary frame delivered as text.
	DefaultLargeTextThreshold = 100_000
)

// pngSignature is the leading four bytes of every PNG file.
var pngSignature = []byte{0x89, 0x50, 0x4E, 0x47}

// Frame is a decoded binary frame.
type Frame struct {
	JobID   string
	Payload []byte
}

// Kind is the canonical status kind produced by the normalizer.
type Kind string

const (
	KindStarted   Kind = "started"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindQueued    Kind = "queued"
	KindUnknown   Kind = "unknown"
)

// StatusEvent is a normalized status message.
type StatusEvent struct {
	JobID   string
	Kind    Kind
	Message string
	Stage   string
}

// Inbound is one normalized socket message. Exactly one of Frame and
// Status is set.
type Inbound struct {
	Frame  *Frame
	Status *StatusEvent
}
