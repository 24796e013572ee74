package session

import (
	"context"
	"time"

	"gentrack/internal/domain"
	"gentrack/internal/genapi"
	"gentrack/internal/ledger"
)

// Config holds the tunable windows of the controller. The defaults mirror
// what the generation service has been observed to need; none of them is a
// protocol invariant.
type Config struct {
	// GraceDelay is how long to wait after completion before fetching
	// payloads that never arrived over the socket.
	GraceDelay time.Duration
	// Ceiling force-clears a session that has not settled.
	Ceiling time.Duration
	// StatusDedupWindow suppresses repeated (job id, kind) status pairs.
	StatusDedupWindow time.Duration
	// SupersededWindow is how long prompts of replaced sessions hide
	// matching history entries.
	SupersededWindow time.Duration
	// RetiredJobTTL is how long job ids of replaced sessions are ignored.
	RetiredJobTTL time.Duration
	// FetchTimeout bounds one fallback image fetch.
	FetchTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		GraceDelay:        time.Second,
		Ceiling:           5 * time.Minute,
		StatusDedupWindow: ledger.DefaultStatusDedupWindow,
		SupersededWindow:  10 * time.Second,
		RetiredJobTTL:     2 * time.Minute,
		FetchTimeout:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GraceDelay <= 0 {
		c.GraceDelay = d.GraceDelay
	}
	if c.Ceiling <= 0 {
		c.Ceiling = d.Ceiling
	}
	if c.StatusDedupWindow <= 0 {
		c.StatusDedupWindow = d.StatusDedupWindow
	}
	if c.SupersededWindow <= 0 {
		c.SupersededWindow = d.SupersededWindow
	}
	if c.RetiredJobTTL <= 0 {
		c.RetiredJobTTL = d.RetiredJobTTL
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	return c
}

// Submitter sends a generation request to the remote service.
type Submitter interface {
	Submit(ctx context.Context, req genapi.SubmitRequest) (genapi.SubmitResponse, error)
}

// ImageFetcher downloads an image by job id.
type ImageFetcher interface {
	FetchImage(ctx context.Context, jobID string) ([]byte, error)
}

// Connector keeps the socket for key alive.
type Connector interface {
	EnsureConnected(ctx context.Context, key string) error
}

// EventType names the notifications sent to observers.
type EventType string

const (
	EventGenerationStarted   EventType = "generation_started"
	EventSlotUpdated         EventType = "slot_updated"
	EventGenerationCompleted EventType = "generation_completed"
	EventGenerationCleared   EventType = "generation_cleared"
	EventStatusMessage       EventType = "status_message"
)

// Event is delivered to observers after the state change it describes.
type Event struct {
	Type      EventType    `json:"type"`
	SessionID string       `json:"session_id"`
	Slot      *ledger.Slot `json:"slot,omitempty"`

	// Session is set on generation_started, generation_completed and
	// generation_cleared.
	Session   *Snapshot        `json:"session,omitempty"`
	Aggregate domain.Aggregate `json:"aggregate"`
	Message   string           `json:"message,omitempty"`
	At        time.Time        `json:"at"`
}

// Observer receives controller events. Observers run synchronously in
// event order and must not call back into the controller.
type Observer func(Event)

// Snapshot is a read-only copy of a session.
type Snapshot struct {
	ID        string           `json:"id"`
	Prompt    string           `json:"prompt"`
	Model     string           `json:"model"`
	ThreadID  string           `json:"thread_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	Slots     []ledger.Slot    `json:"slots"`
	Aggregate domain.Aggregate `json:"aggregate"`
}

// GenerateRequest is what the presentation layer asks for.
type GenerateRequest struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model"`
	Count     int    `json:"count"`
	ThreadID  string `json:"thread_id,omitempty"`
	Image     []byte `json:"image,omitempty"`
	ImageMIME string `json:"image_mime,omitempty"`
}
