package domain

import "time"

// SlotStatus enumerates the lifecycle of one requested output image.
type SlotStatus string

const (
	SlotQueued     SlotStatus = "queued"
	SlotProcessing SlotStatus = "processing"
	SlotCompleted  SlotStatus = "completed"
	SlotFailed     SlotStatus = "failed"
)

// Rank orders statuses for monotonic transitions. Completed and Failed
// share the terminal rank so neither can replace the other.
func (s SlotStatus) Rank() int {
	switch s {
	case SlotProcessing:
		return 1
	case SlotCompleted, SlotFailed:
		return 2
	default:
		return 0
	}
}

// Terminal reports whether no further status transition is possible.
func (s SlotStatus) Terminal() bool {
	return s == SlotCompleted || s == SlotFailed
}

// SessionStatus is the aggregate status of a generation session.
type SessionStatus string

const (
	SessionQueued     SessionStatus = "queued"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// Aggregate is derived from slot statuses on every read. Failed is reported
// next to Status rather than replacing it.
type Aggregate struct {
	Status SessionStatus `json:"status"`
	Failed bool          `json:"failed"`
}

// Payload is a locally resolvable handle to decoded image bytes.
type Payload struct {
	Ref  string `json:"ref"`
	MIME string `json:"mime"`
	Size int    `json:"size"`
}

// HistoryEntry is a past generation fetched from the conversations API.
type HistoryEntry struct {
	ThreadID  string    `json:"thread_id"`
	Prompt    string    `json:"prompt"`
	Model     string    `json:"model"`
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	ImageURL  string    `json:"image_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ArchivedSession is a finished session as recorded by the archive.
type ArchivedSession struct {
	ID         string        `json:"id"`
	Prompt     string        `json:"prompt"`
	Model      string        `json:"model"`
	ThreadID   string        `json:"thread_id,omitempty"`
	Status     SessionStatus `json:"status"`
	Failed     bool          `json:"failed"`
	Outcome    string        `json:"outcome"`
	CreatedAt  time.Time     `json:"created_at"`
	FinishedAt time.Time     `json:"finished_at"`
}
