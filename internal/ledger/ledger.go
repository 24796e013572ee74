// Package ledger tracks the per-image slots of one generation session and
// applies decoded frames and status events to them. All transitions are
// idempotent and monotonic because the service does not order its binary
// and JSON channels relative to each other.
package ledger

import (
	"time"

	"gentrack/internal/dedup"
	"gentrack/internal/domain"
	"gentrack/internal/protocol"
)

// DefaultStatusDedupWindow suppresses repeated (job id, kind) pairs.
const DefaultStatusDedupWindow = 3 * time.Second

// Slot is one requested output image.
type Slot struct {
	JobID   string            `json:"job_id"`
	Index   int               `json:"index"`
	Status  domain.SlotStatus `json:"status"`
	Payload *domain.Payload   `json:"payload,omitempty"`
}

// Resolved reports whether the slot has a payload attached.
func (s Slot) Resolved() bool { return s.Payload != nil }

// FrameOutcome describes what ApplyFrame did.
type FrameOutcome int

const (
	FrameMatched FrameOutcome = iota
	// FrameFallback means the job id matched nothing and the payload went to
	// the first unresolved slot. This compensates for the service
	// substituting job ids and is not a correlation guarantee.
	FrameFallback
	FrameDuplicate
	FrameUnassigned
)

func (o FrameOutcome) String() string {
	switch o {
	case FrameMatched:
		return "matched"
	case FrameFallback:
		return "fallback"
	case FrameDuplicate:
		return "duplicate"
	default:
		return "unassigned"
	}
}

// StatusOutcome describes what ApplyStatus did.
type StatusOutcome int

const (
	StatusApplied StatusOutcome = iota
	StatusRepeat
	StatusStale
	StatusUnknownJob
	StatusIgnored
)

func (o StatusOutcome) String() string {
	switch o {
	case StatusApplied:
		return "applied"
	case StatusRepeat:
		return "repeat"
	case StatusStale:
		return "stale"
	case StatusUnknownJob:
		return "unknown_job"
	default:
		return "ignored"
	}
}

// Ledger owns the slots of one session. It is not safe for concurrent use;
// the session controller serializes access.
type Ledger struct {
	slots  []Slot
	byJob  map[string]int
	recent *dedup.Window
}

// Option configures a Ledger.
type Option func(*config)

type config struct {
	dedupWindow time.Duration
	dedupOpts   []dedup.Option
}

// WithStatusDedupWindow overrides DefaultStatusDedupWindow.
func WithStatusDedupWindow(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.dedupWindow = d
		}
	}
}

// WithClock overrides the clock of the status de-duplication window.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.dedupOpts = append(c.dedupOpts, dedup.WithClock(now)) }
}

// New creates one Queued slot per job id, in order.
func New(jobIDs []string, opts ...Option) *Ledger {
	cfg := config{dedupWindow: DefaultStatusDedupWindow}
	for _, opt := range opts {
		opt(&cfg)
	}
	l := &Ledger{
		slots:  make([]Slot, len(jobIDs)),
		byJob:  make(map[string]int, len(jobIDs)),
		recent: dedup.New(cfg.dedupWindow, cfg.dedupOpts...),
	}
	for i, id := range jobIDs {
		l.slots[i] = Slot{JobID: id, Index: i, Status: domain.SlotQueued}
		l.byJob[id] = i
	}
	return l
}

// Len returns the number of slots.
func (l *Ledger) Len() int { return len(l.slots) }

// Has reports whether jobID belongs to a slot.
func (l *Ledger) Has(jobID string) bool {
	_, ok := l.byJob[jobID]
	return ok
}

// JobIDs returns the job ids in slot order.
func (l *Ledger) JobIDs() []string {
	out := make([]string, len(l.slots))
	for i, s := range l.slots {
		out[i] = s.JobID
	}
	return out
}

// AssignJobIDs replaces the job ids of the first len(ids) slots, in index
// order. Slots beyond len(ids) keep their placeholders.
func (l *Ledger) AssignJobIDs(ids []string) {
	for i, id := range ids {
		if i >= len(l.slots) {
			break
		}
		if id == "" {
			continue
		}
		delete(l.byJob, l.slots[i].JobID)
		l.slots[i].JobID = id
		l.byJob[id] = i
	}
}

// ApplyFrame attaches a payload to the slot named by jobID. An unmatched
// job id falls back to the first unresolved slot in index order. The
// returned index is -1 when nothing changed.
func (l *Ledger) ApplyFrame(jobID string, p domain.Payload) (int, FrameOutcome) {
	if idx, ok := l.byJob[jobID]; ok {
		if l.slots[idx].Resolved() {
			return -1, FrameDuplicate
		}
		l.attach(idx, p)
		return idx, FrameMatched
	}
	for i := range l.slots {
		if !l.slots[i].Resolved() {
			l.attach(i, p)
			return i, FrameFallback
		}
	}
	return -1, FrameUnassigned
}

// AttachPayload attaches p to the exact slot for jobID, used by the HTTP
// fallback fetch. It never falls back to another slot.
func (l *Ledger) AttachPayload(jobID string, p domain.Payload) (int, bool) {
	idx, ok := l.byJob[jobID]
	if !ok || l.slots[idx].Resolved() {
		return -1, false
	}
	l.attach(idx, p)
	return idx, true
}

// attach stores the payload and completes the slot. A payload is proof of
// completion, so it also overrides Failed; this keeps the terminal state
// independent of channel order.
func (l *Ledger) attach(idx int, p domain.Payload) {
	cp := p
	l.slots[idx].Payload = &cp
	l.slots[idx].Status = domain.SlotCompleted
}

// ApplyStatus moves the slot named by ev.JobID forward. Repeats inside the
// dedup window and non-improving transitions are ignored.
func (l *Ledger) ApplyStatus(ev protocol.StatusEvent) (int, StatusOutcome) {
	target, ok := slotStatusFor(ev.Kind)
	if !ok {
		return -1, StatusIgnored
	}
	idx, found := l.byJob[ev.JobID]
	if !found {
		return -1, StatusUnknownJob
	}
	if l.recent.Seen(ev.JobID + "|" + string(ev.Kind)) {
		return -1, StatusRepeat
	}
	cur := l.slots[idx].Status
	if target.Rank() <= cur.Rank() {
		return -1, StatusStale
	}
	l.slots[idx].Status = target
	return idx, StatusApplied
}

// Expire fails every slot that never received a payload.
func (l *Ledger) Expire() []int {
	var changed []int
	for i := range l.slots {
		if l.slots[i].Resolved() {
			continue
		}
		if l.slots[i].Status != domain.SlotFailed {
			l.slots[i].Status = domain.SlotFailed
			changed = append(changed, i)
		}
	}
	return changed
}

// Slot returns a copy of slot i.
func (l *Ledger) Slot(i int) Slot {
	return copySlot(l.slots[i])
}

// Snapshot returns copies of all slots in index order.
func (l *Ledger) Snapshot() []Slot {
	out := make([]Slot, len(l.slots))
	for i, s := range l.slots {
		out[i] = copySlot(s)
	}
	return out
}

// Unfetched returns the job ids of Completed slots still lacking a payload.
func (l *Ledger) Unfetched() []string {
	var out []string
	for _, s := range l.slots {
		if s.Status == domain.SlotCompleted && !s.Resolved() {
			out = append(out, s.JobID)
		}
	}
	return out
}

// AllResolved reports whether every slot has a payload.
func (l *Ledger) AllResolved() bool {
	for _, s := range l.slots {
		if !s.Resolved() {
			return false
		}
	}
	return true
}

// Aggregate derives the session status from the current slots.
func (l *Ledger) Aggregate() domain.Aggregate {
	return Aggregate(l.slots)
}

// Aggregate applies the session status rule to slots: all Completed is
// Completed; all terminal with a failure is Failed; a non-terminal slot next
// to any slot that has started (processing, completed or failed) is
// Processing; otherwise Queued. Failed is flagged whenever any slot failed.
func Aggregate(slots []Slot) domain.Aggregate {
	var completed, failed, processing int
	for _, s := range slots {
		switch s.Status {
		case domain.SlotCompleted:
			completed++
		case domain.SlotFailed:
			failed++
		case domain.SlotProcessing:
			processing++
		}
	}
	agg := domain.Aggregate{Failed: failed > 0}
	switch {
	case len(slots) > 0 && completed == len(slots):
		agg.Status = domain.SessionCompleted
	case len(slots) > 0 && failed > 0 && completed+failed == len(slots):
		agg.Status = domain.SessionFailed
	case processing > 0 || completed > 0 || failed > 0:
		agg.Status = domain.SessionProcessing
	default:
		agg.Status = domain.SessionQueued
	}
	return agg
}

func slotStatusFor(k protocol.Kind) (domain.SlotStatus, bool) {
	switch k {
	case protocol.KindQueued:
		return domain.SlotQueued, true
	case protocol.KindStarted:
		return domain.SlotProcessing, true
	case protocol.KindCompleted:
		return domain.SlotCompleted, true
	case protocol.KindFailed:
		return domain.SlotFailed, true
	default:
		return "", false
	}
}

func copySlot(s Slot) Slot {
	if s.Payload != nil {
		p := *s.Payload
		s.Payload = &p
	}
	return s
}
