package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gentrack/internal/domain"
	"gentrack/internal/protocol"
)

func payload(ref string) domain.Payload {
	return domain.Payload{Ref: ref, MIME: "image/png", Size: 8}
}

func status(jobID string, kind protocol.Kind) protocol.StatusEvent {
	return protocol.StatusEvent{JobID: jobID, Kind: kind}
}

func TestApplyFrameIsIdempotent(t *testing.T) {
	l := New([]string{"a", "b"})

	idx, outcome := l.ApplyFrame("a", payload("mem://a"))
	require.Equal(t, FrameMatched, outcome)
	require.Equal(t, 0, idx)
	before := l.Snapshot()

	idx, outcome = l.ApplyFrame("a", payload("mem://a-again"))
	assert.Equal(t, FrameDuplicate, outcome)
	assert.Equal(t, -1, idx)
	assert.Equal(t, before, l.Snapshot())
}

func TestApplyFrameFallsBackToFirstUnresolvedSlot(t *testing.T) {
	l := New([]string{"a", "b", "c"})
	_, _ = l.ApplyFrame("a", payload("mem://a"))

	idx, outcome := l.ApplyFrame("substituted", payload("mem://x"))
	require.Equal(t, FrameFallback, outcome)
	assert.Equal(t, 1, idx)

	snap := l.Snapshot()
	assert.Equal(t, "b", snap[1].JobID, "fallback keeps the slot's job id")
	assert.Equal(t, domain.SlotCompleted, snap[1].Status)
	require.NotNil(t, snap[1].Payload)
	assert.Equal(t, "mem://x", snap[1].Payload.Ref)
	assert.False(t, snap[2].Resolved())

	_, _ = l.ApplyFrame("c", payload("mem://c"))
	_, outcome = l.ApplyFrame("another", payload("mem://y"))
	assert.Equal(t, FrameUnassigned, outcome)
}

func TestApplyStatusMonotonic(t *testing.T) {
	l := New([]string{"a"})

	_, outcome := l.ApplyStatus(status("a", protocol.KindStarted))
	require.Equal(t, StatusApplied, outcome)
	_, outcome = l.ApplyStatus(status("a", protocol.KindCompleted))
	require.Equal(t, StatusApplied, outcome)

	_, outcome = l.ApplyStatus(status("a", protocol.KindQueued))
	assert.Equal(t, StatusStale, outcome)
	_, outcome = l.ApplyStatus(status("a", protocol.KindFailed))
	assert.Equal(t, StatusStale, outcome)
	assert.Equal(t, domain.SlotCompleted, l.Slot(0).Status)

	_, outcome = l.ApplyStatus(status("zzz", protocol.KindStarted))
	assert.Equal(t, StatusUnknownJob, outcome)
	_, outcome = l.ApplyStatus(status("a", protocol.KindUnknown))
	assert.Equal(t, StatusIgnored, outcome)
}

func TestApplyStatusDeduplicatesWithinWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	l := New([]string{"a"}, WithStatusDedupWindow(3*time.Second), WithClock(clock))

	_, outcome := l.ApplyStatus(status("a", protocol.KindQueued))
	assert.Equal(t, StatusStale, outcome, "queued is the initial state")
	_, outcome = l.ApplyStatus(status("a", protocol.KindQueued))
	assert.Equal(t, StatusRepeat, outcome)

	now = now.Add(4 * time.Second)
	_, outcome = l.ApplyStatus(status("a", protocol.KindQueued))
	assert.Equal(t, StatusStale, outcome, "outside the window it is evaluated again")
}

type step struct {
	frame bool
	kind  protocol.Kind
}

func permutations(steps []step) [][]step {
	if len(steps) <= 1 {
		return [][]step{append([]step(nil), steps...)}
	}
	var out [][]step
	for i := range steps {
		rest := make([]step, 0, len(steps)-1)
		rest = append(rest, steps[:i]...)
		rest = append(rest, steps[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]step{steps[i]}, p...))
		}
	}
	return out
}

func TestTerminalStateIndependentOfChannelOrder(t *testing.T) {
	cases := []struct {
		name   string
		steps  []step
		status domain.SlotStatus
		paid   bool
	}{
		{
			name:   "completed with frame",
			steps:  []step{{kind: protocol.KindQueued}, {kind: protocol.KindStarted}, {kind: protocol.KindCompleted}, {frame: true}},
			status: domain.SlotCompleted,
			paid:   true,
		},
		{
			name:   "failed with frame",
			steps:  []step{{kind: protocol.KindQueued}, {kind: protocol.KindStarted}, {kind: protocol.KindFailed}, {frame: true}},
			status: domain.SlotCompleted,
			paid:   true,
		},
		{
			name:   "failed without frame",
			steps:  []step{{kind: protocol.KindQueued}, {kind: protocol.KindStarted}, {kind: protocol.KindFailed}},
			status: domain.SlotFailed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, order := range permutations(tc.steps) {
				l := New([]string{"job_1"})
				for _, s := range order {
					if s.frame {
						l.ApplyFrame("job_1", payload("mem://job_1"))
						continue
					}
					l.ApplyStatus(status("job_1", s.kind))
				}
				got := l.Slot(0)
				require.Equal(t, tc.status, got.Status, "order %+v", order)
				require.Equal(t, tc.paid, got.Resolved(), "order %+v", order)
			}
		})
	}
}

func TestAssignJobIDs(t *testing.T) {
	l := New([]string{"pending-0", "pending-1"})
	l.AssignJobIDs([]string{"job_1"})

	assert.Equal(t, []string{"job_1", "pending-1"}, l.JobIDs())
	assert.True(t, l.Has("job_1"))
	assert.False(t, l.Has("pending-0"))

	_, outcome := l.ApplyFrame("job_1", payload("mem://1"))
	assert.Equal(t, FrameMatched, outcome)
}

func TestAttachPayloadExactOnly(t *testing.T) {
	l := New([]string{"a", "b"})
	_, ok := l.AttachPayload("zzz", payload("mem://z"))
	assert.False(t, ok)

	l.ApplyStatus(status("b", protocol.KindCompleted))
	assert.Equal(t, []string{"b"}, l.Unfetched())

	idx, ok := l.AttachPayload("b", payload("mem://b"))
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Empty(t, l.Unfetched())

	_, ok = l.AttachPayload("b", payload("mem://b2"))
	assert.False(t, ok)
}

func TestExpireFailsUnresolvedSlots(t *testing.T) {
	l := New([]string{"a", "b", "c"})
	l.ApplyFrame("a", payload("mem://a"))
	l.ApplyStatus(status("b", protocol.KindCompleted))

	changed := l.Expire()
	assert.Equal(t, []int{1, 2}, changed)
	snap := l.Snapshot()
	assert.Equal(t, domain.SlotCompleted, snap[0].Status)
	assert.Equal(t, domain.SlotFailed, snap[1].Status)
	assert.Equal(t, domain.SlotFailed, snap[2].Status)
}

func TestAggregate(t *testing.T) {
	q, p, c, f := domain.SlotQueued, domain.SlotProcessing, domain.SlotCompleted, domain.SlotFailed
	cases := []struct {
		name   string
		slots  []domain.SlotStatus
		status domain.SessionStatus
		failed bool
	}{
		{"all queued", []domain.SlotStatus{q, q}, domain.SessionQueued, false},
		{"one processing", []domain.SlotStatus{p, q}, domain.SessionProcessing, false},
		{"some completed", []domain.SlotStatus{c, q}, domain.SessionProcessing, false},
		{"all completed", []domain.SlotStatus{c, c}, domain.SessionCompleted, false},
		{"failure does not veto progress", []domain.SlotStatus{f, p}, domain.SessionProcessing, true},
		{"failure alongside completion", []domain.SlotStatus{c, f, q}, domain.SessionProcessing, true},
		{"all terminal with failure", []domain.SlotStatus{c, f}, domain.SessionFailed, true},
		{"all failed", []domain.SlotStatus{f, f}, domain.SessionFailed, true},
		{"failure counts as started", []domain.SlotStatus{f, q}, domain.SessionProcessing, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			slots := make([]Slot, len(tc.slots))
			for i, s := range tc.slots {
				slots[i] = Slot{Index: i, Status: s}
			}
			agg := Aggregate(slots)
			assert.Equal(t, tc.status, agg.Status)
			assert.Equal(t, tc.failed, agg.Failed)
		})
	}
}
