package repo

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"gentrack/internal/session"
)

// SessionSaver persists a session snapshot.
type SessionSaver interface {
	Save(ctx context.Context, snap session.Snapshot, outcome string) error
}

type archiveJob struct {
	snap    session.Snapshot
	outcome string
}

// Archiver records lifecycle events off the controller's dispatch path.
// Events that do not fit in the queue are dropped and logged.
type Archiver struct {
	saver   SessionSaver
	logger  zerolog.Logger
	queue   chan archiveJob
	timeout time.Duration
}

// NewArchiver creates an archiver with a queue of the given depth.
func NewArchiver(saver SessionSaver, logger zerolog.Logger, depth int) *Archiver {
	if depth <= 0 {
		depth = 32
	}
	return &Archiver{
		saver:   saver,
		logger:  logger,
		queue:   make(chan archiveJob, depth),
		timeout: 5 * time.Second,
	}
}

// Observe is a session.Observer.
func (a *Archiver) Observe(ev session.Event) {
	if ev.Session == nil {
		return
	}
	outcome := string(ev.Type)
	if ev.Message != "" {
		outcome += ": " + ev.Message
	}
	select {
	case a.queue <- archiveJob{snap: *ev.Session, outcome: outcome}:
	default:
		a.logger.Warn().Str("session_id", ev.SessionID).Str("event", string(ev.Type)).Msg("archive: queue full, dropping event")
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		select {
		case job := <-a.queue:
			a.save(job)
		case <-ctx.Done():
			for {
				select {
				case job := <-a.queue:
					a.save(job)
				default:
					return nil
				}
			}
		}
	}
}

func (a *Archiver) save(job archiveJob) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.saver.Save(ctx, job.snap, job.outcome); err != nil {
		a.logger.Error().Err(err).Str("session_id", job.snap.ID).Msg("archive: save failed")
		return
	}
	a.logger.Debug().Str("session_id", job.snap.ID).Str("outcome", job.outcome).Msg("archive: saved")
}
