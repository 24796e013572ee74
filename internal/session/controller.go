// Package session owns the live generation session: it creates the job
// ledger, routes decoded socket messages into it, derives the aggregate
// status, runs the grace and ceiling timers and notifies observers.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"gentrack/internal/dedup"
	"gentrack/internal/domain"
	"gentrack/internal/genapi"
	"gentrack/internal/ledger"
	"gentrack/internal/protocol"
	"gentrack/internal/storage"
)

const (
	placeholderPrefix = "pending-"

	// maxHeld bounds the messages kept while job ids are being bound.
	maxHeld = 256
)

// Deps are the collaborators of a Controller. Only Logger and Store have
// defaults; a nil Fetcher disables the HTTP fallback and a nil Submitter
// makes Generate fail.
type Deps struct {
	Logger    zerolog.Logger
	Store     storage.Store
	Submitter Submitter
	Fetcher   ImageFetcher
	Connector Connector
	SocketKey string
	Decoder   protocol.Decoder
}

type liveSession struct {
	id        string
	prompt    string
	model     string
	threadID  string
	createdAt time.Time
	ledger    *ledger.Ledger

	completed bool
	graceSet  bool
	settled   bool
	fetched   map[string]bool
	grace     *time.Timer
	ceiling   *time.Timer
}

func (s *liveSession) stopTimers() {
	if s.grace != nil {
		s.grace.Stop()
	}
	if s.ceiling != nil {
		s.ceiling.Stop()
	}
}

func (s *liveSession) snapshot() Snapshot {
	return Snapshot{
		ID:        s.id,
		Prompt:    s.prompt,
		Model:     s.model,
		ThreadID:  s.threadID,
		CreatedAt: s.createdAt,
		Slots:     s.ledger.Snapshot(),
		Aggregate: s.ledger.Aggregate(),
	}
}

// Controller is the only writer of the live session. Every mutation runs
// under mu, which serializes slot updates the same way a single event loop
// would.
type Controller struct {
	cfg       Config
	logger    zerolog.Logger
	store     storage.Store
	submitter Submitter
	fetcher   ImageFetcher
	connector Connector
	socketKey string
	decoder   protocol.Decoder

	mu         sync.Mutex
	current    *liveSession
	superseded *dedup.Window
	retired    *dedup.Window
	// binding counts submissions whose job ids are not known yet. While it
	// is positive, messages for unknown job ids are held in held and
	// replayed once the ids are bound.
	binding int
	held    []protocol.Inbound

	fetches singleflight.Group
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	dispatchMu sync.Mutex
	obsMu      sync.RWMutex
	observers  map[int]Observer
	nextObs    int
}

// NewController wires a controller. Close releases its timers and
// in-flight fetches.
func NewController(cfg Config, deps Deps) *Controller {
	cfg = cfg.withDefaults()
	store := deps.Store
	if store == nil {
		store = storage.NewMemoryStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:        cfg,
		logger:     deps.Logger,
		store:      store,
		submitter:  deps.Submitter,
		fetcher:    deps.Fetcher,
		connector:  deps.Connector,
		socketKey:  deps.SocketKey,
		decoder:    deps.Decoder,
		superseded: dedup.New(cfg.SupersededWindow),
		retired:    dedup.New(cfg.RetiredJobTTL),
		ctx:        ctx,
		cancel:     cancel,
		observers:  make(map[int]Observer),
	}
}

// Subscribe registers an observer and returns a function removing it.
func (c *Controller) Subscribe(obs Observer) func() {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = obs
	c.obsMu.Unlock()
	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

// StartSession replaces the live session with a new one holding slotCount
// slots. Missing job ids get client placeholders until the service
// responds.
func (c *Controller) StartSession(prompt, model string, slotCount int, jobIDs []string) (Snapshot, error) {
	prompt = strings.TrimSpace(prompt)
	if slotCount < len(jobIDs) {
		slotCount = len(jobIDs)
	}
	if slotCount <= 0 {
		return Snapshot{}, fmt.Errorf("%w: slot count must be positive", domain.ErrInvalidRequest)
	}
	ids := make([]string, slotCount)
	for i := range ids {
		if i < len(jobIDs) && strings.TrimSpace(jobIDs[i]) != "" {
			ids[i] = strings.TrimSpace(jobIDs[i])
			continue
		}
		ids[i] = placeholderPrefix + uuid.NewString()
	}

	s := &liveSession{
		id:        uuid.NewString(),
		prompt:    prompt,
		model:     strings.TrimSpace(model),
		createdAt: time.Now(),
		ledger:    ledger.New(ids, ledger.WithStatusDedupWindow(c.cfg.StatusDedupWindow)),
		fetched:   make(map[string]bool),
	}

	c.mu.Lock()
	if prev := c.current; prev != nil {
		c.retireLocked(prev)
		c.logger.Info().
			Str("session_id", prev.id).
			Str("replaced_by", s.id).
			Msg("session: superseded")
	}
	c.superseded.Add(prompt)
	c.current = s
	id := s.id
	s.ceiling = time.AfterFunc(c.cfg.Ceiling, func() { c.onCeiling(id) })
	snap := s.snapshot()
	events := []Event{c.event(EventGenerationStarted, s, nil, "")}
	c.logger.Info().
		Str("session_id", s.id).
		Str("model", s.model).
		Int("slots", slotCount).
		Msg("session: started")
	c.commit(events)
	return snap, nil
}

// Generate starts a session, submits it to the service and binds the
// returned job ids to the slots in order. Socket messages for job ids that
// arrive before the submission returns are held and replayed after the
// binding. If the session was replaced meanwhile, the returned ids are
// retired instead.
func (c *Controller) Generate(ctx context.Context, req GenerateRequest) (Snapshot, error) {
	if c.submitter == nil {
		return Snapshot{}, errors.New("session: no submitter configured")
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Snapshot{}, fmt.Errorf("%w: prompt required", domain.ErrInvalidRequest)
	}
	if c.connector != nil {
		if err := c.connector.EnsureConnected(ctx, c.socketKey); err != nil {
			c.logger.Warn().Err(err).Msg("session: socket not ready, continuing with submission")
		}
	}
	c.mu.Lock()
	c.binding++
	c.mu.Unlock()

	snap, err := c.StartSession(req.Prompt, req.Model, count, nil)
	if err != nil {
		c.releaseHeld()
		return Snapshot{}, err
	}
	resp, err := c.submitter.Submit(ctx, genapi.SubmitRequest{
		Prompt:    req.Prompt,
		Model:     req.Model,
		Count:     count,
		ThreadID:  req.ThreadID,
		Image:     req.Image,
		ImageMIME: req.ImageMIME,
	})
	if err != nil {
		c.clearSession(snap.ID, "submission failed")
		c.releaseHeld()
		return Snapshot{}, fmt.Errorf("session: submit: %w", err)
	}
	if len(resp.JobIDs) != count {
		c.logger.Warn().
			Str("session_id", snap.ID).
			Int("requested", count).
			Int("returned", len(resp.JobIDs)).
			Msg("session: job id count differs from slot count")
	}

	c.mu.Lock()
	s := c.current
	if s == nil || s.id != snap.ID {
		for _, id := range resp.JobIDs {
			if id != "" {
				c.retired.Add(id)
			}
		}
		c.mu.Unlock()
		c.logger.Info().
			Str("session_id", snap.ID).
			Strs("job_ids", resp.JobIDs).
			Msg("session: submission returned after replacement, retiring its job ids")
		c.releaseHeld()
		return snap, nil
	}
	s.ledger.AssignJobIDs(resp.JobIDs)
	s.threadID = resp.ThreadID
	c.mu.Unlock()
	c.releaseHeld()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.id != snap.ID {
		return snap, nil
	}
	return c.current.snapshot(), nil
}

// holdLocked queues in until the pending job ids are bound.
func (c *Controller) holdLocked(in protocol.Inbound, jobID string) {
	if len(c.held) >= maxHeld {
		c.logger.Warn().Str("job_id", jobID).Int("held", len(c.held)).Msg("session: hold buffer full, dropping message")
		return
	}
	c.held = append(c.held, in)
	c.logger.Debug().Str("job_id", jobID).Msg("session: holding message until job ids are bound")
}

// releaseHeld ends one binding and, when none remain, replays the held
// messages against whatever session is live.
func (c *Controller) releaseHeld() {
	c.mu.Lock()
	c.binding--
	if c.binding > 0 {
		c.mu.Unlock()
		return
	}
	held := c.held
	c.held = nil
	c.mu.Unlock()
	for _, in := range held {
		c.OnInbound(in)
	}
}

// OnFrame handles a binary socket message.
func (c *Controller) OnFrame(data []byte) {
	in, err := c.decoder.Binary(data)
	if err != nil {
		c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("session: dropping binary frame")
		return
	}
	c.OnInbound(in)
}

// OnStatusEvent handles a text socket message. Oversized text may decode
// to a binary frame.
func (c *Controller) OnStatusEvent(data []byte) {
	in, err := c.decoder.Text(data)
	if err != nil {
		c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("session: dropping text frame")
		return
	}
	c.OnInbound(in)
}

// OnInbound applies one normalized socket message to the live session.
func (c *Controller) OnInbound(in protocol.Inbound) {
	switch {
	case in.Frame != nil:
		c.applyFrame(*in.Frame)
	case in.Status != nil:
		c.applyStatus(*in.Status)
	}
}

func (c *Controller) applyFrame(f protocol.Frame) {
	c.mu.Lock()
	s := c.current
	if s == nil {
		c.mu.Unlock()
		c.logger.Debug().Str("job_id", f.JobID).Msg("session: frame with no live session")
		return
	}
	if c.retired.Contains(f.JobID) && !s.ledger.Has(f.JobID) {
		c.mu.Unlock()
		c.logger.Debug().Str("job_id", f.JobID).Msg("session: frame for superseded session")
		return
	}
	if c.binding > 0 && !s.ledger.Has(f.JobID) {
		c.holdLocked(protocol.Inbound{Frame: &f}, f.JobID)
		c.mu.Unlock()
		return
	}
	if s.ledger.Has(f.JobID) {
		for _, slot := range s.ledger.Snapshot() {
			if slot.JobID == f.JobID && slot.Resolved() {
				c.mu.Unlock()
				c.logger.Debug().Str("job_id", f.JobID).Msg("session: duplicate frame")
				return
			}
		}
	}
	sessionID := s.id
	c.mu.Unlock()

	p, err := c.persist(sessionID, f.JobID, f.Payload)
	if err != nil {
		c.logger.Error().Err(err).Str("job_id", f.JobID).Msg("session: persist payload failed")
		return
	}

	c.mu.Lock()
	s = c.current
	if s == nil || s.id != sessionID {
		c.mu.Unlock()
		return
	}
	idx, outcome := s.ledger.ApplyFrame(f.JobID, p)
	var events []Event
	switch outcome {
	case ledger.FrameMatched:
		c.logger.Debug().Str("session_id", s.id).Str("job_id", f.JobID).Int("slot", idx).Msg("session: frame resolved slot")
	case ledger.FrameFallback:
		slot := s.ledger.Slot(idx)
		c.logger.Warn().
			Err(domain.ErrCorrelationMiss).
			Str("session_id", s.id).
			Str("job_id", f.JobID).
			Str("assigned_job_id", slot.JobID).
			Int("slot", idx).
			Str("correlation", "fallback").
			Msg("session: frame assigned to first unresolved slot")
	case ledger.FrameDuplicate:
		c.mu.Unlock()
		return
	case ledger.FrameUnassigned:
		c.mu.Unlock()
		c.logger.Warn().Str("job_id", f.JobID).Msg("session: frame has no unresolved slot")
		return
	}
	slot := s.ledger.Slot(idx)
	events = append(events, c.event(EventSlotUpdated, s, &slot, ""))
	events = append(events, c.progressLocked(s)...)
	c.commit(events)
}

func (c *Controller) applyStatus(ev protocol.StatusEvent) {
	c.mu.Lock()
	s := c.current
	if s == nil {
		c.mu.Unlock()
		return
	}
	if ev.Kind == protocol.KindUnknown {
		if ev.Message == "" {
			c.mu.Unlock()
			return
		}
		c.commit([]Event{c.event(EventStatusMessage, s, nil, ev.Message)})
		return
	}
	if c.retired.Contains(ev.JobID) && !s.ledger.Has(ev.JobID) {
		c.mu.Unlock()
		c.logger.Debug().Str("job_id", ev.JobID).Msg("session: status for superseded session")
		return
	}
	if c.binding > 0 && !s.ledger.Has(ev.JobID) {
		c.holdLocked(protocol.Inbound{Status: &ev}, ev.JobID)
		c.mu.Unlock()
		return
	}
	idx, outcome := s.ledger.ApplyStatus(ev)
	if outcome != ledger.StatusApplied {
		c.mu.Unlock()
		c.logger.Debug().
			Str("job_id", ev.JobID).
			Str("kind", string(ev.Kind)).
			Str("outcome", outcome.String()).
			Msg("session: status not applied")
		return
	}
	if ev.Kind == protocol.KindFailed {
		c.logger.Warn().Str("session_id", s.id).Str("job_id", ev.JobID).Str("reason", ev.Message).Msg("session: slot failed")
	}
	slot := s.ledger.Slot(idx)
	events := []Event{c.event(EventSlotUpdated, s, &slot, ev.Message)}
	events = append(events, c.progressLocked(s)...)
	c.commit(events)
}

// progressLocked fires the one-shot completion notification, arms the
// grace timer once every slot is terminal and stops the ceiling once the
// session is Completed with every payload resolved. Anything short of that,
// a Failed aggregate included, is left to the ceiling.
func (c *Controller) progressLocked(s *liveSession) []Event {
	var events []Event
	agg := s.ledger.Aggregate()
	if agg.Status == domain.SessionCompleted && !s.completed {
		s.completed = true
		events = append(events, c.event(EventGenerationCompleted, s, nil, ""))
		c.logger.Info().Str("session_id", s.id).Msg("session: generation complete")
	}
	terminal := agg.Status == domain.SessionCompleted || agg.Status == domain.SessionFailed
	if terminal && !s.graceSet && len(s.ledger.Unfetched()) > 0 {
		s.graceSet = true
		id := s.id
		s.grace = time.AfterFunc(c.cfg.GraceDelay, func() { c.onGrace(id) })
	}
	if agg.Status == domain.SessionCompleted && s.ledger.AllResolved() && !s.settled {
		s.settled = true
		if s.ceiling != nil {
			s.ceiling.Stop()
		}
	}
	return events
}

func (c *Controller) onGrace(sessionID string) {
	c.mu.Lock()
	s := c.current
	if s == nil || s.id != sessionID {
		c.mu.Unlock()
		return
	}
	var pending []string
	for _, jobID := range s.ledger.Unfetched() {
		if s.fetched[jobID] {
			continue
		}
		s.fetched[jobID] = true
		pending = append(pending, jobID)
	}
	c.mu.Unlock()

	if c.fetcher == nil {
		if len(pending) > 0 {
			c.logger.Warn().Strs("job_ids", pending).Msg("session: payloads missing and no fallback fetcher configured")
		}
		return
	}
	for _, jobID := range pending {
		c.wg.Add(1)
		go func(jobID string) {
			defer c.wg.Done()
			c.fetchMissing(sessionID, jobID)
		}(jobID)
	}
}

func (c *Controller) fetchMissing(sessionID, jobID string) {
	key := sessionID + "/" + jobID
	v, err, _ := c.fetches.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.FetchTimeout)
		defer cancel()
		data, err := c.fetcher.FetchImage(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return c.persist(sessionID, jobID, data)
	})
	if err != nil {
		if !errors.Is(err, domain.ErrFetchFallback) {
			err = fmt.Errorf("%w: %v", domain.ErrFetchFallback, err)
		}
		c.logger.Warn().Err(err).Str("session_id", sessionID).Str("job_id", jobID).Msg("session: fallback fetch failed")
		return
	}
	p := v.(domain.Payload)

	c.mu.Lock()
	s := c.current
	if s == nil || s.id != sessionID {
		c.mu.Unlock()
		return
	}
	idx, ok := s.ledger.AttachPayload(jobID, p)
	if !ok {
		c.mu.Unlock()
		return
	}
	c.logger.Info().Str("session_id", sessionID).Str("job_id", jobID).Msg("session: payload recovered by fallback fetch")
	slot := s.ledger.Slot(idx)
	events := []Event{c.event(EventSlotUpdated, s, &slot, "")}
	events = append(events, c.progressLocked(s)...)
	c.commit(events)
}

func (c *Controller) onCeiling(sessionID string) {
	c.mu.Lock()
	s := c.current
	if s == nil || s.id != sessionID || s.settled {
		c.mu.Unlock()
		return
	}
	var events []Event
	for _, idx := range s.ledger.Expire() {
		slot := s.ledger.Slot(idx)
		events = append(events, c.event(EventSlotUpdated, s, &slot, "timed out"))
	}
	c.logger.Warn().Str("session_id", s.id).Dur("ceiling", c.cfg.Ceiling).Msg("session: ceiling reached, clearing session")
	events = append(events, c.event(EventGenerationCleared, s, nil, "timed out"))
	c.retireLocked(s)
	c.current = nil
	c.commit(events)
}

// Clear drops the live session, if any.
func (c *Controller) Clear() {
	c.mu.Lock()
	s := c.current
	if s == nil {
		c.mu.Unlock()
		return
	}
	c.clearLocked(s, "cleared")
}

func (c *Controller) clearSession(sessionID, reason string) {
	c.mu.Lock()
	s := c.current
	if s == nil || s.id != sessionID {
		c.mu.Unlock()
		return
	}
	c.clearLocked(s, reason)
}

func (c *Controller) clearLocked(s *liveSession, reason string) {
	events := []Event{c.event(EventGenerationCleared, s, nil, reason)}
	c.retireLocked(s)
	c.current = nil
	c.commit(events)
}

// retireLocked detaches s from live events: its timers stop and its job
// ids are ignored for RetiredJobTTL.
func (c *Controller) retireLocked(s *liveSession) {
	s.stopTimers()
	for _, id := range s.ledger.JobIDs() {
		c.retired.Add(id)
	}
	c.superseded.Add(s.prompt)
}

// Current returns a snapshot of the live session.
func (c *Controller) Current() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Snapshot{}, false
	}
	return c.current.snapshot(), true
}

// AggregateStatus returns the aggregate of the live session.
func (c *Controller) AggregateStatus() (domain.Aggregate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return domain.Aggregate{}, domain.ErrNoSession
	}
	return c.current.ledger.Aggregate(), nil
}

// HasPending reports whether the live session has a non-terminal slot.
func (c *Controller) HasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return false
	}
	for _, slot := range c.current.ledger.Snapshot() {
		if !slot.Status.Terminal() {
			return true
		}
	}
	return false
}

// FilterHistory drops history entries that duplicate the live session:
// entries carrying one of its job ids, and entries whose prompt was started
// or superseded within SupersededWindow of the entry's creation.
func (c *Controller) FilterHistory(entries []domain.HistoryEntry) []domain.HistoryEntry {
	c.mu.Lock()
	live := map[string]bool{}
	if c.current != nil {
		for _, id := range c.current.ledger.JobIDs() {
			live[id] = true
		}
	}
	c.mu.Unlock()

	out := make([]domain.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		if live[e.JobID] {
			continue
		}
		if at, ok := c.superseded.Recorded(strings.TrimSpace(e.Prompt)); ok {
			if e.CreatedAt.IsZero() || absDuration(e.CreatedAt.Sub(at)) <= c.cfg.SupersededWindow {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// Close stops timers and waits for in-flight fallback fetches.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.current != nil {
		c.current.stopTimers()
	}
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Controller) persist(sessionID, jobID string, data []byte) (domain.Payload, error) {
	ref, err := c.store.Write(c.ctx, storage.PayloadKey(sessionID, jobID), data)
	if err != nil {
		return domain.Payload{}, err
	}
	return domain.Payload{Ref: ref, MIME: "image/png", Size: len(data)}, nil
}

func (c *Controller) event(t EventType, s *liveSession, slot *ledger.Slot, msg string) Event {
	ev := Event{
		Type:      t,
		SessionID: s.id,
		Slot:      slot,
		Aggregate: s.ledger.Aggregate(),
		Message:   msg,
		At:        time.Now(),
	}
	switch t {
	case EventGenerationStarted, EventGenerationCompleted, EventGenerationCleared:
		snap := s.snapshot()
		ev.Session = &snap
	}
	return ev
}

// commit releases mu and delivers events in order. It must be called with
// mu held.
func (c *Controller) commit(events []Event) {
	c.dispatchMu.Lock()
	c.mu.Unlock()
	defer c.dispatchMu.Unlock()
	if len(events) == 0 {
		return
	}
	c.obsMu.RLock()
	observers := make([]Observer, 0, len(c.observers))
	for i := 0; i < c.nextObs; i++ {
		if obs, ok := c.observers[i]; ok {
			observers = append(observers, obs)
		}
	}
	c.obsMu.RUnlock()
	for _, ev := range events {
		for _, obs := range observers {
			obs(ev)
		}
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
