package main

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventKind distinguishes the two lifecycle events the bot records.
type EventKind string

const (
	EventCreation EventKind = "creation"
	EventClosure  EventKind = "closure"
)

// LifecycleEvent is one queued thread lifecycle record. Ownership passes
// to the worker on dequeue; an event is processed exactly once.
type LifecycleEvent struct {
	UserID     string
	Username   string
	Kind       EventKind
	EnqueuedAt time.Time
}

// poisonEvent is the worker stop sentinel pushed through the queue.
var poisonEvent = &LifecycleEvent{}

// EventQueue is a bounded FIFO buffer of lifecycle events. When full, the
// oldest queued event is evicted to admit the new one; enqueue never
// blocks the caller.
type EventQueue struct {
	ch chan *LifecycleEvent
}

func NewEventQueue(capacity int) *EventQueue {
	return &EventQueue{ch: make(chan *LifecycleEvent, capacity)}
}

// Enqueue adds an event, evicting the oldest entry if the queue is full.
// Returns false only when the event had to be dropped.
func (q *EventQueue) Enqueue(ev *LifecycleEvent) bool {
	select {
	case q.ch <- ev:
		return true
	default:
	}

	// Full: make room by dropping the oldest entry, then try once more.
	select {
	case old := <-q.ch:
		log.Warn().
			Str("userID", old.UserID).
			Str("kind", string(old.Kind)).
			Msg("Event queue full, dropped oldest entry")
	default:
	}

	select {
	case q.ch <- ev:
		return true
	default:
		log.Warn().
			Str("userID", ev.UserID).
			Str("kind", string(ev.Kind)).
			Msg("Event queue still full, dropping event")
		return false
	}
}

// Dequeue returns the next event, or nil if none arrives within timeout.
func (q *EventQueue) Dequeue(timeout time.Duration) *LifecycleEvent {
	select {
	case ev := <-q.ch:
		return ev
	case <-time.After(timeout):
		return nil
	}
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	return len(q.ch)
}

// Per-event outcome statuses recorded for diagnostics.
const (
	OutcomeSuccess           = "success"
	OutcomeFailed            = "failed"
	OutcomeError             = "error"
	OutcomeSkippedDailyLimit = "skipped_daily_limit"
)

// LogOutcome is the recorded result of the most recent event per user.
type LogOutcome struct {
	Status   string    `json:"status"`
	Username string    `json:"username"`
	Kind     EventKind `json:"kind"`
	At       time.Time `json:"at"`
	Retries  int       `json:"retries"`
	Error    string    `json:"error,omitempty"`
}

// DailyLimitStatus summarizes the suppression state for diagnostics.
type DailyLimitStatus struct {
	Enabled        bool   `json:"enabled"`
	CurrentDay     string `json:"currentDay"`
	ResetHour      int    `json:"resetHour"`
	TimezoneOffset int    `json:"timezoneOffset"`
	TrackedUsers   int    `json:"trackedUsers"`
	LoggedToday    int    `json:"loggedToday"`
}

// EventLogger drains the event queue with a single background worker and
// persists lifecycle events to the external store, applying the per-user
// once-per-log-day suppression rule. Logging is best-effort auxiliary
// work: it never blocks or fails the thread lifecycle path.
type EventLogger struct {
	queue    *EventQueue
	newStore func() RowAppender

	enabled           bool
	dailyLimitEnabled bool
	resetHour         int
	tzOffset          int

	now func() time.Time // injectable for tests

	storeMu sync.Mutex
	store   RowAppender

	limitMu    sync.Mutex
	lastLogDay map[string]string // user ID -> last persisted log day

	statusMu sync.Mutex
	outcomes map[string]LogOutcome

	workerMu sync.Mutex
	running  bool
	done     chan struct{}

	maxAttempts   int
	retryDelay    time.Duration
	appendTimeout time.Duration
	pollTimeout   time.Duration
	cleanupEvery  int // idle polls between suppression-state GC passes
}

// NewEventLogger builds the logger. newStore is called lazily, at most
// once successfully, from the worker; a nil factory disables persistence.
func NewEventLogger(cfg *Config, newStore func() RowAppender) *EventLogger {
	return &EventLogger{
		queue:             NewEventQueue(cfg.LogQueueSize),
		newStore:          newStore,
		enabled:           cfg.SheetsEnabled,
		dailyLimitEnabled: cfg.DailyLimitEnabled,
		resetHour:         cfg.DailyResetHour,
		tzOffset:          cfg.TimezoneOffset,
		now:               time.Now,
		lastLogDay:        make(map[string]string),
		outcomes:          make(map[string]LogOutcome),
		maxAttempts:       3,
		retryDelay:        500 * time.Millisecond,
		appendTimeout:     10 * time.Second,
		pollTimeout:       time.Second,
		cleanupEvery:      100,
	}
}

// LogCreation enqueues a thread-creation event for the creator.
func (l *EventLogger) LogCreation(userID, username string) bool {
	return l.log(userID, username, EventCreation)
}

// LogClosure enqueues a thread-closure event for the creator.
func (l *EventLogger) LogClosure(userID, username string) bool {
	return l.log(userID, username, EventClosure)
}

func (l *EventLogger) log(userID, username string, kind EventKind) bool {
	if !l.enabled {
		return true
	}

	l.ensureWorker()

	ev := &LifecycleEvent{
		UserID:     userID,
		Username:   username,
		Kind:       kind,
		EnqueuedAt: l.now(),
	}
	accepted := l.queue.Enqueue(ev)
	if accepted {
		log.Debug().
			Str("userID", userID).
			Str("username", username).
			Str("kind", string(kind)).
			Msg("Lifecycle event queued")
	}
	return accepted
}

// ensureWorker starts the background worker if it is not running.
func (l *EventLogger) ensureWorker() {
	l.workerMu.Lock()
	defer l.workerMu.Unlock()

	if l.running {
		return
	}
	l.running = true
	l.done = make(chan struct{})
	go l.worker(l.done)
	log.Info().Msg("Event log worker started")
}

// Stop signals the worker via the poison sentinel and waits up to five
// seconds for it to finish.
func (l *EventLogger) Stop() {
	l.workerMu.Lock()
	if !l.running {
		l.workerMu.Unlock()
		return
	}
	done := l.done
	l.workerMu.Unlock()

	l.queue.Enqueue(poisonEvent)

	select {
	case <-done:
		log.Info().Msg("Event log worker stopped")
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Event log worker did not stop within timeout, abandoning")
	}
}

func (l *EventLogger) worker(done chan struct{}) {
	defer func() {
		l.workerMu.Lock()
		l.running = false
		l.workerMu.Unlock()
		close(done)
	}()

	idlePolls := 0
	for {
		ev := l.queue.Dequeue(l.pollTimeout)
		if ev == nil {
			idlePolls++
			if idlePolls >= l.cleanupEvery {
				l.cleanupOldLogDays()
				idlePolls = 0
			}
			continue
		}
		if ev == poisonEvent {
			log.Debug().Msg("Event log worker received stop sentinel")
			return
		}
		l.safeProcess(ev)
	}
}

// safeProcess shields the worker loop from one bad iteration.
func (l *EventLogger) safeProcess(ev *LifecycleEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("userID", ev.UserID).
				Msg("Unexpected error processing lifecycle event")
			time.Sleep(time.Second)
		}
	}()
	l.process(ev)
}

func (l *EventLogger) process(ev *LifecycleEvent) {
	if l.dailyLimitEnabled && l.alreadyLoggedToday(ev.UserID) {
		log.Info().
			Str("userID", ev.UserID).
			Str("username", ev.Username).
			Msg("Daily limit reached, skipping event")
		l.setOutcome(ev, OutcomeSkippedDailyLimit, 0, "")
		return
	}

	store := l.storeHandle()
	if store == nil {
		log.Error().Str("userID", ev.UserID).Msg("Event store unavailable, event not persisted")
		l.setOutcome(ev, OutcomeFailed, 0, "store unavailable")
		return
	}

	retries, err := l.appendWithRetry(store, ev)
	if err != nil {
		log.Error().
			Err(err).
			Str("userID", ev.UserID).
			Int("retries", retries).
			Msg("Failed to persist lifecycle event")
		l.setOutcome(ev, OutcomeError, retries, err.Error())
		return
	}

	// The suppression slot is consumed only by a successful write.
	l.markLoggedToday(ev.UserID)
	l.setOutcome(ev, OutcomeSuccess, retries, "")
	log.Info().
		Str("userID", ev.UserID).
		Str("username", ev.Username).
		Str("kind", string(ev.Kind)).
		Msg("Lifecycle event persisted")
}

// storeHandle lazily builds and connects the store client, memoizing it on
// success. A failed connect leaves the handle nil so the next event
// retries initialization.
func (l *EventLogger) storeHandle() RowAppender {
	l.storeMu.Lock()
	defer l.storeMu.Unlock()

	if l.store != nil {
		return l.store
	}
	if l.newStore == nil {
		return nil
	}

	store := l.newStore()
	if store == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.appendTimeout)
	defer cancel()
	if err := store.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to connect to event store")
		return nil
	}

	l.store = store
	return store
}

func (l *EventLogger) appendWithRetry(store RowAppender, ev *LifecycleEvent) (int, error) {
	var err error
	delay := l.retryDelay
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		if attempt > 0 {
			log.Warn().
				Err(err).
				Str("userID", ev.UserID).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("Retrying event store write")
			time.Sleep(delay)
			delay *= 2
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.appendTimeout)
		err = store.AppendRow(ctx, ev.UserID, ev.Username, l.now(), string(ev.Kind))
		cancel()
		if err == nil {
			return attempt, nil
		}
	}
	return l.maxAttempts - 1, err
}

// logDay computes the calendar day an instant belongs to for suppression
// purposes: the day rolls over at resetHour in the configured UTC offset,
// so e.g. with reset hour 6 a 05:59 event still counts as the previous day.
func (l *EventLogger) logDay(t time.Time) string {
	local := t.In(time.FixedZone("log", l.tzOffset*3600))
	if local.Hour() < l.resetHour {
		local = local.AddDate(0, 0, -1)
	}
	return local.Format("2006-01-02")
}

func (l *EventLogger) alreadyLoggedToday(userID string) bool {
	l.limitMu.Lock()
	defer l.limitMu.Unlock()

	return l.lastLogDay[userID] == l.logDay(l.now())
}

func (l *EventLogger) markLoggedToday(userID string) {
	l.limitMu.Lock()
	defer l.limitMu.Unlock()

	l.lastLogDay[userID] = l.logDay(l.now())
}

// cleanupOldLogDays evicts suppression entries older than seven log days.
func (l *EventLogger) cleanupOldLogDays() {
	cutoff := l.logDay(l.now().AddDate(0, 0, -7))

	l.limitMu.Lock()
	defer l.limitMu.Unlock()

	removed := 0
	for userID, day := range l.lastLogDay {
		if day < cutoff {
			delete(l.lastLogDay, userID)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("Evicted stale daily-limit entries")
	}
}

func (l *EventLogger) setOutcome(ev *LifecycleEvent, status string, retries int, errMsg string) {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()

	l.outcomes[ev.UserID] = LogOutcome{
		Status:   status,
		Username: ev.Username,
		Kind:     ev.Kind,
		At:       l.now(),
		Retries:  retries,
		Error:    errMsg,
	}
}

// Outcome returns the recorded result of the given user's latest event.
func (l *EventLogger) Outcome(userID string) (LogOutcome, bool) {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()

	outcome, ok := l.outcomes[userID]
	return outcome, ok
}

// Outcomes returns a copy of the per-user outcome map.
func (l *EventLogger) Outcomes() map[string]LogOutcome {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()

	result := make(map[string]LogOutcome, len(l.outcomes))
	for userID, outcome := range l.outcomes {
		result[userID] = outcome
	}
	return result
}

// LimitStatus reports the current suppression state.
func (l *EventLogger) LimitStatus() DailyLimitStatus {
	l.limitMu.Lock()
	defer l.limitMu.Unlock()

	today := l.logDay(l.now())
	loggedToday := 0
	for _, day := range l.lastLogDay {
		if day == today {
			loggedToday++
		}
	}

	return DailyLimitStatus{
		Enabled:        l.dailyLimitEnabled,
		CurrentDay:     today,
		ResetHour:      l.resetHour,
		TimezoneOffset: l.tzOffset,
		TrackedUsers:   len(l.lastLogDay),
		LoggedToday:    loggedToday,
	}
}
