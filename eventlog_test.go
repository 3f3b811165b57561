package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	userID   string
	username string
	kind     string
}

// fakeStore is an in-memory RowAppender with scriptable failures.
type fakeStore struct {
	mu         sync.Mutex
	connectErr error
	appendErrs []error // consumed one per AppendRow call; nil entries succeed
	rows       []fakeRow
	connects   int
}

func (s *fakeStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	return s.connectErr
}

func (s *fakeStore) AppendRow(ctx context.Context, userID, username string, at time.Time, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.appendErrs) > 0 {
		err := s.appendErrs[0]
		s.appendErrs = s.appendErrs[1:]
		if err != nil {
			return err
		}
	}
	s.rows = append(s.rows, fakeRow{userID: userID, username: username, kind: kind})
	return nil
}

func (s *fakeStore) rowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func newTestLogger(store *fakeStore) *EventLogger {
	cfg := &Config{
		SheetsEnabled:     true,
		DailyLimitEnabled: true,
		DailyResetHour:    6,
		TimezoneOffset:    9,
		LogQueueSize:      10,
	}
	var factory func() RowAppender
	if store != nil {
		factory = func() RowAppender { return store }
	}
	l := NewEventLogger(cfg, factory)
	l.retryDelay = time.Millisecond
	l.pollTimeout = 10 * time.Millisecond
	return l
}

func TestEventQueueDropOldest(t *testing.T) {
	q := NewEventQueue(2)

	first := &LifecycleEvent{UserID: "U1"}
	second := &LifecycleEvent{UserID: "U2"}
	third := &LifecycleEvent{UserID: "U3"}

	assert.True(t, q.Enqueue(first))
	assert.True(t, q.Enqueue(second))
	assert.True(t, q.Enqueue(third)) // evicts first
	assert.Equal(t, 2, q.Len())

	assert.Equal(t, "U2", q.Dequeue(time.Millisecond).UserID)
	assert.Equal(t, "U3", q.Dequeue(time.Millisecond).UserID)
}

func TestEventQueueDequeueTimeout(t *testing.T) {
	q := NewEventQueue(1)
	assert.Nil(t, q.Dequeue(10*time.Millisecond))
}

func TestLogDayRollsOverAtResetHour(t *testing.T) {
	l := newTestLogger(nil)

	// 20:30 UTC is 05:30 the next day at UTC+9, still before the 06:00
	// reset, so it counts as the previous log day.
	before := time.Date(2026, 1, 9, 20, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-01-09", l.logDay(before))

	// 22:30 UTC is 07:30 at UTC+9, past the reset.
	after := time.Date(2026, 1, 9, 22, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-01-10", l.logDay(after))
}

func TestProcessAppliesDailyLimit(t *testing.T) {
	store := &fakeStore{}
	l := newTestLogger(store)

	now := time.Date(2026, 1, 10, 3, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.process(&LifecycleEvent{UserID: "U1", Username: "alice", Kind: EventCreation})
	outcome, ok := l.Outcome("U1")
	require.True(t, ok)
	assert.Equal(t, OutcomeSuccess, outcome.Status)
	assert.Equal(t, 1, store.rowCount())

	// Same user, same log day: suppressed.
	l.process(&LifecycleEvent{UserID: "U1", Username: "alice", Kind: EventClosure})
	outcome, _ = l.Outcome("U1")
	assert.Equal(t, OutcomeSkippedDailyLimit, outcome.Status)
	assert.Equal(t, 1, store.rowCount())

	// Other users are unaffected.
	l.process(&LifecycleEvent{UserID: "U2", Username: "bob", Kind: EventCreation})
	assert.Equal(t, 2, store.rowCount())

	// Next log day: the slot resets.
	now = now.AddDate(0, 0, 1)
	l.process(&LifecycleEvent{UserID: "U1", Username: "alice", Kind: EventCreation})
	outcome, _ = l.Outcome("U1")
	assert.Equal(t, OutcomeSuccess, outcome.Status)
	assert.Equal(t, 3, store.rowCount())
}

func TestProcessFailureDoesNotConsumeSlot(t *testing.T) {
	boom := errors.New("append failed")
	store := &fakeStore{appendErrs: []error{boom, boom, boom}}
	l := newTestLogger(store)

	l.process(&LifecycleEvent{UserID: "U1", Username: "alice", Kind: EventCreation})
	outcome, _ := l.Outcome("U1")
	assert.Equal(t, OutcomeError, outcome.Status)
	assert.Equal(t, 0, store.rowCount())

	// Failure left the slot free, so the next event still writes.
	l.process(&LifecycleEvent{UserID: "U1", Username: "alice", Kind: EventCreation})
	outcome, _ = l.Outcome("U1")
	assert.Equal(t, OutcomeSuccess, outcome.Status)
	assert.Equal(t, 1, store.rowCount())
}

func TestProcessRetriesTransientFailures(t *testing.T) {
	store := &fakeStore{appendErrs: []error{errors.New("flaky"), nil}}
	l := newTestLogger(store)

	l.process(&LifecycleEvent{UserID: "U1", Username: "alice", Kind: EventCreation})
	outcome, _ := l.Outcome("U1")
	assert.Equal(t, OutcomeSuccess, outcome.Status)
	assert.Equal(t, 1, outcome.Retries)
	assert.Equal(t, 1, store.rowCount())
}

func TestProcessStoreUnavailable(t *testing.T) {
	l := newTestLogger(nil)

	l.process(&LifecycleEvent{UserID: "U1", Username: "alice", Kind: EventCreation})
	outcome, _ := l.Outcome("U1")
	assert.Equal(t, OutcomeFailed, outcome.Status)
}

func TestFailedConnectRetriesNextEvent(t *testing.T) {
	store := &fakeStore{connectErr: errors.New("no credentials")}
	l := newTestLogger(store)

	l.process(&LifecycleEvent{UserID: "U1", Username: "alice", Kind: EventCreation})
	outcome, _ := l.Outcome("U1")
	assert.Equal(t, OutcomeFailed, outcome.Status)

	store.mu.Lock()
	store.connectErr = nil
	store.mu.Unlock()

	l.process(&LifecycleEvent{UserID: "U1", Username: "alice", Kind: EventCreation})
	outcome, _ = l.Outcome("U1")
	assert.Equal(t, OutcomeSuccess, outcome.Status)

	store.mu.Lock()
	connects := store.connects
	store.mu.Unlock()
	assert.Equal(t, 2, connects)
}

func TestWorkerDrainsQueueAndStops(t *testing.T) {
	store := &fakeStore{}
	l := newTestLogger(store)
	l.dailyLimitEnabled = false

	assert.True(t, l.LogCreation("U1", "alice"))
	assert.True(t, l.LogClosure("U2", "bob"))

	require.Eventually(t, func() bool {
		return store.rowCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	l.Stop()

	l.workerMu.Lock()
	running := l.running
	l.workerMu.Unlock()
	assert.False(t, running)
}

func TestDisabledLoggerAcceptsSilently(t *testing.T) {
	store := &fakeStore{}
	l := newTestLogger(store)
	l.enabled = false

	assert.True(t, l.LogCreation("U1", "alice"))
	assert.Equal(t, 0, l.queue.Len())

	l.workerMu.Lock()
	running := l.running
	l.workerMu.Unlock()
	assert.False(t, running)
}

func TestLimitStatus(t *testing.T) {
	store := &fakeStore{}
	l := newTestLogger(store)

	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.process(&LifecycleEvent{UserID: "U1", Username: "alice", Kind: EventCreation})

	status := l.LimitStatus()
	assert.True(t, status.Enabled)
	assert.Equal(t, "2026-01-10", status.CurrentDay)
	assert.Equal(t, 6, status.ResetHour)
	assert.Equal(t, 9, status.TimezoneOffset)
	assert.Equal(t, 1, status.TrackedUsers)
	assert.Equal(t, 1, status.LoggedToday)
}

func TestCleanupOldLogDays(t *testing.T) {
	l := newTestLogger(nil)

	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.lastLogDay["stale"] = "2025-12-01"
	l.lastLogDay["fresh"] = l.logDay(now)

	l.cleanupOldLogDays()

	assert.NotContains(t, l.lastLogDay, "stale")
	assert.Contains(t, l.lastLogDay, "fresh")
}
