package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/loom/store"
)

// Scheduler is the in-memory store.Scheduler. Entries are kept in a table and
// delivered by polling: Start runs a background poll loop for production use,
// while tests drive delivery deterministically with RunDue and Settle against
// a fake clock.
type Scheduler struct {
	mu         sync.Mutex
	clock      store.Clock
	dispatcher store.Dispatcher
	entries    map[store.ScheduledID]*entry
}

type entry struct {
	id     store.ScheduledID
	due    time.Time
	handle string
	args   json.RawMessage
	state  store.ScheduledState
}

func newScheduler(clock store.Clock, dispatcher store.Dispatcher) *Scheduler {
	return &Scheduler{
		clock:      clock,
		dispatcher: dispatcher,
		entries:    make(map[store.ScheduledID]*entry),
	}
}

// RunAfter schedules handle to run after delay with args.
func (s *Scheduler) RunAfter(ctx context.Context, delay time.Duration, handle string, args any) (store.ScheduledID, error) {
	if delay < 0 {
		delay = 0
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal scheduled args for %q: %w", handle, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := store.ScheduledID(uuid.NewString())
	s.entries[id] = &entry{
		id:     id,
		due:    s.clock().Add(delay),
		handle: handle,
		args:   raw,
		state:  store.ScheduledStatePending,
	}
	return id, nil
}

// Cancel cancels a pending entry. Unknown or completed ids are a no-op.
func (s *Scheduler) Cancel(ctx context.Context, id store.ScheduledID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok && e.state == store.ScheduledStatePending {
		e.state = store.ScheduledStateCanceled
	}
	return nil
}

// State reports an entry's lifecycle state.
func (s *Scheduler) State(ctx context.Context, id store.ScheduledID) (store.ScheduledState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return store.ScheduledStateNone, nil
	}
	return e.state, nil
}

// RunDue dispatches every entry due at the current clock reading and reports
// how many ran. Dispatch errors are recorded on the entry but do not stop the
// sweep; the first error is returned after all due entries ran.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	s.mu.Lock()
	now := s.clock()
	var due []*entry
	for _, e := range s.entries {
		if e.state == store.ScheduledStatePending && !e.due.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].due.Before(due[j].due) })
	for _, e := range due {
		e.state = store.ScheduledStateDone
	}
	s.mu.Unlock()

	var firstErr error
	for _, e := range due {
		fn, ok := s.dispatcher.Lookup(e.handle)
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("scheduled handle %q is not registered", e.handle)
			}
			continue
		}
		if err := fn(ctx, e.args); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(due), firstErr
}

// Settle repeatedly runs due entries until none remain due, bounding the loop
// to avoid livelock on self-rescheduling work. Returns the total dispatched.
func (s *Scheduler) Settle(ctx context.Context) (int, error) {
	total := 0
	for i := 0; i < 1000; i++ {
		n, err := s.RunDue(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
	return total, fmt.Errorf("scheduler did not settle after 1000 sweeps")
}

// Start polls for due entries until ctx is canceled. interval <= 0 defaults to
// 25ms.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 25 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.RunDue(ctx)
		}
	}
}

// PendingCount reports how many entries are pending (tests).
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.state == store.ScheduledStatePending {
			n++
		}
	}
	return n
}

// NextDue returns the earliest pending due time, if any (tests).
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  time.Time
		found bool
	)
	for _, e := range s.entries {
		if e.state != store.ScheduledStatePending {
			continue
		}
		if !found || e.due.Before(best) {
			best = e.due
			found = true
		}
	}
	return best, found
}
