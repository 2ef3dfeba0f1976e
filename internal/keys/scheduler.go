package keys

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/docbridge/internal/logging"
)

const (
	// idleWait is how long the driver sleeps when nothing is scheduled.
	// Schedule wakes it early.
	idleWait = time.Hour

	// minRefreshDelay is the shortest wait before refreshing a token that
	// is still valid but already inside the lead window.
	minRefreshDelay = 10 * time.Second
)

// Scheduler fires a proactive refresh for each key a fixed lead time before
// its access token expires. One goroutine drives a min-heap of due times,
// so the number of keys does not change the number of timers. At most one
// entry exists per key.
type Scheduler struct {
	lead   time.Duration
	fire   func(key string)
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*scheduleEntry
	queue   scheduleQueue
	wake    chan struct{}

	inflight sync.WaitGroup
}

// NewScheduler returns a scheduler that calls fire(key) at expiry-lead.
// Nothing fires until Run is called.
func NewScheduler(lead time.Duration, fire func(key string), logger *slog.Logger) *Scheduler {
	return &Scheduler{
		lead:    lead,
		fire:    fire,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*scheduleEntry),
		wake:    make(chan struct{}, 1),
	}
}

// Schedule arms a refresh for key, replacing any pending one. An expiry
// already in the past fires on the next driver pass. A token that is still
// valid but lives no longer than the lead is refreshed halfway to expiry,
// never sooner than minRefreshDelay.
func (s *Scheduler) Schedule(key string, expiry time.Time) {
	due := s.dueFor(key, expiry)

	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		e.due = due
		heap.Fix(&s.queue, e.index)
	} else {
		e := &scheduleEntry{key: key, due: due}
		heap.Push(&s.queue, e)
		s.entries[key] = e
	}
	s.mu.Unlock()

	s.logger.Debug("refresh scheduled",
		slog.String("key", logging.KeyPrefix(key)),
		slog.Time("due", due),
	)

	s.notify()
}

// Cancel drops the pending refresh for key, if any.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return
	}

	heap.Remove(&s.queue, e.index)
	delete(s.entries, key)
}

// Run drives the queue until ctx is cancelled, then waits for callbacks
// that are still running.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		s.fireDue()

		timer.Stop()
		timer.Reset(s.nextWait())

		select {
		case <-ctx.Done():
			s.inflight.Wait()
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// fireDue pops every entry whose due time has passed and runs its callback
// on its own goroutine so one slow provider call does not hold up others.
func (s *Scheduler) fireDue() {
	now := s.now()

	var due []string

	s.mu.Lock()
	for s.queue.Len() > 0 && !s.queue[0].due.After(now) {
		e := heap.Pop(&s.queue).(*scheduleEntry)
		delete(s.entries, e.key)
		due = append(due, e.key)
	}
	s.mu.Unlock()

	for _, key := range due {
		s.inflight.Add(1)

		go func(key string) {
			defer s.inflight.Done()
			s.fire(key)
		}(key)
	}
}

func (s *Scheduler) dueFor(key string, expiry time.Time) time.Time {
	due := expiry.Add(-s.lead)
	now := s.now()

	if due.After(now) || !expiry.After(now) {
		return due
	}

	s.logger.Warn("token lifetime is shorter than the refresh lookahead",
		slog.String("key", logging.KeyPrefix(key)),
		slog.Duration("remaining", expiry.Sub(now)),
		slog.Duration("lookahead", s.lead),
	)

	return now.Add(max(expiry.Sub(now)/2, minRefreshDelay))
}

func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Len() == 0 {
		return idleWait
	}

	wait := s.queue[0].due.Sub(s.now())
	if wait < 0 {
		wait = 0
	}

	return wait
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

type scheduleEntry struct {
	key   string
	due   time.Time
	index int
}

// scheduleQueue implements heap.Interface ordered by due time.
type scheduleQueue []*scheduleEntry

func (q scheduleQueue) Len() int { return len(q) }

func (q scheduleQueue) Less(i, j int) bool { return q[i].due.Before(q[j].due) }

func (q scheduleQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *scheduleQueue) Push(x any) {
	e := x.(*scheduleEntry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *scheduleQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]

	return e
}
