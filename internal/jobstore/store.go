package jobstore

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/askmesh/askmesh/internal/ask"
	"github.com/askmesh/askmesh/internal/observability"
)

const (
	DefaultTTL           = 120 * time.Second
	DefaultMaxJobs       = 100000
	DefaultSweepInterval = 10 * time.Second
)

type Config struct {
	TTL           time.Duration
	MaxJobs       int
	SweepInterval time.Duration
}

type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store holds every job for its TTL. All reads and writes go through one
// mutex; callers only ever see copies.
type Store struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	expiry  expiryHeap
	seq     uint64
}

func New(cfg Config, opts ...Option) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = DefaultMaxJobs
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	s := &Store{
		cfg:     cfg,
		now:     time.Now,
		logger:  observability.DiscardLogger(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create inserts seed as a new job in the understanding state. Status,
// result, error and timestamps of seed are ignored.
func (s *Store) Create(seed ask.Job) (ask.Job, error) {
	id := strings.TrimSpace(seed.ID)
	if id == "" {
		return ask.Job{}, fmt.Errorf("%w: job id is required", ask.ErrInvalidJob)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.entries[id]; ok {
		if !s.expiredLocked(existing, now) {
			return ask.Job{}, fmt.Errorf("%w: %s", ask.ErrAlreadyExists, id)
		}
		s.removeLocked(existing, "expired")
	}
	for len(s.entries) >= s.cfg.MaxJobs && s.expiry.Len() > 0 {
		oldest := s.expiry[0]
		reason := "capacity"
		if s.expiredLocked(oldest, now) {
			reason = "expired"
		}
		s.removeLocked(oldest, reason)
	}

	job := ask.Job{
		ID:        id,
		Question:  seed.Question,
		TraceID:   seed.TraceID,
		Status:    ask.StatusUnderstanding,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.cfg.TTL),
	}
	s.seq++
	e := &entry{job: job, seq: s.seq}
	s.entries[id] = e
	heap.Push(&s.expiry, e)
	observability.SetJobStoreSize(len(s.entries))
	return job.Clone(), nil
}

func (s *Store) Get(id string) (ask.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookupLocked(id)
	if !ok {
		return ask.Job{}, false
	}
	return e.job.Clone(), true
}

// Update applies mutate to a copy of the job and commits it atomically. The
// mutator runs under the store lock and must not block. Terminal jobs reject
// every update with ask.ErrTerminal; identity fields cannot be changed.
func (s *Store) Update(id string, mutate func(*ask.Job) error) (ask.Job, error) {
	if mutate == nil {
		return ask.Job{}, fmt.Errorf("mutator is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookupLocked(id)
	if !ok {
		return ask.Job{}, fmt.Errorf("%w: %s", ask.ErrNotFound, id)
	}
	current := e.job
	if current.Status.Terminal() {
		return current.Clone(), fmt.Errorf("%w: %s is %s", ask.ErrTerminal, id, current.Status)
	}

	next := current.Clone()
	if err := mutate(&next); err != nil {
		return current.Clone(), err
	}
	next.ID = current.ID
	next.Question = current.Question
	next.TraceID = current.TraceID
	next.CreatedAt = current.CreatedAt

	if !ask.CanTransition(current.Status, next.Status) {
		return current.Clone(), fmt.Errorf("%w: %s -> %s", ask.ErrInvalidTransition, current.Status, next.Status)
	}
	if err := next.CheckInvariants(); err != nil {
		return current.Clone(), err
	}

	s.commitLocked(e, next)
	return next.Clone(), nil
}

// RequestStop moves a running job to stopped. Stopping a job that already
// reached a terminal state succeeds without changing it.
func (s *Store) RequestStop(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookupLocked(id)
	if !ok {
		return fmt.Errorf("%w: %s", ask.ErrNotFound, id)
	}
	if e.job.Status.Terminal() {
		return nil
	}
	next := e.job.Clone()
	next.Status = ask.StatusStopped
	next.Result = nil
	next.Error = nil
	s.commitLocked(e, next)
	return nil
}

func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false
	}
	s.removeLocked(e, "deleted")
	return true
}

// Len reports the number of entries held, including expired ones that have
// not been swept yet.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes every expired entry and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for s.expiry.Len() > 0 && s.expiredLocked(s.expiry[0], now) {
		s.removeLocked(s.expiry[0], "expired")
		removed++
	}
	return removed
}

// Run sweeps on every SweepInterval until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if removed := s.Sweep(); removed > 0 {
			s.logger.DebugContext(ctx, "job store sweep", slog.Int("removed", removed))
		}
	}
}

func (s *Store) lookupLocked(id string) (*entry, bool) {
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	if s.expiredLocked(e, s.now()) {
		s.removeLocked(e, "expired")
		return nil, false
	}
	return e, true
}

func (s *Store) commitLocked(e *entry, next ask.Job) {
	now := s.now()
	next.UpdatedAt = now
	next.ExpiresAt = now.Add(s.cfg.TTL)
	e.job = next
	s.seq++
	e.seq = s.seq
	heap.Fix(&s.expiry, e.index)
}

func (s *Store) expiredLocked(e *entry, now time.Time) bool {
	return !now.Before(e.job.ExpiresAt)
}

func (s *Store) removeLocked(e *entry, reason string) {
	delete(s.entries, e.job.ID)
	if e.index >= 0 {
		heap.Remove(&s.expiry, e.index)
	}
	observability.SetJobStoreSize(len(s.entries))
	observability.AddJobStoreEvictions(reason, 1)
}

type entry struct {
	job   ask.Job
	seq   uint64
	index int
}

// expiryHeap orders entries by expiry, then by last write.
type expiryHeap []*entry

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool {
	if !h[i].job.ExpiresAt.Equal(h[j].job.ExpiresAt) {
		return h[i].job.ExpiresAt.Before(h[j].job.ExpiresAt)
	}
	return h[i].seq < h[j].seq
}

func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
