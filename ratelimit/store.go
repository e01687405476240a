/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-ratelimit/log"
)

// Limit describes how many points may be consumed per fixed window
// and for how long the identifier is blocked after exhausting them.
type Limit struct {
	// Points is the number of requests allowed per window. Must be >= 1.
	Points int

	// Duration is the window length. Must be >= 1s.
	Duration time.Duration

	// BlockDuration is how long the identifier stays blocked after exhausting
	// the window. Zero disables blocking.
	BlockDuration time.Duration
}

// ConsumeResult is the outcome of consuming a single point.
type ConsumeResult struct {
	// Allowed tells whether the point was consumed.
	Allowed bool

	// Remaining is the number of points left in the window. Never negative.
	Remaining int

	// Reset is when the window ends, or when the block ends while the identifier is blocked.
	Reset time.Time
}

// Status is a read-only snapshot of an identifier's state.
type Status struct {
	Remaining int
	Reset     time.Time
	Blocked   bool
}

// Store tracks consumed points per identifier.
//
// Methods accept a context and return errors so that implementations backed
// by networked storage can be plugged in without changing call contracts.
// The provided now makes the arithmetic deterministic and testable.
type Store interface {
	// Consume atomically takes one point from the identifier's current window,
	// starting a fresh window if there is none.
	Consume(ctx context.Context, key string, limit Limit, now time.Time) (ConsumeResult, error)

	// Status reports the identifier's state without mutating it.
	// It returns false if the identifier is not tracked or its entry has expired.
	Status(ctx context.Context, key string, now time.Time) (Status, bool, error)

	// Delete removes the identifier's entry, reporting whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Reset drops all entries.
	Reset(ctx context.Context) error
}

type memoryStoreEntry struct {
	points       int
	reset        time.Time
	blockedUntil time.Time
}

// expired reports whether the entry is dead at the passed moment:
// the window has ended and no block is in effect anymore.
func (e *memoryStoreEntry) expired(now time.Time) bool {
	return !e.reset.After(now) && (e.blockedUntil.IsZero() || !e.blockedUntil.After(now))
}

// MemoryStore is a bounded in-memory Store implementation.
//
// All operations are pure in-memory computation under a single mutex,
// the passed context is never inspected. When the store is full, inserting
// a new identifier evicts the entry with the earliest window end.
// A background goroutine sweeps out expired entries periodically until Close is called.
type MemoryStore struct {
	maxSize int

	mu      sync.RWMutex
	entries map[string]*memoryStoreEntry
	closed  bool

	// Cached entry with the earliest window end for O(1) amortized eviction.
	// Recomputed by full scan when invalid and after each sweep.
	oldestKey   string
	oldestReset time.Time
	oldestValid bool

	stop      chan struct{}
	closeOnce sync.Once

	logger           log.FieldLogger
	metricsCollector StoreMetricsCollector
}

var _ Store = (*MemoryStore)(nil)

// MemoryStoreOpts represents options for MemoryStore.
type MemoryStoreOpts struct {
	// MetricsCollector is a collector of the store metrics.
	// It can be nil, in this case, metrics will be disabled.
	MetricsCollector StoreMetricsCollector
}

// NewMemoryStore creates a new MemoryStore and starts its background sweeper.
func NewMemoryStore(cfg StorageConfig, logger log.FieldLogger) (*MemoryStore, error) {
	return NewMemoryStoreWithOpts(cfg, logger, MemoryStoreOpts{})
}

// NewMemoryStoreWithOpts creates a new MemoryStore with the provided options
// and starts its background sweeper.
func NewMemoryStoreWithOpts(cfg StorageConfig, logger log.FieldLogger, opts MemoryStoreOpts) (*MemoryStore, error) {
	if cfg.MaxSize < 1 {
		return nil, fmt.Errorf("storage max size should be >= 1, got %d", cfg.MaxSize)
	}
	cleanupInterval := time.Duration(cfg.CleanupInterval)
	if cleanupInterval < time.Second {
		return nil, fmt.Errorf("storage cleanup interval should be >= 1s, got %s", cleanupInterval)
	}
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	metricsCollector := opts.MetricsCollector
	if metricsCollector == nil {
		metricsCollector = disabledMetricsCollector
	}

	s := &MemoryStore{
		maxSize:          cfg.MaxSize,
		entries:          make(map[string]*memoryStoreEntry),
		stop:             make(chan struct{}),
		logger:           log.NewPrefixedLogger(logger, "rate limit store: "),
		metricsCollector: metricsCollector,
	}
	go s.runSweeper(cleanupInterval)
	return s, nil
}

// Consume atomically takes one point from the identifier's current window.
//
// An expired entry is discarded first, then a fresh window is started for
// untracked identifiers. A live block denies the call regardless of the window
// state, a lapsed one is cleared within the same call. Exhausted windows deny
// and, when the limit carries a block duration, start a new block.
func (s *MemoryStore) Consume(_ context.Context, key string, limit Limit, now time.Time) (ConsumeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ConsumeResult{}, ErrStoreClosed
	}

	entry, ok := s.entries[key]
	if ok && entry.expired(now) {
		s.removeEntry(key)
		ok = false
	}

	if !ok {
		entry = &memoryStoreEntry{points: limit.Points - 1, reset: now.Add(limit.Duration)}
		s.insertEntry(key, entry)
		return ConsumeResult{Allowed: true, Remaining: entry.points, Reset: entry.reset}, nil
	}

	if entry.blockedUntil.After(now) {
		return ConsumeResult{Remaining: 0, Reset: entry.blockedUntil}, nil
	}
	entry.blockedUntil = time.Time{}

	if entry.points <= 0 {
		if limit.BlockDuration > 0 {
			entry.blockedUntil = now.Add(limit.BlockDuration)
			return ConsumeResult{Remaining: 0, Reset: entry.blockedUntil}, nil
		}
		return ConsumeResult{Remaining: 0, Reset: entry.reset}, nil
	}

	entry.points--
	return ConsumeResult{Allowed: true, Remaining: entry.points, Reset: entry.reset}, nil
}

// Status reports the identifier's state without mutating it.
// While the identifier is blocked, Reset is the block end. A lapsed block is
// reported as is, it is cleared only by the next Consume.
func (s *MemoryStore) Status(_ context.Context, key string, now time.Time) (Status, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok || entry.expired(now) {
		return Status{}, false, nil
	}
	if entry.blockedUntil.After(now) {
		return Status{Remaining: entry.points, Reset: entry.blockedUntil, Blocked: true}, true, nil
	}
	return Status{Remaining: entry.points, Reset: entry.reset}, true, nil
}

// Delete removes the identifier's entry, reporting whether it existed.
func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return false, nil
	}
	s.removeEntry(key)
	s.metricsCollector.SetEntriesAmount(len(s.entries))
	return true, nil
}

// Reset drops all entries.
func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*memoryStoreEntry)
	s.oldestValid = false
	s.metricsCollector.SetEntriesAmount(0)
	return nil
}

// Close stops the background sweeper and clears all entries. It is idempotent.
// Subsequent Consume calls fail with ErrStoreClosed.
func (s *MemoryStore) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		s.closed = true
		s.entries = make(map[string]*memoryStoreEntry)
		s.oldestValid = false
		s.mu.Unlock()
		s.metricsCollector.SetEntriesAmount(0)
	})
}

// insertEntry adds a new entry, evicting the one with the earliest window end
// when the store is full. The caller must hold the mutex.
func (s *MemoryStore) insertEntry(key string, entry *memoryStoreEntry) {
	if len(s.entries) >= s.maxSize {
		s.evictOldest()
	}
	s.entries[key] = entry
	if s.oldestValid && entry.reset.Before(s.oldestReset) {
		s.oldestKey = key
		s.oldestReset = entry.reset
	}
	s.metricsCollector.SetEntriesAmount(len(s.entries))
}

func (s *MemoryStore) removeEntry(key string) {
	delete(s.entries, key)
	if s.oldestValid && s.oldestKey == key {
		s.oldestValid = false
	}
}

func (s *MemoryStore) evictOldest() {
	if !s.oldestValid {
		s.recomputeOldest()
	}
	if !s.oldestValid {
		return
	}
	delete(s.entries, s.oldestKey)
	s.oldestValid = false
	s.metricsCollector.IncEvictions()
}

func (s *MemoryStore) recomputeOldest() {
	s.oldestValid = false
	for key, entry := range s.entries {
		if !s.oldestValid || entry.reset.Before(s.oldestReset) {
			s.oldestKey = key
			s.oldestReset = entry.reset
			s.oldestValid = true
		}
	}
}

func (s *MemoryStore) runSweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

// sweep removes entries whose window and block have both lapsed
// and recomputes the oldest entry hint.
func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	removed := 0
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	s.recomputeOldest()
	entriesAmount := len(s.entries)
	s.mu.Unlock()

	if removed != 0 {
		s.metricsCollector.AddExpiredRemoved(removed)
		s.logger.Debug("expired entries removed",
			log.Int("removed", removed), log.Int("entries", entriesAmount))
	}
	s.metricsCollector.SetEntriesAmount(entriesAmount)
}
