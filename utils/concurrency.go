package utils

import (
	"context"
	"sync"
	"time"
)

// WorkerPool runs jobs on a bounded number of goroutines and spaces job
// starts by at least the configured interval.
type WorkerPool struct {
	semaphore   chan struct{}
	interval    time.Duration
	wg          sync.WaitGroup
	mu          sync.Mutex
	lastRequest time.Time
}

// NewWorkerPool creates a WorkerPool with the given concurrency and minimum
// interval between job starts. A non-positive maxWorkers is treated as 1.
func NewWorkerPool(maxWorkers int, interval time.Duration) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &WorkerPool{
		semaphore: make(chan struct{}, maxWorkers),
		interval:  interval,
	}
}

// Submit enqueues a job. It blocks while every worker is busy. Jobs whose
// context is cancelled before they start are dropped without running.
func (wp *WorkerPool) Submit(ctx context.Context, job func(ctx context.Context)) {
	select {
	case wp.semaphore <- struct{}{}:
	case <-ctx.Done():
		return
	}

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		defer func() { <-wp.semaphore }()

		if !wp.waitTurn(ctx) {
			return
		}
		job(ctx)
	}()
}

// Wait blocks until all submitted jobs have completed.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

func (wp *WorkerPool) waitTurn(ctx context.Context) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if !wp.lastRequest.IsZero() {
		if wait := wp.interval - time.Since(wp.lastRequest); wait > 0 {
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return false
			}
		}
	}
	if ctx.Err() != nil {
		return false
	}
	wp.lastRequest = time.Now()
	return true
}

// KeySet is a thread-safe set of strings, used to drop duplicate fragments
// seen on more than one page or source.
type KeySet struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

// NewKeySet creates an empty KeySet.
func NewKeySet() *KeySet {
	return &KeySet{seen: make(map[string]struct{})}
}

// Add returns true if the key was newly added, false if already present.
func (s *KeySet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.seen[key]; exists {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

// Size returns the number of unique keys tracked.
func (s *KeySet) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}

// PassGuard is an in-process mutual-exclusion guard: TryAcquire never
// blocks, it reports whether the caller now holds the guard.
type PassGuard struct {
	mu sync.Mutex
}

// TryAcquire returns a release func and true when the guard was free.
func (g *PassGuard) TryAcquire(ctx context.Context) (func(), bool, error) {
	if !g.mu.TryLock() {
		return nil, false, nil
	}
	var once sync.Once
	return func() { once.Do(g.mu.Unlock) }, true, nil
}
