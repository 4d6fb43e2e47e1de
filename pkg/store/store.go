// Package store implements the Data Store: a dual-index job record keeper
// (pending, TTL'd; completed, persistent) plus pop-counter semantics for
// metrics export.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// PendingTTL is how long a running job record survives in the pending
// index before expiring.
const PendingTTL = 15 * time.Minute

// Record is a job's stored shape.
type Record struct {
	ID                 string
	Status             Status
	IntermediateResults interface{}
	Result             interface{}
}

// Key builds the dual-keyed job id {ip}:{job_id}.
func Key(ip, jobID string) string {
	return ip + ":" + jobID
}

// PendingIndex is the TTL'd backing for in-flight jobs.
type PendingIndex interface {
	Set(ctx context.Context, key string, rec Record, ttl time.Duration) error
	Get(ctx context.Context, key string) (Record, bool, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Flush(ctx context.Context) error
}

// CompletedIndex is the persistent backing for finished jobs.
type CompletedIndex interface {
	Put(ctx context.Context, key string, rec Record) error
	Get(ctx context.Context, key string) (Record, bool, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Store is the Data Store: pending + completed indices, plus the
// pop-counters metrics exporters read.
type Store struct {
	pending   PendingIndex
	completed CompletedIndex

	mu               sync.Mutex
	jobCounters      map[string]int64
	containerCounters map[string]int64

	onchainPending int64
}

// New builds a Store over the given backings. Pending is flushed at
// process start, so a crash mid-job never leaves a stale running record.
func New(ctx context.Context, pending PendingIndex, completed CompletedIndex) (*Store, error) {
	if err := pending.Flush(ctx); err != nil {
		return nil, fmt.Errorf("store: flush pending at startup: %w", err)
	}
	return &Store{
		pending:           pending,
		completed:         completed,
		jobCounters:       make(map[string]int64),
		containerCounters: make(map[string]int64),
	}, nil
}

// SetRunning records a job as running. A nil message key (empty string)
// denotes an on-chain job, which has no pending record but increments the
// on-chain pending counter instead.
func (s *Store) SetRunning(ctx context.Context, key string, rec Record) error {
	if key == "" {
		s.mu.Lock()
		s.onchainPending++
		s.mu.Unlock()
		return nil
	}
	rec.Status = StatusRunning
	return s.pending.Set(ctx, key, rec, PendingTTL)
}

// SetSuccess moves a job from pending to completed, incrementing counters.
func (s *Store) SetSuccess(ctx context.Context, key string, results interface{}) error {
	return s.finish(ctx, key, StatusSuccess, results)
}

// SetFailed moves a job from pending to completed as failed.
func (s *Store) SetFailed(ctx context.Context, key string, results interface{}) error {
	return s.finish(ctx, key, StatusFailed, results)
}

func (s *Store) finish(ctx context.Context, key string, status Status, results interface{}) error {
	s.mu.Lock()
	s.jobCounters[string(status)]++
	s.mu.Unlock()

	if key == "" {
		s.mu.Lock()
		if s.onchainPending > 0 {
			s.onchainPending--
		}
		s.mu.Unlock()
		return nil
	}

	rec, found, err := s.pending.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("store: read pending %s: %w", key, err)
	}
	if !found {
		rec = Record{ID: key}
	}
	rec.Status = status
	rec.Result = results

	if err := s.completed.Put(ctx, key, rec); err != nil {
		return fmt.Errorf("store: write completed %s: %w", key, err)
	}
	if err := s.pending.Delete(ctx, key); err != nil {
		return fmt.Errorf("store: delete pending %s: %w", key, err)
	}
	return nil
}

// Get returns records for the given keys, drawn from completed then
// pending, optionally zeroing out intermediate results.
func (s *Store) Get(ctx context.Context, keys []string, includeIntermediate bool) ([]Record, error) {
	out := make([]Record, 0, len(keys))
	for _, key := range keys {
		rec, found, err := s.completed.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("store: completed get %s: %w", key, err)
		}
		if !found {
			rec, found, err = s.pending.Get(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("store: pending get %s: %w", key, err)
			}
		}
		if !found {
			continue
		}
		if !includeIntermediate {
			rec.IntermediateResults = nil
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetJobIDs returns every key matching "address:*" across the selected
// store(s).
func (s *Store) GetJobIDs(ctx context.Context, address string, includePending bool) ([]string, error) {
	prefix := address + ":"
	keys, err := s.completed.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("store: completed keys: %w", err)
	}
	if !includePending {
		return keys, nil
	}
	pendingKeys, err := s.pending.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("store: pending keys: %w", err)
	}
	return append(keys, pendingKeys...), nil
}

// IncrementContainerCounter bumps the run count for the named container
// (callers pass the container ID, one bump per container run).
func (s *Store) IncrementContainerCounter(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containerCounters[name]++
}

// OnchainPendingCount reads the current on-chain-job pending gauge.
func (s *Store) OnchainPendingCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onchainPending
}

// PopJobCounters returns and resets the accumulated job-status counters.
func (s *Store) PopJobCounters() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return popAndReset(s.jobCounters)
}

// PopContainerCounters returns and resets the accumulated
// per-container counters.
func (s *Store) PopContainerCounters() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return popAndReset(s.containerCounters)
}

func popAndReset(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		if v == 0 {
			continue
		}
		out[k] = v
		m[k] = 0
	}
	return out
}
