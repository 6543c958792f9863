// Package memstore is an in-process Store used by unit tests and by the
// InlineFake provider path; it implements the exact same conditional-write
// semantics as jobstore/surreal, just guarded by a mutex instead of a
// network round trip.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vidforge/core/internal/domain"
	"github.com/vidforge/core/internal/jobstore"
	"github.com/vidforge/core/internal/platform/clock"
	"github.com/vidforge/core/internal/platform/idgen"
)

// Store is an in-memory jobstore.Store.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	dlq  map[string]*domain.DlqEntry
	clk  clock.Clock
	ids  idgen.IDGen

	backoffBase time.Duration
	backoffCap  time.Duration
}

// New returns an empty in-memory Store.
func New(clk clock.Clock, ids idgen.IDGen, backoffBase, backoffCap time.Duration) *Store {
	return &Store{
		jobs:        make(map[string]*domain.Job),
		dlq:         make(map[string]*domain.DlqEntry),
		clk:         clk,
		ids:         ids,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}
}

func clone(j *domain.Job) *domain.Job {
	cp := *j
	if j.Lease != nil {
		l := *j.Lease
		cp.Lease = &l
	}
	return &cp
}

func (s *Store) Enqueue(ctx context.Context, j *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.ID == "" {
		j.ID = s.ids.New()
	}
	if _, exists := s.jobs[j.ID]; exists {
		return jobstore.ErrDuplicate
	}
	j.State = domain.JobQueued
	j.Attempts = 0
	j.Lease = nil
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.clk.Now()
	}
	j.UpdatedAt = j.CreatedAt
	s.jobs[j.ID] = clone(j)
	return nil
}

func (s *Store) LeaseNext(ctx context.Context, workerID string, leaseDuration time.Duration, filter jobstore.Filter) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	var candidates []*domain.Job
	for _, j := range s.jobs {
		eligible := j.State == domain.JobQueued || (j.State == domain.JobLeased && !j.Lease.Active(now))
		if !eligible {
			continue
		}
		if !j.VisibleAfter.IsZero() && now.Before(j.VisibleAfter) {
			continue
		}
		if filter != nil && !filter(j) {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})

	chosen := candidates[0]
	chosen.State = domain.JobLeased
	chosen.Lease = &domain.Lease{Holder: workerID, ExpiresAt: now.Add(leaseDuration)}
	chosen.Attempts++
	chosen.LastHeartbeatAt = now
	chosen.UpdatedAt = now
	s.jobs[chosen.ID] = chosen
	return clone(chosen), nil
}

func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return jobstore.ErrNotFound
	}
	if j.Lease == nil || j.Lease.Holder != workerID {
		return jobstore.ErrStale
	}
	now := s.clk.Now()
	j.Lease.ExpiresAt = now.Add(leaseDuration)
	j.LastHeartbeatAt = now
	j.UpdatedAt = now
	return nil
}

func (s *Store) MarkRunning(ctx context.Context, jobID, workerID, providerJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return jobstore.ErrNotFound
	}
	if j.Lease == nil || j.Lease.Holder != workerID {
		return jobstore.ErrNotLeaseHolder
	}
	j.State = domain.JobRunning
	j.ProviderJobID = providerJobID
	j.UpdatedAt = s.clk.Now()
	return nil
}

func (s *Store) Succeed(ctx context.Context, jobID, workerID, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return jobstore.ErrNotFound
	}
	if j.Lease == nil || j.Lease.Holder != workerID {
		return jobstore.ErrNotLeaseHolder
	}
	j.State = domain.JobSucceeded
	j.Lease = nil
	j.ResultAssetID = assetID
	j.UpdatedAt = s.clk.Now()
	return nil
}

func (s *Store) Fail(ctx context.Context, jobID, workerID, errMsg string, retryable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return jobstore.ErrNotFound
	}
	if j.Lease == nil || j.Lease.Holder != workerID {
		return jobstore.ErrNotLeaseHolder
	}
	now := s.clk.Now()
	j.Error = errMsg
	j.UpdatedAt = now

	if retryable && j.Attempts < j.MaxAttempts {
		j.State = domain.JobQueued
		j.Lease = nil
		j.VisibleAfter = now.Add(jobstore.Backoff(j.Attempts, s.backoffBase, s.backoffCap))
		return nil
	}

	if retryable {
		j.State = domain.JobDead
	} else {
		j.State = domain.JobFailed
	}
	j.Lease = nil

	if j.State == domain.JobDead {
		s.dlq[j.ID] = &domain.DlqEntry{
			JobID:       j.ID,
			ProviderKey: j.ProviderKey,
			Reason:      errMsg,
			EnqueuedAt:  now,
			Attempts:    j.Attempts,
			LastError:   errMsg,
		}
	}
	return nil
}

func (s *Store) RequestCancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return jobstore.ErrNotFound
	}
	j.CancelRequested = true
	return nil
}

func (s *Store) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	return clone(j), nil
}

func (s *Store) ReclaimExpired(ctx context.Context, now time.Time, max int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed []*domain.Job
	for _, j := range s.jobs {
		if len(reclaimed) >= max {
			break
		}
		if j.State != domain.JobLeased || j.Lease == nil || now.Before(j.Lease.ExpiresAt) {
			continue
		}
		j.UpdatedAt = now
		if j.Attempts < j.MaxAttempts {
			j.State = domain.JobQueued
			j.Lease = nil
		} else {
			j.State = domain.JobDead
			j.Lease = nil
			s.dlq[j.ID] = &domain.DlqEntry{
				JobID:       j.ID,
				ProviderKey: j.ProviderKey,
				Reason:      "lease expired and attempts exhausted",
				EnqueuedAt:  now,
				Attempts:    j.Attempts,
				LastError:   "lease expired",
			}
		}
		reclaimed = append(reclaimed, clone(j))
	}
	return reclaimed, nil
}

func (s *Store) ScanCreatedSince(ctx context.Context, cursor time.Time, limit int) ([]*domain.Job, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*domain.Job
	for _, j := range s.jobs {
		if j.CreatedAt.After(cursor) {
			all = append(all, j)
		}
	}
	sort.Slice(all, func(i, k int) bool { return all[i].CreatedAt.Before(all[k].CreatedAt) })

	if len(all) > limit {
		all = all[:limit]
	}
	next := cursor
	out := make([]*domain.Job, 0, len(all))
	for _, j := range all {
		out = append(out, clone(j))
		if j.CreatedAt.After(next) {
			next = j.CreatedAt
		}
	}
	return out, next, nil
}

func (s *Store) ScanAll(ctx context.Context, offset, pageSize int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*domain.Job
	for _, j := range s.jobs {
		all = append(all, j)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].CreatedAt.Before(all[k].CreatedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + pageSize
	if end > len(all) {
		end = len(all)
	}
	out := make([]*domain.Job, 0, end-offset)
	for _, j := range all[offset:end] {
		out = append(out, clone(j))
	}
	return out, nil
}

func (s *Store) ListDlq(ctx context.Context, limit int) ([]*domain.DlqEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.DlqEntry
	for _, d := range s.dlq {
		cp := *d
		out = append(out, &cp)
		if len(out) >= limit && limit > 0 {
			break
		}
	}
	return out, nil
}

func (s *Store) RemoveDlqEntry(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dlq, jobID)
	return nil
}

func (s *Store) Requeue(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return jobstore.ErrNotFound
	}
	j.State = domain.JobQueued
	j.Attempts = 0
	j.Lease = nil
	j.VisibleAfter = time.Time{}
	j.Error = ""
	j.UpdatedAt = s.clk.Now()
	delete(s.dlq, jobID)
	return nil
}

func (s *Store) HasActiveJob(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return false, nil
	}
	return !j.State.Terminal(), nil
}

func (s *Store) ResetOrphaned(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.State == domain.JobLeased && j.LastHeartbeatAt.Before(olderThan) && j.CreatedAt.Before(olderThan) {
			j.State = domain.JobQueued
			j.Lease = nil
			j.UpdatedAt = s.clk.Now()
			n++
		}
	}
	return n, nil
}

func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, j := range s.jobs {
		if j.State.Terminal() && j.UpdatedAt.Before(olderThan) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

var _ jobstore.Store = (*Store)(nil)
