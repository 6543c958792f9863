// Package surreal implements jobstore.Store on SurrealDB, using the same
// conditional-UPDATE claim pattern the teacher's job_queue store uses:
// select a candidate, then atomically claim it with an UPDATE ... WHERE
// clause that only succeeds if nothing else claimed it first.
package surreal

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/vidforge/core/internal/domain"
	"github.com/vidforge/core/internal/jobstore"
	"github.com/vidforge/core/internal/platform/log"
)

const jobTable = "job"
const dlqTable = "dlq_entry"

const jobSelectFields = `job_id as id, user_id, provider_key, model_key, input_fingerprint, input_ref,
	reservation_id, priority, attempts, max_attempts, state, lease_holder, lease_expires_at,
	last_heartbeat_at, visible_after, cancel_requested, created_at, updated_at,
	provider_job_id, result_asset_id, error`

// row is the wire shape of a job document; SurrealDB has no notion of our
// nested Lease struct, so lease fields are flattened.
type row struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	ProviderKey      string    `json:"provider_key"`
	ModelKey         string    `json:"model_key"`
	InputFingerprint string    `json:"input_fingerprint"`
	InputRef         string    `json:"input_ref"`
	ReservationID    string    `json:"reservation_id"`
	Priority         int       `json:"priority"`
	Attempts         int       `json:"attempts"`
	MaxAttempts      int       `json:"max_attempts"`
	State            string    `json:"state"`
	LeaseHolder      string    `json:"lease_holder"`
	LeaseExpiresAt   time.Time `json:"lease_expires_at"`
	LastHeartbeatAt  time.Time `json:"last_heartbeat_at"`
	VisibleAfter     time.Time `json:"visible_after"`
	CancelRequested  bool      `json:"cancel_requested"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	ProviderJobID    string    `json:"provider_job_id"`
	ResultAssetID    string    `json:"result_asset_id"`
	Error            string    `json:"error"`
}

func (r row) toDomain() *domain.Job {
	j := &domain.Job{
		ID:               r.ID,
		UserID:           r.UserID,
		ProviderKey:      r.ProviderKey,
		ModelKey:         r.ModelKey,
		InputFingerprint: r.InputFingerprint,
		InputRef:         r.InputRef,
		ReservationID:    r.ReservationID,
		Priority:         r.Priority,
		Attempts:         r.Attempts,
		MaxAttempts:      r.MaxAttempts,
		State:            domain.JobState(r.State),
		LastHeartbeatAt:  r.LastHeartbeatAt,
		VisibleAfter:     r.VisibleAfter,
		CancelRequested:  r.CancelRequested,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		ProviderJobID:    r.ProviderJobID,
		ResultAssetID:    r.ResultAssetID,
		Error:            r.Error,
	}
	if r.LeaseHolder != "" {
		j.Lease = &domain.Lease{Holder: r.LeaseHolder, ExpiresAt: r.LeaseExpiresAt}
	}
	return j
}

// Store implements jobstore.Store against a SurrealDB connection.
type Store struct {
	db          *surrealdb.DB
	logger      *log.Logger
	backoffBase time.Duration
	backoffCap  time.Duration
}

// Connect opens and authenticates a SurrealDB connection and selects the
// given namespace/database, defining the job and dlq_entry tables if they
// don't already exist.
func Connect(ctx context.Context, dsn, user, pass, namespace, database string) (*surrealdb.DB, error) {
	db, err := surrealdb.New(dsn)
	if err != nil {
		return nil, fmt.Errorf("jobstore/surreal: connect: %w", err)
	}
	if user != "" {
		if _, err := db.SignIn(ctx, map[string]interface{}{"user": user, "pass": pass}); err != nil {
			return nil, fmt.Errorf("jobstore/surreal: sign in: %w", err)
		}
	}
	if err := db.Use(ctx, namespace, database); err != nil {
		return nil, fmt.Errorf("jobstore/surreal: select namespace/database: %w", err)
	}
	for _, table := range []string{jobTable, dlqTable} {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("jobstore/surreal: define table %s: %w", table, err)
		}
	}
	return db, nil
}

// New wraps an already-connected SurrealDB handle.
func New(db *surrealdb.DB, logger *log.Logger, backoffBase, backoffCap time.Duration) *Store {
	return &Store{db: db, logger: logger, backoffBase: backoffBase, backoffCap: backoffCap}
}

func recID(id string) surrealmodels.RecordID {
	return surrealmodels.NewRecordID(jobTable, id)
}

func (s *Store) queryJobs(ctx context.Context, sql string, vars map[string]any) ([]*domain.Job, error) {
	results, err := surrealdb.Query[[]row](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("jobstore/surreal: query: %w", err)
	}
	var jobs []*domain.Job
	if results != nil && len(*results) > 0 {
		for _, r := range (*results)[0].Result {
			jobs = append(jobs, r.toDomain())
		}
	}
	return jobs, nil
}

func (s *Store) Enqueue(ctx context.Context, j *domain.Job) error {
	existing, err := s.Get(ctx, j.ID)
	if err == nil && existing != nil {
		return jobstore.ErrDuplicate
	}

	sql := `CREATE $rid SET
		job_id = $job_id, user_id = $user_id, provider_key = $provider_key, model_key = $model_key,
		input_fingerprint = $input_fingerprint, input_ref = $input_ref, reservation_id = $reservation_id,
		priority = $priority, attempts = 0, max_attempts = $max_attempts, state = $queued,
		lease_holder = "", lease_expires_at = time::epoch(0), last_heartbeat_at = time::epoch(0),
		visible_after = time::epoch(0), cancel_requested = false,
		created_at = $created_at, updated_at = $created_at,
		provider_job_id = "", result_asset_id = "", error = ""`
	vars := map[string]any{
		"rid":               recID(j.ID),
		"job_id":            j.ID,
		"user_id":           j.UserID,
		"provider_key":      j.ProviderKey,
		"model_key":         j.ModelKey,
		"input_fingerprint": j.InputFingerprint,
		"input_ref":         j.InputRef,
		"reservation_id":    j.ReservationID,
		"priority":          j.Priority,
		"max_attempts":      j.MaxAttempts,
		"queued":            string(domain.JobQueued),
		"created_at":        j.CreatedAt,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("jobstore/surreal: enqueue: %w", err)
	}
	return nil
}

// LeaseNext mirrors the teacher's two-step dequeue: select a pool of
// eligible candidates, pick one with FIFO + jitter, then atomically claim
// it with a conditional UPDATE. If the claim loses the race (another
// worker won), the caller should retry.
func (s *Store) LeaseNext(ctx context.Context, workerID string, leaseDuration time.Duration, filter jobstore.Filter) (*domain.Job, error) {
	now := time.Now()
	selectSQL := `SELECT ` + jobSelectFields + ` FROM ` + jobTable + `
		WHERE (state = $queued OR (state = $leased AND lease_expires_at <= $now))
		  AND (visible_after <= $now)
		ORDER BY priority DESC, created_at ASC LIMIT 50`
	vars := map[string]any{
		"queued": string(domain.JobQueued),
		"leased": string(domain.JobLeased),
		"now":    now,
	}
	candidates, err := s.queryJobs(ctx, selectSQL, vars)
	if err != nil {
		return nil, err
	}

	var eligible []*domain.Job
	for _, j := range candidates {
		if filter == nil || filter(j) {
			eligible = append(eligible, j)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	jitterWindow := eligible
	if len(jitterWindow) > 3 {
		jitterWindow = jitterWindow[:3]
	}
	chosen := jitterWindow[rand.Intn(len(jitterWindow))]

	expiresAt := now.Add(leaseDuration)
	claimSQL := `UPDATE $rid SET
		state = $leasedState, lease_holder = $holder, lease_expires_at = $expires,
		attempts += 1, last_heartbeat_at = $now, updated_at = $now
		WHERE state = $queued OR (state = $leased AND lease_expires_at <= $now)`
	claimVars := map[string]any{
		"rid":         recID(chosen.ID),
		"leasedState": string(domain.JobLeased),
		"holder":      workerID,
		"expires":     expiresAt,
		"now":         now,
		"queued":      string(domain.JobQueued),
		"leased":      string(domain.JobLeased),
	}
	result, err := surrealdb.Query[[]row](ctx, s.db, claimSQL, claimVars)
	if err != nil {
		return nil, fmt.Errorf("jobstore/surreal: claim: %w", err)
	}
	if result == nil || len(*result) == 0 || len((*result)[0].Result) == 0 {
		// lost the race to another worker; caller retries
		return nil, nil
	}

	chosen.State = domain.JobLeased
	chosen.Lease = &domain.Lease{Holder: workerID, ExpiresAt: expiresAt}
	chosen.Attempts++
	chosen.LastHeartbeatAt = now
	return chosen, nil
}

func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	now := time.Now()
	sql := `UPDATE $rid SET lease_expires_at = $expires, last_heartbeat_at = $now, updated_at = $now
		WHERE lease_holder = $holder`
	vars := map[string]any{
		"rid":     recID(jobID),
		"expires": now.Add(leaseDuration),
		"now":     now,
		"holder":  workerID,
	}
	result, err := surrealdb.Query[[]row](ctx, s.db, sql, vars)
	if err != nil {
		return fmt.Errorf("jobstore/surreal: heartbeat: %w", err)
	}
	if result == nil || len(*result) == 0 || len((*result)[0].Result) == 0 {
		return jobstore.ErrStale
	}
	return nil
}

func (s *Store) MarkRunning(ctx context.Context, jobID, workerID, providerJobID string) error {
	sql := `UPDATE $rid SET state = $running, provider_job_id = $pjid, updated_at = $now
		WHERE lease_holder = $holder`
	vars := map[string]any{
		"rid":     recID(jobID),
		"running": string(domain.JobRunning),
		"pjid":    providerJobID,
		"now":     time.Now(),
		"holder":  workerID,
	}
	result, err := surrealdb.Query[[]row](ctx, s.db, sql, vars)
	if err != nil {
		return fmt.Errorf("jobstore/surreal: mark running: %w", err)
	}
	if result == nil || len(*result) == 0 || len((*result)[0].Result) == 0 {
		return jobstore.ErrNotLeaseHolder
	}
	return nil
}

func (s *Store) Succeed(ctx context.Context, jobID, workerID, assetID string) error {
	sql := `UPDATE $rid SET state = $succeeded, lease_holder = "", result_asset_id = $assetID, updated_at = $now
		WHERE lease_holder = $holder`
	vars := map[string]any{
		"rid":       recID(jobID),
		"succeeded": string(domain.JobSucceeded),
		"assetID":   assetID,
		"now":       time.Now(),
		"holder":    workerID,
	}
	result, err := surrealdb.Query[[]row](ctx, s.db, sql, vars)
	if err != nil {
		return fmt.Errorf("jobstore/surreal: succeed: %w", err)
	}
	if result == nil || len(*result) == 0 || len((*result)[0].Result) == 0 {
		return jobstore.ErrNotLeaseHolder
	}
	return nil
}

func (s *Store) Fail(ctx context.Context, jobID, workerID, errMsg string, retryable bool) error {
	j, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Lease == nil || j.Lease.Holder != workerID {
		return jobstore.ErrNotLeaseHolder
	}

	now := time.Now()
	if retryable && j.Attempts < j.MaxAttempts {
		visibleAfter := now.Add(jobstore.Backoff(j.Attempts, s.backoffBase, s.backoffCap))
		sql := `UPDATE $rid SET state = $queued, lease_holder = "", visible_after = $visible,
			error = $errMsg, updated_at = $now WHERE lease_holder = $holder`
		vars := map[string]any{
			"rid":     recID(jobID),
			"queued":  string(domain.JobQueued),
			"visible": visibleAfter,
			"errMsg":  errMsg,
			"now":     now,
			"holder":  workerID,
		}
		_, err := surrealdb.Query[any](ctx, s.db, sql, vars)
		if err != nil {
			return fmt.Errorf("jobstore/surreal: fail (retry): %w", err)
		}
		return nil
	}

	finalState := domain.JobFailed
	if retryable {
		finalState = domain.JobDead
	}
	sql := `UPDATE $rid SET state = $state, lease_holder = "", error = $errMsg, updated_at = $now
		WHERE lease_holder = $holder`
	vars := map[string]any{
		"rid":    recID(jobID),
		"state":  string(finalState),
		"errMsg": errMsg,
		"now":    now,
		"holder": workerID,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("jobstore/surreal: fail (terminal): %w", err)
	}

	if finalState == domain.JobDead {
		dlqSQL := `CREATE $rid SET job_id = $jobID, provider_key = $providerKey, reason = $reason,
			enqueued_at = $now, attempts = $attempts, last_error = $errMsg`
		dlqVars := map[string]any{
			"rid":         surrealmodels.NewRecordID(dlqTable, jobID),
			"jobID":       jobID,
			"providerKey": j.ProviderKey,
			"reason":      errMsg,
			"now":         now,
			"attempts":    j.Attempts,
			"errMsg":      errMsg,
		}
		if _, err := surrealdb.Query[any](ctx, s.db, dlqSQL, dlqVars); err != nil {
			return fmt.Errorf("jobstore/surreal: insert dlq entry: %w", err)
		}
	}
	return nil
}

func (s *Store) RequestCancel(ctx context.Context, jobID string) error {
	sql := `UPDATE $rid SET cancel_requested = true, updated_at = $now`
	vars := map[string]any{"rid": recID(jobID), "now": time.Now()}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("jobstore/surreal: request cancel: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	sql := `SELECT ` + jobSelectFields + ` FROM $rid`
	vars := map[string]any{"rid": recID(jobID)}
	jobs, err := s.queryJobs(ctx, sql, vars)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, jobstore.ErrNotFound
	}
	return jobs[0], nil
}

func (s *Store) ReclaimExpired(ctx context.Context, now time.Time, max int) ([]*domain.Job, error) {
	selectSQL := `SELECT ` + jobSelectFields + ` FROM ` + jobTable + `
		WHERE state = $leased AND lease_expires_at <= $now LIMIT $max`
	vars := map[string]any{"leased": string(domain.JobLeased), "now": now, "max": max}
	candidates, err := s.queryJobs(ctx, selectSQL, vars)
	if err != nil {
		return nil, err
	}

	var reclaimed []*domain.Job
	for _, j := range candidates {
		nextState := domain.JobQueued
		if j.Attempts >= j.MaxAttempts {
			nextState = domain.JobDead
		}
		updSQL := `UPDATE $rid SET state = $state, lease_holder = "", updated_at = $now
			WHERE state = $leased AND lease_expires_at <= $now`
		updVars := map[string]any{
			"rid":    recID(j.ID),
			"state":  string(nextState),
			"now":    now,
			"leased": string(domain.JobLeased),
		}
		if _, err := surrealdb.Query[any](ctx, s.db, updSQL, updVars); err != nil {
			return reclaimed, fmt.Errorf("jobstore/surreal: reclaim %s: %w", j.ID, err)
		}
		if nextState == domain.JobDead {
			dlqSQL := `CREATE $rid SET job_id = $jobID, provider_key = $providerKey,
				reason = $reason, enqueued_at = $now, attempts = $attempts, last_error = $reason`
			dlqVars := map[string]any{
				"rid":         surrealmodels.NewRecordID(dlqTable, j.ID),
				"jobID":       j.ID,
				"providerKey": j.ProviderKey,
				"reason":      "lease expired and attempts exhausted",
				"now":         now,
				"attempts":    j.Attempts,
			}
			if _, err := surrealdb.Query[any](ctx, s.db, dlqSQL, dlqVars); err != nil {
				return reclaimed, fmt.Errorf("jobstore/surreal: insert dlq entry for %s: %w", j.ID, err)
			}
		}
		j.State = nextState
		j.Lease = nil
		reclaimed = append(reclaimed, j)
	}
	return reclaimed, nil
}

func (s *Store) ScanCreatedSince(ctx context.Context, cursor time.Time, limit int) ([]*domain.Job, time.Time, error) {
	sql := `SELECT ` + jobSelectFields + ` FROM ` + jobTable + `
		WHERE created_at > $cursor ORDER BY created_at ASC LIMIT $limit`
	vars := map[string]any{"cursor": cursor, "limit": limit}
	jobs, err := s.queryJobs(ctx, sql, vars)
	if err != nil {
		return nil, cursor, err
	}
	next := cursor
	for _, j := range jobs {
		if j.CreatedAt.After(next) {
			next = j.CreatedAt
		}
	}
	return jobs, next, nil
}

func (s *Store) ScanAll(ctx context.Context, offset, pageSize int) ([]*domain.Job, error) {
	sql := `SELECT ` + jobSelectFields + ` FROM ` + jobTable + `
		ORDER BY created_at ASC LIMIT $limit START $offset`
	vars := map[string]any{"limit": pageSize, "offset": offset}
	return s.queryJobs(ctx, sql, vars)
}

func (s *Store) ListDlq(ctx context.Context, limit int) ([]*domain.DlqEntry, error) {
	sql := `SELECT job_id, provider_key, reason, enqueued_at, attempts, last_error FROM ` + dlqTable + ` LIMIT $limit`
	vars := map[string]any{"limit": limit}
	results, err := surrealdb.Query[[]domain.DlqEntry](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("jobstore/surreal: list dlq: %w", err)
	}
	var out []*domain.DlqEntry
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			out = append(out, &(*results)[0].Result[i])
		}
	}
	return out, nil
}

func (s *Store) RemoveDlqEntry(ctx context.Context, jobID string) error {
	sql := `DELETE $rid`
	vars := map[string]any{"rid": surrealmodels.NewRecordID(dlqTable, jobID)}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("jobstore/surreal: remove dlq entry: %w", err)
	}
	return nil
}

func (s *Store) Requeue(ctx context.Context, jobID string) error {
	sql := `UPDATE $rid SET state = $queued, attempts = 0, lease_holder = "",
		visible_after = time::epoch(0), error = "", updated_at = $now`
	vars := map[string]any{"rid": recID(jobID), "queued": string(domain.JobQueued), "now": time.Now()}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("jobstore/surreal: requeue: %w", err)
	}
	return s.RemoveDlqEntry(ctx, jobID)
}

func (s *Store) HasActiveJob(ctx context.Context, jobID string) (bool, error) {
	j, err := s.Get(ctx, jobID)
	if err != nil {
		if err == jobstore.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return !j.State.Terminal(), nil
}

func (s *Store) ResetOrphaned(ctx context.Context, olderThan time.Time) (int, error) {
	sql := `UPDATE ` + jobTable + ` SET state = $queued, lease_holder = "", updated_at = $now
		WHERE state = $leased AND last_heartbeat_at < $cutoff`
	vars := map[string]any{
		"queued": string(domain.JobQueued),
		"now":    time.Now(),
		"leased": string(domain.JobLeased),
		"cutoff": olderThan,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return 0, fmt.Errorf("jobstore/surreal: reset orphaned: %w", err)
	}
	return 0, nil
}

func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	sql := `DELETE FROM ` + jobTable + ` WHERE state IN [$succeeded, $failed, $dead] AND updated_at < $cutoff`
	vars := map[string]any{
		"succeeded": string(domain.JobSucceeded),
		"failed":    string(domain.JobFailed),
		"dead":      string(domain.JobDead),
		"cutoff":    olderThan,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return 0, fmt.Errorf("jobstore/surreal: purge terminal: %w", err)
	}
	return 0, nil
}

var _ jobstore.Store = (*Store)(nil)
