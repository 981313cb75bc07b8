// Copyright 2025 James Ross

// Package pgstore implements internal/store.Storage over PostgreSQL
// (spec §6's "durable relational store"). Atomic claim uses
// SELECT ... FOR UPDATE SKIP LOCKED inside an UPDATE ... WHERE id IN
// (...) RETURNING, exactly as spec §6 prescribes.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/batchforge/batchforge/internal/batch"
	"github.com/batchforge/batchforge/internal/config"
	"github.com/batchforge/batchforge/internal/files"
	"github.com/batchforge/batchforge/internal/lifecycle"
	"github.com/batchforge/batchforge/internal/store"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sql.DB
}

// Open connects to Postgres, applies migrations, and returns a Store.
func Open(cfg *config.Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Submit(ctx context.Context, p lifecycle.Pending) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (id, template_id, batch_id, model, routed_model, created_at, state, retry_attempt, not_before)
		VALUES ($1, $2, NULLIF($3, ''), $4, '', $5, 'pending', $6, $7)
	`, p.ID, p.TemplateID, p.BatchID, p.Model, p.CreatedAt, p.RetryAttempt, p.NotBefore)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrSubmitDuplicate
		}
		return fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	return nil
}

// ClaimRequests is the linearizable claim operation spec §4.2 and §6
// require: a transaction selects up to limit eligible rows with
// FOR UPDATE SKIP LOCKED so two concurrent claimers never select the
// same row, then updates them to claimed and returns the new rows.
func (s *Store) ClaimRequests(ctx context.Context, limit int, daemonID string) ([]lifecycle.Claimed, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	defer tx.Rollback()

	now := time.Now()
	rows, err := tx.QueryContext(ctx, `
		UPDATE requests SET state = 'claimed', daemon_id = $1, claimed_at = $2
		WHERE id IN (
			SELECT id FROM requests
			WHERE state = 'pending' AND (not_before IS NULL OR not_before <= $2)
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, template_id, batch_id, model, created_at, retry_attempt
	`, daemonID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}

	var claimed []lifecycle.Claimed
	for rows.Next() {
		var c lifecycle.Claimed
		var batchID sql.NullString
		if err := rows.Scan(&c.ID, &c.TemplateID, &batchID, &c.Model, &c.CreatedAt, &c.RetryAttempt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
		}
		c.BatchID = batchID.String
		c.DaemonID = daemonID
		c.ClaimedAt = now
		claimed = append(claimed, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	return claimed, nil
}

func (s *Store) Persist(ctx context.Context, next lifecycle.AnyRequest) error {
	id := next.Common().ID
	var res sql.Result
	var err error

	switch next.State {
	case lifecycle.StateProcessing:
		p := next.Processing
		res, err = s.db.ExecContext(ctx, `
			UPDATE requests SET state = 'processing', started_at = $1, routed_model = $2
			WHERE id = $3 AND state = 'claimed'
		`, p.StartedAt, p.RoutedModel, id)
	case lifecycle.StatePending:
		p := next.Pending
		res, err = s.db.ExecContext(ctx, `
			UPDATE requests SET state = 'pending', retry_attempt = $1, not_before = $2,
				daemon_id = NULL, claimed_at = NULL, started_at = NULL
			WHERE id = $3 AND state IN ('claimed', 'processing', 'failed')
		`, p.RetryAttempt, p.NotBefore, id)
	case lifecycle.StateCompleted:
		c := next.Completed
		res, err = s.db.ExecContext(ctx, `
			UPDATE requests SET state = 'completed', completed_at = $1, response_status = $2, response_body = $3
			WHERE id = $4 AND state = 'processing'
		`, c.CompletedAt, c.ResponseStatus, c.ResponseBody, id)
	case lifecycle.StateFailed:
		f := next.Failed
		res, err = s.db.ExecContext(ctx, `
			UPDATE requests SET state = 'failed', error = $1, failed_at = $2, retry_attempt = $3
			WHERE id = $4 AND state = 'processing'
		`, f.Error, f.FailedAt, f.RetryAttempt, id)
	case lifecycle.StateCanceled:
		c := next.Canceled
		res, err = s.db.ExecContext(ctx, `
			UPDATE requests SET state = 'canceled', canceled_at = $1
			WHERE id = $2 AND state IN ('pending', 'claimed', 'processing')
		`, c.CanceledAt, id)
	default:
		return store.ErrInvalidState
	}
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	if n == 0 {
		current, getErr := s.getOne(ctx, id)
		if getErr == nil && current.State == next.State {
			return nil // persist(same-state) no-op, spec §8
		}
		return store.ErrInvalidState
	}
	return nil
}

func (s *Store) ViewPending(ctx context.Context, limit int, daemonID string) ([]lifecycle.Pending, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, template_id, batch_id, model, created_at, retry_attempt, not_before
		FROM requests WHERE state = 'pending' ORDER BY created_at ASC LIMIT $1
	`, nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	defer rows.Close()

	var out []lifecycle.Pending
	for rows.Next() {
		var p lifecycle.Pending
		var batchID sql.NullString
		var notBefore sql.NullTime
		if err := rows.Scan(&p.ID, &p.TemplateID, &batchID, &p.Model, &p.CreatedAt, &p.RetryAttempt, &notBefore); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
		}
		p.BatchID = batchID.String
		if notBefore.Valid {
			p.NotBefore = &notBefore.Time
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetRequests(ctx context.Context, ids []string) ([]lifecycle.AnyRequest, []error) {
	results := make([]lifecycle.AnyRequest, len(ids))
	errs := make([]error, len(ids))
	for i, id := range ids {
		r, err := s.getOne(ctx, id)
		if err != nil {
			errs[i] = err
			continue
		}
		results[i] = r
	}
	return results, errs
}

func (s *Store) getOne(ctx context.Context, id string) (lifecycle.AnyRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, template_id, batch_id, model, routed_model, created_at, state, retry_attempt,
			not_before, daemon_id, claimed_at, started_at, completed_at,
			response_status, response_body, error, failed_at, canceled_at
		FROM requests WHERE id = $1
	`, id)
	return scanAnyRequest(row)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAnyRequest(row scanner) (lifecycle.AnyRequest, error) {
	var (
		common                               lifecycle.Common
		state                                string
		retryAttempt                         int
		batchID, daemonID, errStr, respBody  sql.NullString
		notBefore, claimedAt, startedAt       sql.NullTime
		completedAt, failedAt, canceledAt     sql.NullTime
		responseStatus                       sql.NullInt32
	)
	if err := row.Scan(&common.ID, &common.TemplateID, &batchID, &common.Model, &common.RoutedModel,
		&common.CreatedAt, &state, &retryAttempt, &notBefore, &daemonID, &claimedAt, &startedAt,
		&completedAt, &responseStatus, &respBody, &errStr, &failedAt, &canceledAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lifecycle.AnyRequest{}, store.ErrNotFound
		}
		return lifecycle.AnyRequest{}, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	common.BatchID = batchID.String

	switch lifecycle.State(state) {
	case lifecycle.StatePending:
		p := lifecycle.Pending{Common: common, RetryAttempt: retryAttempt}
		if notBefore.Valid {
			p.NotBefore = &notBefore.Time
		}
		return lifecycle.AsPending(p), nil
	case lifecycle.StateClaimed:
		return lifecycle.AsClaimed(lifecycle.Claimed{
			Common: common, RetryAttempt: retryAttempt, DaemonID: daemonID.String, ClaimedAt: claimedAt.Time,
		}), nil
	case lifecycle.StateProcessing:
		return lifecycle.AsProcessing(lifecycle.Processing{
			Common: common, RetryAttempt: retryAttempt, DaemonID: daemonID.String,
			ClaimedAt: claimedAt.Time, StartedAt: startedAt.Time,
		}), nil
	case lifecycle.StateCompleted:
		return lifecycle.AsCompleted(lifecycle.Completed{
			Common: common, ClaimedAt: claimedAt.Time, StartedAt: startedAt.Time, CompletedAt: completedAt.Time,
			ResponseStatus: uint16(responseStatus.Int32), ResponseBody: respBody.String,
		}), nil
	case lifecycle.StateFailed:
		return lifecycle.AsFailed(lifecycle.Failed{
			Common: common, RetryAttempt: retryAttempt, Error: errStr.String, FailedAt: failedAt.Time,
		}), nil
	case lifecycle.StateCanceled:
		return lifecycle.AsCanceled(lifecycle.Canceled{Common: common, CanceledAt: canceledAt.Time}), nil
	default:
		return lifecycle.AnyRequest{}, fmt.Errorf("%w: unknown state %q", store.ErrStorageFatal, state)
	}
}

func (s *Store) ListBatchRequests(ctx context.Context, batchID string) ([]lifecycle.AnyRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, template_id, batch_id, model, routed_model, created_at, state, retry_attempt,
			not_before, daemon_id, claimed_at, started_at, completed_at,
			response_status, response_body, error, failed_at, canceled_at
		FROM requests WHERE batch_id = $1
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	defer rows.Close()

	var out []lifecycle.AnyRequest
	for rows.Next() {
		r, err := scanAnyRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetBatchStatus(ctx context.Context, batchID string) (batch.Status, error) {
	b, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return batch.Status{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE state = 'pending'),
			COUNT(*) FILTER (WHERE state = 'claimed'),
			COUNT(*) FILTER (WHERE state = 'processing'),
			COUNT(*) FILTER (WHERE state = 'completed'),
			COUNT(*) FILTER (WHERE state = 'failed'),
			COUNT(*) FILTER (WHERE state = 'canceled'),
			MIN(claimed_at)
		FROM requests WHERE batch_id = $1
	`, batchID)
	var counts batch.Counts
	var inProgressAt sql.NullTime
	if err := row.Scan(&counts.Total, &counts.Pending, &counts.Claimed, &counts.Processing,
		&counts.Completed, &counts.Failed, &counts.Canceled, &inProgressAt); err != nil {
		return batch.Status{}, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	status := batch.Status{Counts: counts, CreatedAt: b.CreatedAt, ExpiresAt: b.ExpiresAt}
	if inProgressAt.Valid {
		status.InProgressAt = &inProgressAt.Time
	}
	if status.Terminal() {
		now := time.Now()
		status.FinalizedAt = &now
	}
	return status, nil
}

func (s *Store) ReclaimStuck(ctx context.Context, claimTimeout, processingTimeout time.Duration) (int, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE requests SET state = 'pending', not_before = $1, daemon_id = NULL, claimed_at = NULL, started_at = NULL
		WHERE (state = 'claimed' AND claimed_at < $2)
		   OR (state = 'processing' AND started_at < $3)
	`, now, now.Add(-claimTimeout), now.Add(-processingTimeout))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	return int(n), nil
}

func (s *Store) PendingCountByModel(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT model, COUNT(*) FROM requests WHERE state = 'pending' GROUP BY model`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var model string
		var n int
		if err := rows.Scan(&model, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
		}
		counts[model] = n
	}
	return counts, rows.Err()
}

func (s *Store) PutBatch(ctx context.Context, b batch.Batch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (id, input_file_id, endpoint, completion_window, created_at, expires_at, creator_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, b.ID, b.InputFileID, b.Endpoint, b.CompletionWindow, b.CreatedAt, b.ExpiresAt, b.CreatorID)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (batch.Batch, error) {
	var b batch.Batch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, input_file_id, endpoint, completion_window, created_at, expires_at, creator_id
		FROM batches WHERE id = $1
	`, id).Scan(&b.ID, &b.InputFileID, &b.Endpoint, &b.CompletionWindow, &b.CreatedAt, &b.ExpiresAt, &b.CreatorID)
	if errors.Is(err, sql.ErrNoRows) {
		return batch.Batch{}, store.ErrNotFound
	}
	if err != nil {
		return batch.Batch{}, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	return b, nil
}

func (s *Store) PutFile(ctx context.Context, f files.File, content []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, filename, content_type, size_bytes, storage_key, purpose, status, expires_at, uploader_id, created_at, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, f.ID, f.Filename, f.ContentType, f.SizeBytes, f.StorageKey, f.Purpose, f.Status, f.ExpiresAt, f.UploaderID, f.CreatedAt, content)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	return nil
}

func (s *Store) GetFile(ctx context.Context, id string) (files.File, error) {
	var f files.File
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, filename, content_type, size_bytes, storage_key, purpose, status, expires_at, uploader_id, created_at
		FROM files WHERE id = $1
	`, id).Scan(&f.ID, &f.Filename, &f.ContentType, &f.SizeBytes, &f.StorageKey, &f.Purpose, &f.Status, &expiresAt, &f.UploaderID, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return files.File{}, store.ErrNotFound
	}
	if err != nil {
		return files.File{}, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	if expiresAt.Valid {
		f.ExpiresAt = &expiresAt.Time
	}
	return f, nil
}

func (s *Store) ReadContent(ctx context.Context, id string) ([]byte, error) {
	var status string
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT status, content FROM files WHERE id = $1`, id).Scan(&status, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	if files.Status(status) != files.FileActive || content == nil {
		return nil, files.ErrContentUnavailable
	}
	return content, nil
}

func (s *Store) SoftDeleteFile(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE files SET status = $1, content = NULL WHERE id = $2`, files.FileDeleted, id)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) PutTemplates(ctx context.Context, templates []files.RequestTemplate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO templates (id, file_id, endpoint_id, method, path, body, model, api_key, custom_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)
	`)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	defer stmt.Close()
	for _, tpl := range templates {
		if _, err := stmt.ExecContext(ctx, tpl.ID, tpl.FileID, tpl.EndpointID, tpl.Method, tpl.Path, tpl.Body, tpl.Model, tpl.APIKey, tpl.CustomID, tpl.CreatedAt); err != nil {
			return fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	return nil
}

func (s *Store) ListTemplates(ctx context.Context, fileID string) ([]files.RequestTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_id, endpoint_id, method, path, body, model, api_key, COALESCE(custom_id, ''), created_at
		FROM templates WHERE file_id = $1 ORDER BY created_at ASC
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	defer rows.Close()
	var out []files.RequestTemplate
	for rows.Next() {
		var tpl files.RequestTemplate
		if err := rows.Scan(&tpl.ID, &tpl.FileID, &tpl.EndpointID, &tpl.Method, &tpl.Path, &tpl.Body, &tpl.Model, &tpl.APIKey, &tpl.CustomID, &tpl.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

func (s *Store) GetTemplate(ctx context.Context, id string) (files.RequestTemplate, error) {
	var tpl files.RequestTemplate
	err := s.db.QueryRowContext(ctx, `
		SELECT id, file_id, endpoint_id, method, path, body, model, api_key, COALESCE(custom_id, ''), created_at
		FROM templates WHERE id = $1
	`, id).Scan(&tpl.ID, &tpl.FileID, &tpl.EndpointID, &tpl.Method, &tpl.Path, &tpl.Body, &tpl.Model, &tpl.APIKey, &tpl.CustomID, &tpl.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return files.RequestTemplate{}, store.ErrNotFound
	}
	if err != nil {
		return files.RequestTemplate{}, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	return tpl, nil
}

func nullLimit(limit int) interface{} {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}

func isUniqueViolation(err error) bool {
	return err != nil && (containsAny(err.Error(), "duplicate key value", "unique constraint"))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

var _ store.Storage = (*Store)(nil)
