package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rl1809/storefront/internal/core/domain"
)

const (
	bulkInsertChunk = 500
	staleJobLimit   = 100
)

const importJobColumns = `id, user_id, store_id, file_key, file_url, status, attempts, progress,
	total_rows, processed_rows, error_rows, skipped_rows,
	error_report_key, error_message, created_at, updated_at`

func (m *MySQLAdapter) CreateImportJob(ctx context.Context, job domain.ImportJob) error {
	if job.Attempts < 1 {
		job.Attempts = 1
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO import_jobs (id, user_id, store_id, file_key, file_url, status, attempts, progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UserID, job.StoreID, job.FileKey, job.FileURL, job.Status, job.Attempts, job.Progress,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert import job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImportJob(s rowScanner) (domain.ImportJob, error) {
	var (
		job       domain.ImportJob
		reportKey sql.NullString
		message   sql.NullString
	)
	err := s.Scan(&job.ID, &job.UserID, &job.StoreID, &job.FileKey, &job.FileURL, &job.Status, &job.Attempts, &job.Progress,
		&job.TotalRows, &job.ProcessedRows, &job.ErrorRows, &job.SkippedRows,
		&reportKey, &message, &job.CreatedAt, &job.UpdatedAt)
	job.ErrorReportKey = reportKey.String
	job.ErrorMessage = message.String
	return job, err
}

func (m *MySQLAdapter) GetImportJob(ctx context.Context, jobID string) (*domain.ImportJob, error) {
	job, err := scanImportJob(m.db.QueryRowContext(ctx,
		`SELECT `+importJobColumns+` FROM import_jobs WHERE id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query import job: %w", err)
	}
	return &job, nil
}

// TransitionImportJob guards the move with the current status so two workers
// picking up the same task cannot both start it.
func (m *MySQLAdapter) TransitionImportJob(ctx context.Context, jobID string, from, to domain.ImportStatus, progress int) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, from, to)
	}
	result, err := m.db.ExecContext(ctx, `
		UPDATE import_jobs
		SET status = ?, progress = GREATEST(progress, ?), updated_at = UTC_TIMESTAMP(3)
		WHERE id = ? AND status = ?`,
		to, progress, jobID, from,
	)
	if err != nil {
		return fmt.Errorf("update import job: %w", err)
	}
	return expectOneRow(result, jobID, from)
}

func (m *MySQLAdapter) UpdateImportProgress(ctx context.Context, jobID string, progress int) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE import_jobs
		SET progress = GREATEST(progress, ?), updated_at = UTC_TIMESTAMP(3)
		WHERE id = ? AND status = ?`,
		progress, jobID, domain.ImportStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("update import progress: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) FinishImportJob(ctx context.Context, jobID string, from domain.ImportStatus, outcome domain.ImportOutcome) error {
	if !outcome.Status.Terminal() || !from.CanTransitionTo(outcome.Status) {
		return fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, from, outcome.Status)
	}
	result, err := m.db.ExecContext(ctx, `
		UPDATE import_jobs
		SET status = ?, progress = GREATEST(progress, ?),
		    total_rows = ?, processed_rows = ?, error_rows = ?, skipped_rows = ?,
		    error_report_key = ?, error_message = ?, updated_at = UTC_TIMESTAMP(3)
		WHERE id = ? AND status = ?`,
		outcome.Status, outcome.Progress,
		outcome.TotalRows, outcome.ProcessedRows, outcome.ErrorRows, outcome.SkippedRows,
		nullString(outcome.ErrorReportKey), nullString(outcome.ErrorMessage),
		jobID, from,
	)
	if err != nil {
		return fmt.Errorf("finish import job: %w", err)
	}
	return expectOneRow(result, jobID, from)
}

func (m *MySQLAdapter) ListStaleImportJobs(ctx context.Context, status domain.ImportStatus, olderThan time.Duration) ([]domain.ImportJob, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+importJobColumns+`
		FROM import_jobs
		WHERE status = ? AND updated_at < UTC_TIMESTAMP(3) - INTERVAL ? SECOND
		ORDER BY updated_at
		LIMIT ?`,
		status, int64(olderThan/time.Second), staleJobLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale import jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.ImportJob
	for rows.Next() {
		job, err := scanImportJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan import job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate import jobs: %w", err)
	}
	return jobs, nil
}

// RequeueImportJob starts a new delivery attempt of a PENDING job and returns
// its number. The row lock taken by the UPDATE keeps two reapers from
// reading the same attempt.
func (m *MySQLAdapter) RequeueImportJob(ctx context.Context, jobID string) (int, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE import_jobs
		SET attempts = attempts + 1, updated_at = UTC_TIMESTAMP(3)
		WHERE id = ? AND status = ?`,
		jobID, domain.ImportStatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("bump import attempt: %w", err)
	}
	if err := expectOneRow(result, jobID, domain.ImportStatusPending); err != nil {
		return 0, err
	}

	var attempt int
	if err := tx.QueryRowContext(ctx, `SELECT attempts FROM import_jobs WHERE id = ?`, jobID).Scan(&attempt); err != nil {
		return 0, fmt.Errorf("read import attempt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return attempt, nil
}

// BulkInsertProducts writes all products in one transaction. A product whose
// (store_id, name) already exists is left untouched and not counted; the
// no-op ON DUPLICATE KEY clause reports zero affected rows for it.
func (m *MySQLAdapter) BulkInsertProducts(ctx context.Context, products []domain.Product) (int, error) {
	if len(products) == 0 {
		return 0, nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for start := 0; start < len(products); start += bulkInsertChunk {
		end := start + bulkInsertChunk
		if end > len(products) {
			end = len(products)
		}
		chunk := products[start:end]

		placeholders := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*11)
		for _, p := range chunk {
			id := p.ID
			if id == "" {
				id = m.newID()
			}
			placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args, id, p.StoreID, p.Name, p.Description, p.Price, p.ImageURL,
				p.Stock, p.SoldCount, p.IsVisible, p.CreatedAt, p.UpdatedAt)
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO products
			    (id, store_id, name, description, price, image_url, stock, sold_count, is_visible, created_at, updated_at)
			VALUES `+strings.Join(placeholders, ", ")+`
			ON DUPLICATE KEY UPDATE id = id`,
			args...,
		)
		if err != nil {
			return 0, fmt.Errorf("insert products: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("insert products: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func expectOneRow(result sql.Result, jobID string, from domain.ImportStatus) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: job %s is not %s", domain.ErrInvalidTransition, jobID, from)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
