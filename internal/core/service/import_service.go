package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
	"github.com/rl1809/storefront/internal/telemetry"
)

const (
	progressStarted   = 10
	progressRowsSpan  = 80
	progressCompleted = 100

	downloadURLTTL = 7 * 24 * time.Hour
	pollInterval   = 500 * time.Millisecond
)

var reportColumns = []string{"name", "description", "price", "stock", "imageurl"}

type UploadRequest struct {
	UserID      string
	FileName    string
	ContentType string
	Data        []byte
}

type UploadResult struct {
	JobID       string `json:"jobId"`
	FileKey     string `json:"fileKey"`
	FileURL     string `json:"fileUrl"`
	DownloadURL string `json:"downloadUrl,omitempty"`
	FileName    string `json:"fileName"`
	Size        int    `json:"size"`
}

type ImportServiceDeps struct {
	Jobs     port.ImportJobRepository
	Stores   port.StoreReader
	Products port.ProductCommitter
	Blobs    port.BlobStore
	Queue    port.TaskQueue
	// Feed is optional; without it watchers poll the job record.
	Feed   port.ProgressFeed
	Logger *zap.Logger
}

// ImportService accepts CSV uploads and runs them through the import job
// state machine.
type ImportService struct {
	jobs     port.ImportJobRepository
	stores   port.StoreReader
	products port.ProductCommitter
	blobs    port.BlobStore
	queue    port.TaskQueue
	feed     port.ProgressFeed
	logger   *zap.Logger
	tracer   trace.Tracer

	finished metric.Int64Counter
	rows     metric.Int64Counter

	now          func() time.Time
	newID        func() string
	pollInterval time.Duration
}

func NewImportService(deps ImportServiceDeps) *ImportService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImportService{
		jobs:         deps.Jobs,
		stores:       deps.Stores,
		products:     deps.Products,
		blobs:        deps.Blobs,
		queue:        deps.Queue,
		feed:         deps.Feed,
		logger:       logger.Named("imports"),
		tracer:       otel.Tracer(telemetry.InstrumentationName),
		finished:     telemetry.Counter("imports.finished", "Import jobs that reached a terminal status"),
		rows:         telemetry.Counter("imports.rows", "CSV rows handled by import jobs"),
		now:          time.Now,
		newID:        uuid.NewString,
		pollInterval: pollInterval,
	}
}

// IsCSV accepts a file by extension or by one of the content types browsers
// send for CSV.
func IsCSV(fileName, contentType string) bool {
	if strings.HasSuffix(strings.ToLower(fileName), ".csv") {
		return true
	}
	mediaType := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	return mediaType == "text/csv" || mediaType == "application/vnd.ms-excel"
}

// Upload stores the file, records a PENDING job and enqueues it. It returns
// as soon as the job is queued.
func (s *ImportService) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	if len(req.Data) == 0 {
		return UploadResult{}, domain.ErrEmptyFile
	}
	if !IsCSV(req.FileName, req.ContentType) {
		return UploadResult{}, domain.ErrInvalidFileType
	}

	store, err := s.stores.GetStoreByUser(ctx, req.UserID)
	if err != nil {
		return UploadResult{}, fmt.Errorf("get store: %w", err)
	}
	if store == nil {
		return UploadResult{}, domain.ErrStoreNotFound
	}

	now := s.now()
	fileName := path.Base(req.FileName)
	key := fmt.Sprintf("csv-uploads/%s/%d-%s", req.UserID, now.UnixMilli(), fileName)
	contentType := req.ContentType
	if contentType == "" {
		contentType = "text/csv"
	}
	url, err := s.blobs.Put(ctx, key, req.Data, contentType, map[string]string{
		"userId":       req.UserID,
		"storeId":      store.ID,
		"originalName": req.FileName,
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("store upload: %w", err)
	}

	job := domain.ImportJob{
		ID:        s.newID(),
		UserID:    req.UserID,
		StoreID:   store.ID,
		FileKey:   key,
		FileURL:   url,
		Status:    domain.ImportStatusPending,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobs.CreateImportJob(ctx, job); err != nil {
		return UploadResult{}, fmt.Errorf("create import job: %w", err)
	}

	task := domain.ImportTask{JobID: job.ID, StoreID: store.ID, Attempt: 1}
	if err := s.queue.Enqueue(ctx, task); err != nil && !errors.Is(err, port.ErrAlreadyQueued) {
		s.logger.Error("enqueue import job", zap.String("job_id", job.ID), zap.Error(err))
		ferr := s.jobs.FinishImportJob(context.WithoutCancel(ctx), job.ID, domain.ImportStatusPending, domain.ImportOutcome{
			Status:       domain.ImportStatusFailed,
			ErrorMessage: "could not be queued",
		})
		if ferr != nil {
			s.logger.Error("mark unqueued job failed", zap.String("job_id", job.ID), zap.Error(ferr))
		}
		return UploadResult{}, fmt.Errorf("%w: %v", domain.ErrQueueUnavailable, err)
	}

	result := UploadResult{
		JobID:    job.ID,
		FileKey:  key,
		FileURL:  url,
		FileName: req.FileName,
		Size:     len(req.Data),
	}
	if p, ok := s.blobs.(port.Presigner); ok {
		if link, err := p.PresignGet(ctx, key, downloadURLTTL); err == nil {
			result.DownloadURL = link
		} else {
			s.logger.Warn("presign upload", zap.String("key", key), zap.Error(err))
		}
	}

	s.logger.Info("import job queued",
		zap.String("job_id", job.ID),
		zap.String("store_id", store.ID),
		zap.Int("bytes", len(req.Data)))
	return result, nil
}

// Process runs one import job to a terminal status. A job that is no longer
// PENDING is left alone, so redelivered tasks are harmless. The returned
// error is informational; the job record already carries the outcome.
func (s *ImportService) Process(ctx context.Context, task domain.ImportTask) error {
	ctx, span := s.tracer.Start(ctx, "import.process", trace.WithAttributes(
		attribute.String("job.id", task.JobID),
		attribute.Int("job.attempt", task.Attempt),
	))
	defer span.End()
	log := s.logger.With(zap.String("job_id", task.JobID))

	err := s.jobs.TransitionImportJob(ctx, task.JobID, domain.ImportStatusPending, domain.ImportStatusProcessing, progressStarted)
	if errors.Is(err, domain.ErrInvalidTransition) {
		log.Info("import job is not pending, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("start import job: %w", err)
	}
	s.publish(ctx, domain.JobStatus{JobID: task.JobID, Status: domain.ImportStatusProcessing, Progress: progressStarted})
	log.Info("import job started", zap.Int("attempt", task.Attempt))

	outcome, runErr := s.safeRun(ctx, task, log)
	if runErr != nil {
		outcome = domain.ImportOutcome{
			Status:       domain.ImportStatusFailed,
			TotalRows:    outcome.TotalRows,
			ErrorMessage: runErr.Error(),
		}
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}

	// The outcome must land even if the caller gave up on ctx.
	finishCtx := context.WithoutCancel(ctx)
	if err := s.jobs.FinishImportJob(finishCtx, task.JobID, domain.ImportStatusProcessing, outcome); err != nil {
		log.Error("record import outcome", zap.Error(err))
		return errors.Join(runErr, fmt.Errorf("finish import job: %w", err))
	}
	s.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(outcome.Status))))

	final := domain.JobStatus{
		JobID:          task.JobID,
		Status:         outcome.Status,
		Progress:       outcome.Progress,
		TotalRows:      outcome.TotalRows,
		ProcessedRows:  outcome.ProcessedRows,
		ErrorRows:      outcome.ErrorRows,
		SkippedRows:    outcome.SkippedRows,
		ErrorReportKey: outcome.ErrorReportKey,
	}
	if job, err := s.jobs.GetImportJob(finishCtx, task.JobID); err == nil && job != nil {
		final = job.Snapshot()
	}
	s.publish(finishCtx, final)

	log.Info("import job finished",
		zap.String("status", string(outcome.Status)),
		zap.Int("total_rows", outcome.TotalRows),
		zap.Int("processed_rows", outcome.ProcessedRows),
		zap.Int("error_rows", outcome.ErrorRows),
		zap.Int("skipped_rows", outcome.SkippedRows),
		zap.String("error", outcome.ErrorMessage))
	return runErr
}

func (s *ImportService) safeRun(ctx context.Context, task domain.ImportTask, log *zap.Logger) (outcome domain.ImportOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("import job panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("import panicked: %v", r)
		}
	}()
	return s.run(ctx, task, log)
}

func (s *ImportService) run(ctx context.Context, task domain.ImportTask, log *zap.Logger) (domain.ImportOutcome, error) {
	job, err := s.jobs.GetImportJob(ctx, task.JobID)
	if err != nil {
		return domain.ImportOutcome{}, fmt.Errorf("load import job: %w", err)
	}
	if job == nil {
		return domain.ImportOutcome{}, domain.ErrJobNotFound
	}
	storeID := task.StoreID
	if storeID == "" {
		storeID = job.StoreID
	}

	body, err := s.blobs.Get(ctx, job.FileKey)
	if err != nil {
		return domain.ImportOutcome{}, fmt.Errorf("read upload: %w", err)
	}
	rows, err := ReadRows(body)
	_ = body.Close()
	if err != nil {
		return domain.ImportOutcome{TotalRows: len(rows)}, err
	}

	total := len(rows)
	step := (total + 9) / 10
	if step == 0 {
		step = 1
	}

	now := s.now()
	valid := make([]domain.Product, 0, total)
	var rejected []*RowRejection
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return domain.ImportOutcome{TotalRows: total}, err
		}
		product, err := ValidateRow(row, storeID, now)
		if err != nil {
			var rej *RowRejection
			if !errors.As(err, &rej) {
				return domain.ImportOutcome{TotalRows: total}, err
			}
			// Line 1 is the header.
			rej.Line = i + 2
			rejected = append(rejected, rej)
		} else {
			valid = append(valid, product)
		}

		if i%step == 0 {
			progress := progressStarted + i*progressRowsSpan/total
			if err := s.jobs.UpdateImportProgress(ctx, task.JobID, progress); err != nil {
				return domain.ImportOutcome{TotalRows: total}, fmt.Errorf("update progress: %w", err)
			}
			s.publish(ctx, domain.JobStatus{
				JobID:     task.JobID,
				Status:    domain.ImportStatusProcessing,
				Progress:  progress,
				TotalRows: total,
				ErrorRows: len(rejected),
			})
		}
	}
	s.rows.Add(ctx, int64(len(valid)), metric.WithAttributes(attribute.String("result", "valid")))
	s.rows.Add(ctx, int64(len(rejected)), metric.WithAttributes(attribute.String("result", "rejected")))

	inserted := 0
	if len(valid) > 0 {
		inserted, err = s.products.BulkInsertProducts(ctx, valid)
		if err != nil {
			return domain.ImportOutcome{TotalRows: total}, fmt.Errorf("insert products: %w", err)
		}
	}

	outcome := domain.ImportOutcome{
		Progress:      progressCompleted,
		TotalRows:     total,
		ProcessedRows: inserted,
		ErrorRows:     len(rejected),
		SkippedRows:   len(valid) - inserted,
	}
	switch {
	case len(valid) == 0:
		outcome.Status = domain.ImportStatusFailed
		outcome.ErrorMessage = "no valid rows"
	case len(rejected) > 0:
		outcome.Status = domain.ImportStatusCompletedWithErrors
	default:
		outcome.Status = domain.ImportStatusCompleted
	}

	if len(rejected) > 0 {
		key, err := s.writeErrorReport(ctx, task.JobID, rejected)
		if err != nil {
			log.Warn("write error report", zap.Error(err))
		} else {
			outcome.ErrorReportKey = key
		}
	}
	return outcome, nil
}

func (s *ImportService) writeErrorReport(ctx context.Context, jobID string, rejected []*RowRejection) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(append([]string{"line", "error"}, reportColumns...)); err != nil {
		return "", err
	}
	for _, rej := range rejected {
		record := []string{strconv.Itoa(rej.Line), rej.Reason}
		for _, col := range reportColumns {
			record = append(record, rej.Row[col])
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}

	key := fmt.Sprintf("csv-reports/%s.csv", jobID)
	if _, err := s.blobs.Put(ctx, key, buf.Bytes(), "text/csv", map[string]string{"jobId": jobID}); err != nil {
		return "", err
	}
	return key, nil
}

// GetJobStatus returns the job's current status. Jobs owned by another user
// are reported as not found.
func (s *ImportService) GetJobStatus(ctx context.Context, userID, jobID string) (domain.JobStatus, error) {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return domain.JobStatus{}, err
	}
	return job.Snapshot(), nil
}

// WatchJob streams status changes of one job until it reaches a terminal
// status, ctx ends or cancel is called.
func (s *ImportService) WatchJob(ctx context.Context, userID, jobID string) (<-chan domain.JobStatus, func(), error) {
	if _, err := s.ownedJob(ctx, userID, jobID); err != nil {
		return nil, nil, err
	}
	if s.feed != nil {
		updates, cancel, err := s.feed.Subscribe(ctx, jobID)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: subscribe: %v", domain.ErrSourceUnavailable, err)
		}
		return updates, cancel, nil
	}
	return s.poll(ctx, jobID)
}

func (s *ImportService) poll(ctx context.Context, jobID string) (<-chan domain.JobStatus, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan domain.JobStatus, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		var last domain.JobStatus
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			job, err := s.jobs.GetImportJob(ctx, jobID)
			if err != nil || job == nil {
				continue
			}
			current := job.Snapshot()
			if current == last {
				continue
			}
			last = current
			select {
			case out <- current:
			case <-ctx.Done():
				return
			}
			if current.Status.Terminal() {
				return
			}
		}
	}()
	return out, cancel, nil
}

func (s *ImportService) ownedJob(ctx context.Context, userID, jobID string) (*domain.ImportJob, error) {
	job, err := s.jobs.GetImportJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get import job: %w", err)
	}
	if job == nil || job.UserID != userID {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

func (s *ImportService) publish(ctx context.Context, status domain.JobStatus) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, status); err != nil {
		s.logger.Warn("publish import progress", zap.String("job_id", status.JobID), zap.Error(err))
	}
}
