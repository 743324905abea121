package service

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rl1809/storefront/internal/core/domain"
)

type importFixture struct {
	svc     *ImportService
	jobs    *memJobs
	catalog *memCatalog
	blobs   *memBlobs
	queue   *memQueue
}

func newImportFixture(t *testing.T) *importFixture {
	t.Helper()
	f := &importFixture{
		jobs:    newMemJobs(),
		catalog: &memCatalog{},
		blobs:   newMemBlobs(),
		queue:   &memQueue{},
	}
	f.jobs.stores["seller"] = domain.Store{ID: "store-1", UserID: "seller", IsActive: true}
	f.svc = NewImportService(ImportServiceDeps{
		Jobs:     f.jobs,
		Stores:   f.jobs,
		Products: f.catalog,
		Blobs:    f.blobs,
		Queue:    f.queue,
		Logger:   zaptest.NewLogger(t),
	})
	return f
}

// upload stores csv for the seller and returns the queued task.
func (f *importFixture) upload(t *testing.T, csv string) domain.ImportTask {
	t.Helper()
	res, err := f.svc.Upload(context.Background(), UploadRequest{
		UserID:      "seller",
		FileName:    "products.csv",
		ContentType: "text/csv",
		Data:        []byte(csv),
	})
	require.NoError(t, err)
	tasks := f.queue.queued()
	require.NotEmpty(t, tasks)
	task := tasks[len(tasks)-1]
	require.Equal(t, res.JobID, task.JobID)
	return task
}

func TestIsCSV(t *testing.T) {
	assert.True(t, IsCSV("a.csv", "application/octet-stream"))
	assert.True(t, IsCSV("A.CSV", ""))
	assert.True(t, IsCSV("export", "text/csv; charset=utf-8"))
	assert.True(t, IsCSV("export.txt", "application/vnd.ms-excel"))
	assert.False(t, IsCSV("photo.png", "image/png"))
	assert.False(t, IsCSV("data.json", "application/json"))
}

func TestUpload(t *testing.T) {
	ctx := context.Background()

	t.Run("queues a pending job", func(t *testing.T) {
		f := newImportFixture(t)
		res, err := f.svc.Upload(ctx, UploadRequest{
			UserID: "seller", FileName: "items.csv", ContentType: "text/csv", Data: []byte("name,price\nMug,1\n"),
		})
		require.NoError(t, err)

		job := f.jobs.job(res.JobID)
		assert.Equal(t, domain.ImportStatusPending, job.Status)
		assert.Equal(t, 0, job.Progress)
		assert.Equal(t, "store-1", job.StoreID)
		assert.True(t, strings.HasPrefix(job.FileKey, "csv-uploads/seller/"))
		assert.True(t, strings.HasSuffix(job.FileKey, "-items.csv"))
		assert.Equal(t, res.FileKey, job.FileKey)
		assert.Equal(t, "mem://"+job.FileKey, res.FileURL)

		obj, ok := f.blobs.object(job.FileKey)
		require.True(t, ok)
		assert.Equal(t, "store-1", obj.metadata["storeId"])
		assert.Equal(t, "items.csv", obj.metadata["originalName"])

		assert.Equal(t, []domain.ImportTask{{JobID: res.JobID, StoreID: "store-1", Attempt: 1}}, f.queue.queued())
	})

	t.Run("rejects non csv", func(t *testing.T) {
		f := newImportFixture(t)
		_, err := f.svc.Upload(ctx, UploadRequest{UserID: "seller", FileName: "a.png", ContentType: "image/png", Data: []byte("x")})
		assert.ErrorIs(t, err, domain.ErrInvalidFileType)
		assert.Empty(t, f.jobs.jobs)
		assert.Empty(t, f.queue.queued())
	})

	t.Run("rejects empty file", func(t *testing.T) {
		f := newImportFixture(t)
		_, err := f.svc.Upload(ctx, UploadRequest{UserID: "seller", FileName: "a.csv"})
		assert.ErrorIs(t, err, domain.ErrEmptyFile)
	})

	t.Run("requires a store", func(t *testing.T) {
		f := newImportFixture(t)
		_, err := f.svc.Upload(ctx, UploadRequest{UserID: "buyer", FileName: "a.csv", Data: []byte("name\n")})
		assert.ErrorIs(t, err, domain.ErrStoreNotFound)
		assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
	})

	t.Run("task already queued is not an error", func(t *testing.T) {
		f := newImportFixture(t)
		f.svc.newID = func() string { return "job-1" }
		require.NoError(t, f.queue.Enqueue(ctx, domain.ImportTask{JobID: "job-1", StoreID: "store-1", Attempt: 1}))

		res, err := f.svc.Upload(ctx, UploadRequest{UserID: "seller", FileName: "a.csv", Data: []byte("name\n")})
		require.NoError(t, err)
		assert.Equal(t, "job-1", res.JobID)
		assert.Equal(t, domain.ImportStatusPending, f.jobs.job("job-1").Status)
		assert.Len(t, f.queue.queued(), 1)
	})

	t.Run("queue down fails the job", func(t *testing.T) {
		f := newImportFixture(t)
		f.queue.err = errors.New("redis: connection refused")
		_, err := f.svc.Upload(ctx, UploadRequest{UserID: "seller", FileName: "a.csv", Data: []byte("name\n")})
		assert.ErrorIs(t, err, domain.ErrQueueUnavailable)
		assert.Equal(t, domain.KindUnavailable, domain.KindOf(err))

		require.Len(t, f.jobs.jobs, 1)
		for _, job := range f.jobs.jobs {
			assert.Equal(t, domain.ImportStatusFailed, job.Status)
		}
	})
}

func TestProcess_MixedRows(t *testing.T) {
	f := newImportFixture(t)
	input := strings.Join([]string{
		"name,description,price,stock,imageurl",
		"Mug,,12.50,4,",
		",no name,1.00,1,",
		"Lamp,,20,2,",
		"Tea,,abc,1,",
		"Pen,,1,1,",
		"Cup,,2,-1,",
		"Hat,,3,3,",
		"Bag,,4,,",
		"Box,,5,5,",
		"Jar,,6,6,",
	}, "\n") + "\n"
	task := f.upload(t, input)

	require.NoError(t, f.svc.Process(context.Background(), task))

	job := f.jobs.job(task.JobID)
	assert.Equal(t, domain.ImportStatusCompletedWithErrors, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, 10, job.TotalRows)
	assert.Equal(t, 7, job.ProcessedRows)
	assert.Equal(t, 3, job.ErrorRows)
	assert.Equal(t, 0, job.SkippedRows)
	assert.Len(t, f.catalog.products, 7)

	require.Equal(t, "csv-reports/"+task.JobID+".csv", job.ErrorReportKey)
	obj, ok := f.blobs.object(job.ErrorReportKey)
	require.True(t, ok)
	records, err := csv.NewReader(strings.NewReader(string(obj.data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, []string{"3", ReasonNameRequired}, records[1][:2])
	assert.Equal(t, []string{"5", ReasonInvalidPrice}, records[2][:2])
	assert.Equal(t, []string{"7", ReasonInvalidStock}, records[3][:2])
}

func TestProcess_AllValid(t *testing.T) {
	f := newImportFixture(t)
	task := f.upload(t, "name,price\nMug,1\nLamp,2\n")

	require.NoError(t, f.svc.Process(context.Background(), task))

	job := f.jobs.job(task.JobID)
	assert.Equal(t, domain.ImportStatusCompleted, job.Status)
	assert.Equal(t, 2, job.ProcessedRows)
	assert.Empty(t, job.ErrorReportKey)
	for _, p := range f.catalog.products {
		assert.Equal(t, "store-1", p.StoreID)
	}
}

func TestProcess_DuplicatesAreSkipped(t *testing.T) {
	f := newImportFixture(t)
	f.catalog.products = []domain.Product{{StoreID: "store-1", Name: "Mug"}}
	task := f.upload(t, "name,price\nMug,1\nLamp,2\nLamp,3\n")

	require.NoError(t, f.svc.Process(context.Background(), task))

	job := f.jobs.job(task.JobID)
	assert.Equal(t, domain.ImportStatusCompleted, job.Status)
	assert.Equal(t, 3, job.TotalRows)
	assert.Equal(t, 1, job.ProcessedRows)
	assert.Equal(t, 2, job.SkippedRows)
	assert.Equal(t, 0, job.ErrorRows)
}

func TestProcess_NoValidRowsFails(t *testing.T) {
	f := newImportFixture(t)
	task := f.upload(t, "name,price\n,1\nMug,\n")

	require.NoError(t, f.svc.Process(context.Background(), task))

	job := f.jobs.job(task.JobID)
	assert.Equal(t, domain.ImportStatusFailed, job.Status)
	assert.Equal(t, 2, job.ErrorRows)
	assert.Equal(t, 0, job.ProcessedRows)
	assert.NotEmpty(t, job.ErrorReportKey)
	assert.Empty(t, f.catalog.products)
}

func TestProcess_HeaderOnlyFails(t *testing.T) {
	f := newImportFixture(t)
	task := f.upload(t, "name,price\n")

	require.NoError(t, f.svc.Process(context.Background(), task))
	assert.Equal(t, domain.ImportStatusFailed, f.jobs.job(task.JobID).Status)
}

func TestProcess_MalformedCSVFails(t *testing.T) {
	f := newImportFixture(t)
	task := f.upload(t, "name,price\nMug,1\nLamp\nTea,2\n")

	err := f.svc.Process(context.Background(), task)
	assert.ErrorIs(t, err, domain.ErrMalformedCSV)

	job := f.jobs.job(task.JobID)
	assert.Equal(t, domain.ImportStatusFailed, job.Status)
	assert.Equal(t, 3, job.TotalRows)
	assert.Equal(t, 0, job.ProcessedRows)
	assert.Contains(t, job.ErrorMessage, "malformed csv")
	assert.Empty(t, f.catalog.products)
}

func TestProcess_CancelledWhileValidating(t *testing.T) {
	f := newImportFixture(t)
	task := f.upload(t, "name,price\nMug,1\nLamp,2\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.svc.Process(ctx, task)
	assert.ErrorIs(t, err, context.Canceled)

	job := f.jobs.job(task.JobID)
	assert.Equal(t, domain.ImportStatusFailed, job.Status)
	assert.Equal(t, 2, job.TotalRows)
	assert.Empty(t, f.catalog.products)
}

func TestProcess_SourceUnavailableFails(t *testing.T) {
	f := newImportFixture(t)
	task := f.upload(t, "name,price\nMug,1\n")
	f.blobs.getErr = fmt.Errorf("%w: bucket gone", domain.ErrSourceUnavailable)

	err := f.svc.Process(context.Background(), task)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Equal(t, domain.ImportStatusFailed, f.jobs.job(task.JobID).Status)
}

func TestProcess_PanicFailsJob(t *testing.T) {
	f := newImportFixture(t)
	f.catalog.panicOn = "Boom"
	task := f.upload(t, "name,price\nBoom,1\n")

	err := f.svc.Process(context.Background(), task)
	require.Error(t, err)

	job := f.jobs.job(task.JobID)
	assert.Equal(t, domain.ImportStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "panicked")
}

func TestProcess_ProgressIsMonotonic(t *testing.T) {
	f := newImportFixture(t)
	var b strings.Builder
	b.WriteString("name,price\n")
	for i := 0; i < 95; i++ {
		fmt.Fprintf(&b, "item-%d,%d\n", i, i+1)
	}
	task := f.upload(t, b.String())

	require.NoError(t, f.svc.Process(context.Background(), task))

	history := f.jobs.progress[task.JobID]
	require.GreaterOrEqual(t, len(history), 10)
	for i := 1; i < len(history); i++ {
		assert.GreaterOrEqual(t, history[i], history[i-1])
	}
	for _, p := range history[:len(history)-1] {
		assert.Less(t, p, 100)
	}
	assert.Equal(t, 100, history[len(history)-1])
}

func TestProcess_RedeliveredTaskIsIgnored(t *testing.T) {
	f := newImportFixture(t)
	task := f.upload(t, "name,price\nMug,1\n")

	require.NoError(t, f.svc.Process(context.Background(), task))
	require.NoError(t, f.svc.Process(context.Background(), task))

	assert.Len(t, f.catalog.products, 1)
	assert.Equal(t, domain.ImportStatusCompleted, f.jobs.job(task.JobID).Status)
}

func TestGetJobStatus(t *testing.T) {
	f := newImportFixture(t)
	task := f.upload(t, "name,price\nMug,1\n")
	ctx := context.Background()

	status, err := f.svc.GetJobStatus(ctx, "seller", task.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusPending, status.Status)

	_, err = f.svc.GetJobStatus(ctx, "someone-else", task.JobID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	_, err = f.svc.GetJobStatus(ctx, "seller", "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestWatchJob_PollsUntilTerminal(t *testing.T) {
	f := newImportFixture(t)
	f.svc.pollInterval = 5 * time.Millisecond
	task := f.upload(t, "name,price\nMug,1\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	updates, stop, err := f.svc.WatchJob(ctx, "seller", task.JobID)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, f.svc.Process(ctx, task))

	var last domain.JobStatus
	for st := range updates {
		last = st
	}
	assert.Equal(t, domain.ImportStatusCompleted, last.Status)
	assert.Equal(t, 100, last.Progress)
}
