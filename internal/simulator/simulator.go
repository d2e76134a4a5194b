// Package simulator is an in-process scoring backend. It accepts the same
// uploads as a real backend, advances job progress on a timer, and scores
// every transaction with an injectable random source.
package simulator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/fraud-review/api-go/internal/blob"
	"github.com/example/fraud-review/api-go/internal/catalog"
	"github.com/example/fraud-review/api-go/internal/events"
	"github.com/example/fraud-review/api-go/internal/metrics"
	"github.com/example/fraud-review/api-go/internal/model"
	"github.com/example/fraud-review/api-go/internal/results"
	"github.com/example/fraud-review/api-go/internal/store"
)

const (
	Name = "simulator"

	DefaultStepDelay          = 500 * time.Millisecond
	DefaultProgressStep       = 10
	DefaultRejectionThreshold = 0.5

	// progress stops here until the rows are stored
	progressCeiling = 90
)

// Rand is a uniform source over [0,1). *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

// BlobStore archives uploaded input files.
type BlobStore interface {
	Put(key string, r io.Reader) (string, error)
	Delete(key string) error
}

type Options struct {
	StepDelay    time.Duration
	ProgressStep int

	// RejectionThreshold decides the verdict: a row is approved when its
	// score is below the threshold, so zero rejects every row. Nil means
	// DefaultRejectionThreshold.
	RejectionThreshold *float64

	// FixedRows, when positive, replaces the input cardinality as the number
	// of rows produced.
	FixedRows int

	Rand    Rand
	Now     func() time.Time
	Catalog *catalog.Catalog
	Blobs   BlobStore
	Events  events.Publisher
	Metrics *metrics.Collector
	Log     *zap.Logger
}

type Simulator struct {
	store     store.Backing
	results   *results.Store
	opts      Options
	threshold float64

	randMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(backing store.Backing, opts Options) *Simulator {
	if opts.StepDelay <= 0 {
		opts.StepDelay = DefaultStepDelay
	}
	if opts.ProgressStep <= 0 {
		opts.ProgressStep = DefaultProgressStep
	}
	threshold := DefaultRejectionThreshold
	if opts.RejectionThreshold != nil {
		threshold = *opts.RejectionThreshold
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Events == nil {
		opts.Events = events.Noop{}
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Simulator{
		store:     backing,
		results:   results.New(backing),
		opts:      opts,
		threshold: threshold,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit registers a processing job and starts scoring it in the background.
// It returns as soon as the job is recorded.
func (s *Simulator) Submit(ctx context.Context, upload model.Upload) (string, error) {
	modelVersion := upload.Model
	if s.opts.Catalog != nil {
		label, err := s.opts.Catalog.Resolve(upload.Model)
		if err != nil {
			return "", err
		}
		modelVersion = label
	}

	ids, err := ParseTransactions(upload.Data)
	if err != nil {
		return "", err
	}
	if s.opts.FixedRows > 0 {
		ids = SyntheticIDs(s.opts.FixedRows)
	}

	now := s.opts.Now().UTC()
	job := model.Job{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		UpdatedAt:    now,
		Status:       model.JobProcessing,
		ModelVersion: modelVersion,
	}

	if s.opts.Blobs != nil {
		key, err := s.opts.Blobs.Put(blob.InputKey(job.ID), bytes.NewReader(upload.Data))
		if err != nil {
			return "", fmt.Errorf("archive input: %w", err)
		}
		job.InputKey = key
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		if job.InputKey != "" {
			if rmErr := s.opts.Blobs.Delete(job.InputKey); rmErr != nil {
				s.opts.Log.Warn("remove orphaned input", zap.String("key", job.InputKey), zap.Error(rmErr))
			}
		}
		return "", fmt.Errorf("create job: %w", err)
	}

	s.opts.Metrics.RecordSubmit(Name)
	s.opts.Metrics.JobStarted()
	s.opts.Log.Info("job accepted",
		zap.String("job_id", job.ID),
		zap.Int("rows", len(ids)),
		zap.String("model", modelVersion),
	)

	s.wg.Add(1)
	go s.run(job, ids)
	return job.ID, nil
}

func (s *Simulator) run(job model.Job, ids []string) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.StepDelay)
	defer ticker.Stop()

	progress := 0
	for progress < progressCeiling {
		select {
		case <-s.ctx.Done():
			s.fail(job, "simulator shut down before the job finished")
			return
		case <-ticker.C:
		}
		progress += s.opts.ProgressStep
		if progress > progressCeiling {
			progress = progressCeiling
		}
		if _, err := s.store.UpdateJob(s.ctx, job.ID, model.JobPatch{Progress: &progress}); err != nil {
			s.fail(job, fmt.Sprintf("update progress: %v", err))
			return
		}
	}

	rows := s.score(ids)
	if err := s.results.Put(s.ctx, job.ID, rows); err != nil {
		s.fail(job, fmt.Sprintf("store results: %v", err))
		return
	}

	completed := model.JobCompleted
	count := len(rows)
	done, err := s.store.UpdateJob(s.ctx, job.ID, model.JobPatch{Status: &completed, RowCount: &count})
	if err != nil {
		s.fail(job, fmt.Sprintf("complete job: %v", err))
		return
	}

	s.audit(done, rows)
	s.finish(done)
	s.opts.Metrics.RecordCompleted(done.UpdatedAt.Sub(done.CreatedAt).Seconds(), count)
	s.opts.Log.Info("job completed", zap.String("job_id", job.ID), zap.Int("rows", count))
}

func (s *Simulator) fail(job model.Job, reason string) {
	ctx := context.WithoutCancel(s.ctx)
	failed := model.JobFailed
	done, err := s.store.UpdateJob(ctx, job.ID, model.JobPatch{Status: &failed, FailureReason: &reason})
	if err != nil {
		s.opts.Log.Error("mark job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	s.finish(done)
	s.opts.Metrics.RecordFailed(done.UpdatedAt.Sub(done.CreatedAt).Seconds())
	s.opts.Log.Warn("job failed", zap.String("job_id", job.ID), zap.String("reason", reason))
}

func (s *Simulator) finish(job model.Job) {
	ev := model.CompletionEvent{
		JobID:         job.ID,
		Status:        job.Status,
		RowCount:      job.RowCount,
		ModelVersion:  job.ModelVersion,
		FailureReason: job.FailureReason,
	}
	if job.CompletedAt != nil {
		ev.CompletedAt = *job.CompletedAt
	}
	if err := s.opts.Events.PublishCompletion(context.WithoutCancel(s.ctx), ev); err != nil {
		s.opts.Log.Warn("publish completion", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *Simulator) audit(job model.Job, rows []model.ResultRow) {
	at := job.UpdatedAt
	if job.CompletedAt != nil {
		at = *job.CompletedAt
	}
	entries := make([]model.AuditEntry, len(rows))
	for i, r := range rows {
		entries[i] = model.AuditEntry{
			Timestamp:     at,
			JobID:         job.ID,
			TransactionID: r.TransactionID,
			Score:         r.Score,
			Decision:      r.Decision,
			ModelVersion:  job.ModelVersion,
		}
	}
	if err := s.store.AppendAudit(context.WithoutCancel(s.ctx), entries); err != nil {
		s.opts.Log.Warn("append audit log", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *Simulator) score(ids []string) []model.ResultRow {
	s.randMu.Lock()
	defer s.randMu.Unlock()

	rows := make([]model.ResultRow, len(ids))
	for i, id := range ids {
		rows[i] = Verdict(id, s.opts.Rand.Float64(), s.threshold)
	}
	return rows
}

// Verdict builds the row for one scored transaction.
func Verdict(id string, score, threshold float64) model.ResultRow {
	approved := score < threshold
	decision := model.DecisionNotFraud
	if !approved {
		decision = model.DecisionFraud
	}
	return model.ResultRow{
		TransactionID: id,
		Approved:      approved,
		Decision:      decision,
		Score:         score,
	}
}

func (s *Simulator) Status(ctx context.Context, id string) (model.StatusReport, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return model.StatusReport{}, err
	}
	return job.Report(), nil
}

func (s *Simulator) Results(ctx context.Context, id string, q model.ResultQuery) (model.ResultPage, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return model.ResultPage{}, err
	}
	if job.Status != model.JobCompleted {
		return model.ResultPage{}, fmt.Errorf("%w: job is %s", model.ErrNotReady, job.Status)
	}
	return s.results.Query(ctx, id, q)
}

func (s *Simulator) Health(context.Context) (model.Health, error) {
	h := model.Health{
		Status:   model.HealthOK,
		Backend:  Name,
		Database: s.store.Name(),
	}
	if s.opts.Catalog != nil {
		h.Model = s.opts.Catalog.Default().Label
	}
	return h, nil
}

// Close stops every running job, marking it failed, and waits for the
// workers to exit.
func (s *Simulator) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}
