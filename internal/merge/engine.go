// Package merge runs the asset merge pipeline: a bounded queue of jobs, a
// worker pool that concatenates Ready assets into one new asset, and the
// segment metadata describing where each input landed in the output.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"clipforge/internal/media"
	"clipforge/internal/models"
	"clipforge/internal/objectstore"
	"clipforge/internal/observability/logging"
	"clipforge/internal/observability/metrics"
	"clipforge/internal/storage"
)

// Stable job error codes surfaced to clients.
const (
	CodeInputInvalid      = "merge_input_invalid"
	CodeTimeout           = "merge_timeout"
	CodeProcessError      = "merge_process_error"
	CodeResourceExhausted = "merge_resource_exhausted"
	CodeCancelled         = "merge_cancelled"
)

// ErrResourceExhausted is returned by Submit when the job queue is full.
// Callers back off and retry; the engine never blocks a submitter.
var ErrResourceExhausted = errors.New("merge queue is full")

// ErrNotCancellable is returned when a cancel request arrives after the job
// left the queue.
var ErrNotCancellable = errors.New("job is no longer cancellable")

// InputError reports a merge input that cannot be used.
type InputError struct {
	AssetID string
	Reason  string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("input asset %s: %s", e.AssetID, e.Reason)
}

// EngineConfig wires the collaborators an Engine needs.
type EngineConfig struct {
	Repository        storage.Repository
	Library           *objectstore.Library
	Prober            media.Prober
	Concatenator      media.Concatenator
	Profile           media.Profile
	Metrics           *metrics.Recorder
	Logger            *slog.Logger
	Workers           int
	QueueDepth        int
	Timeout           time.Duration
	DurationTolerance time.Duration
	Now               func() time.Time
}

const (
	defaultQueueDepth        = 16
	defaultMergeTimeout      = 10 * time.Minute
	defaultDurationTolerance = 150 * time.Millisecond
)

// Engine owns the merge job lifecycle. Job state lives in the repository;
// the queue carries only job IDs, so a restart recovers queued work from
// storage.
type Engine struct {
	repo         storage.Repository
	library      *objectstore.Library
	prober       media.Prober
	concat       media.Concatenator
	profile      media.Profile
	metrics      *metrics.Recorder
	logger       *slog.Logger
	workers      int
	timeout      time.Duration
	tolerance    time.Duration
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan string
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewEngine validates config and returns a stopped Engine; call Start to
// launch the workers.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Repository == nil {
		return nil, fmt.Errorf("merge engine requires a repository")
	}
	if cfg.Library == nil {
		return nil, fmt.Errorf("merge engine requires an asset library")
	}
	if cfg.Prober == nil || cfg.Concatenator == nil {
		return nil, fmt.Errorf("merge engine requires media tooling")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	queueDepth := cfg.QueueDepth
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultMergeTimeout
	}
	tolerance := cfg.DurationTolerance
	if tolerance <= 0 {
		tolerance = defaultDurationTolerance
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.New()
	}
	profile := cfg.Profile
	if profile == (media.Profile{}) {
		profile = media.DefaultProfile()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		repo:      cfg.Repository,
		library:   cfg.Library,
		prober:    cfg.Prober,
		concat:    cfg.Concatenator,
		profile:   profile,
		metrics:   recorder,
		logger:    logging.WithComponent(logger, "merge"),
		workers:   workers,
		timeout:   timeout,
		tolerance: tolerance,
		now:       now,
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(chan string, queueDepth),
	}, nil
}

// Start launches the worker pool and requeues work left over from a previous
// run. Safe to call once; later calls are no-ops.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	go e.recover()
}

// Shutdown stops accepting work and waits for in-flight jobs to finish or
// the context to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit validates the inputs, persists a queued job, and hands it to the
// worker pool. The enqueue never blocks: a full queue fails the job with a
// resource-exhausted code and returns ErrResourceExhausted so the caller can
// signal backpressure.
func (e *Engine) Submit(ctx context.Context, ownerID string, inputAssetIDs []string) (models.MergeJob, error) {
	if len(inputAssetIDs) == 0 {
		return models.MergeJob{}, &InputError{Reason: "at least one input asset is required"}
	}
	// The same asset may appear more than once; each occurrence becomes its
	// own segment of the merged output.
	for _, assetID := range inputAssetIDs {
		asset, ok := e.repo.GetAsset(assetID)
		if !ok {
			return models.MergeJob{}, &InputError{AssetID: assetID, Reason: "not found"}
		}
		if ownerID != "" && asset.OwnerID != ownerID {
			return models.MergeJob{}, &InputError{AssetID: assetID, Reason: "not owned by requester"}
		}
		if asset.Status != models.AssetReady {
			return models.MergeJob{}, &InputError{AssetID: assetID, Reason: fmt.Sprintf("status is %s, want %s", asset.Status, models.AssetReady)}
		}
	}

	job := models.MergeJob{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		InputAssetIDs: append([]string(nil), inputAssetIDs...),
		Status:        models.JobQueued,
		CreatedAt:     e.now().UTC(),
	}
	if err := e.repo.SaveJob(job); err != nil {
		return models.MergeJob{}, fmt.Errorf("persist job: %w", err)
	}
	select {
	case e.queue <- job.ID:
	default:
		e.metrics.MergeJobRejected()
		e.finishJob(job, models.JobFailed, CodeResourceExhausted, "merge queue is full")
		return models.MergeJob{}, ErrResourceExhausted
	}
	e.logger.Info("merge job queued", "job_id", job.ID, "inputs", len(job.InputAssetIDs))
	return job, nil
}

// Cancel fails a job that is still waiting in the queue. Jobs that have
// started running finish on their own.
func (e *Engine) Cancel(jobID, ownerID string) (models.MergeJob, error) {
	job, ok := e.repo.GetJob(jobID)
	if !ok {
		return models.MergeJob{}, storage.ErrJobNotFound
	}
	if ownerID != "" && job.OwnerID != ownerID {
		return models.MergeJob{}, storage.ErrJobNotFound
	}
	if job.Status != models.JobQueued {
		return job, ErrNotCancellable
	}
	finishedAt := e.now().UTC()
	job.Status = models.JobFailed
	job.ErrorCode = CodeCancelled
	job.ErrorDetail = "cancelled before execution"
	job.FinishedAt = &finishedAt
	switch err := e.repo.SwapJob(job, models.JobQueued); {
	case errors.Is(err, storage.ErrJobConflict):
		// A worker claimed the job between the read and the swap.
		job, _ = e.repo.GetJob(jobID)
		return job, ErrNotCancellable
	case err != nil:
		return models.MergeJob{}, fmt.Errorf("persist job: %w", err)
	}
	e.logger.Info("merge job cancelled", "job_id", jobID)
	return job, nil
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case jobID := <-e.queue:
			e.run(jobID)
		}
	}
}

// recover requeues jobs persisted as queued and fails jobs that were running
// when the previous process died. A running job with no worker can never
// finish, so failing it keeps the status honest.
func (e *Engine) recover() {
	for _, job := range e.repo.ListJobs(models.JobRunning) {
		select {
		case <-e.ctx.Done():
			return
		default:
		}
		if job.StartedAt != nil && !job.StartedAt.Before(e.startupCutoff()) {
			continue
		}
		e.finishJob(job, models.JobFailed, CodeProcessError, "interrupted by restart")
		e.logger.Warn("orphaned merge job failed", "job_id", job.ID)
	}
	for _, job := range e.repo.ListJobs(models.JobQueued) {
		select {
		case <-e.ctx.Done():
			return
		case e.queue <- job.ID:
			e.logger.Info("merge job requeued", "job_id", job.ID)
		default:
			e.finishJob(job, models.JobFailed, CodeResourceExhausted, "queue full during recovery")
		}
	}
}

func (e *Engine) startupCutoff() time.Time {
	return e.now().Add(-time.Second)
}

// run executes one job end to end. Only the worker that claimed the job
// mutates it past this point.
func (e *Engine) run(jobID string) {
	job, ok := e.repo.GetJob(jobID)
	if !ok || job.Status != models.JobQueued {
		return
	}
	startedAt := e.now().UTC()
	job.Status = models.JobRunning
	job.StartedAt = &startedAt
	switch err := e.repo.SwapJob(job, models.JobQueued); {
	case errors.Is(err, storage.ErrJobConflict), errors.Is(err, storage.ErrJobNotFound):
		// Settled by a cancel before any worker picked it up.
		return
	case err != nil:
		e.logger.Error("claim merge job failed", "job_id", jobID, "error", err)
		return
	}
	e.metrics.MergeJobStarted()

	ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
	defer cancel()
	ctx = logging.ContextWithJobID(ctx, jobID)

	if err := e.execute(ctx, &job); err != nil {
		status, code := classify(ctx, err)
		e.finishJob(job, status, code, err.Error())
		e.metrics.MergeJobFinished(string(status))
		e.logger.Warn("merge job failed",
			"job_id", jobID,
			"status", status,
			"code", code,
			"error", err)
		return
	}
	finishedAt := e.now().UTC()
	job.Status = models.JobSucceeded
	job.FinishedAt = &finishedAt
	if err := e.repo.SaveJob(job); err != nil {
		e.logger.Error("persist merge job failed", "job_id", jobID, "error", err)
		return
	}
	e.metrics.MergeJobFinished(string(models.JobSucceeded))
	e.logger.Info("merge job succeeded",
		"job_id", jobID,
		"output_asset_id", *job.OutputAssetID,
		"segments", len(job.Segments))
}

type probedInput struct {
	asset models.MediaAsset
	path  string
	probe media.ProbeResult
}

// execute probes every input, concatenates them in request order, publishes
// the output asset, and fills in the job's output and segments.
func (e *Engine) execute(ctx context.Context, job *models.MergeJob) error {
	inputs, err := e.probeInputs(ctx, job)
	if err != nil {
		return err
	}

	outputID := uuid.NewString()
	stagePath, err := e.library.StagePath(outputID)
	if err != nil {
		return err
	}
	defer os.Remove(stagePath)

	paths := make([]string, len(inputs))
	for i, input := range inputs {
		paths[i] = input.path
	}
	if err := e.concat.Concat(ctx, paths, stagePath, e.profile); err != nil {
		return err
	}

	outProbe, err := e.prober.Probe(ctx, stagePath)
	if err != nil {
		return fmt.Errorf("probe merged output: %w", err)
	}

	segments := e.buildSegments(inputs)
	now := e.now().UTC()
	asset := models.MediaAsset{
		ID:        outputID,
		OwnerID:   job.OwnerID,
		MimeType:  "video/mp4",
		Duration:  outProbe.Duration,
		Status:    models.AssetPending,
		Segments:  segments,
		CreatedAt: now,
	}
	if err := e.repo.CreateAsset(asset); err != nil {
		return fmt.Errorf("create output asset: %w", err)
	}
	key, err := e.library.Publish(ctx, outputID, stagePath, asset.MimeType)
	if err != nil {
		asset.Status = models.AssetFailed
		asset.FailureReason = err.Error()
		if updateErr := e.repo.UpdateAsset(asset); updateErr != nil {
			e.logger.Error("persist failed output asset", "asset_id", outputID, "error", updateErr)
		}
		return fmt.Errorf("publish merged output: %w", err)
	}

	info, err := os.Stat(mustPath(e.library, key))
	if err == nil {
		asset.SizeBytes = info.Size()
	}
	readyAt := e.now().UTC()
	asset.StorageKey = key
	asset.Status = models.AssetReady
	asset.ReadyAt = &readyAt
	if err := e.repo.UpdateAsset(asset); err != nil {
		return fmt.Errorf("finalize output asset: %w", err)
	}

	job.OutputAssetID = &outputID
	job.Segments = segments
	return nil
}

// probeInputs probes all inputs concurrently while preserving request order
// in the result. A single invalid input fails the whole job.
func (e *Engine) probeInputs(ctx context.Context, job *models.MergeJob) ([]probedInput, error) {
	inputs := make([]probedInput, len(job.InputAssetIDs))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, assetID := range job.InputAssetIDs {
		i, assetID := i, assetID
		group.Go(func() error {
			asset, ok := e.repo.GetAsset(assetID)
			if !ok {
				return &InputError{AssetID: assetID, Reason: "not found"}
			}
			if asset.Status != models.AssetReady {
				return &InputError{AssetID: assetID, Reason: fmt.Sprintf("status is %s", asset.Status)}
			}
			path, err := e.library.Path(asset.StorageKey)
			if err != nil {
				return &InputError{AssetID: assetID, Reason: err.Error()}
			}
			probe, err := e.prober.Probe(groupCtx, path)
			if err != nil {
				return fmt.Errorf("probe input %s: %w", assetID, err)
			}
			drift := probe.Duration.Std() - asset.Duration.Std()
			if drift < 0 {
				drift = -drift
			}
			if drift > e.tolerance {
				e.logger.Warn("input duration drifted from record",
					"job_id", job.ID,
					"asset_id", assetID,
					"recorded_seconds", asset.Duration.Seconds(),
					"probed_seconds", probe.Duration.Seconds())
			}
			inputs[i] = probedInput{asset: asset, path: path, probe: probe}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return inputs, nil
}

// buildSegments lays the probed input durations end to end. Offsets are
// cumulative, so segment N starts exactly where segment N-1 ends.
func (e *Engine) buildSegments(inputs []probedInput) []models.Segment {
	segments := make([]models.Segment, len(inputs))
	var cursor models.Duration
	for i, input := range inputs {
		duration := input.probe.Duration
		segments[i] = models.Segment{
			StatementIndex: i,
			SourceAssetID:  input.asset.ID,
			Start:          cursor,
			End:            cursor + duration,
			Duration:       duration,
		}
		cursor += duration
	}
	return segments
}

func (e *Engine) finishJob(job models.MergeJob, status models.JobStatus, code, detail string) {
	finishedAt := e.now().UTC()
	job.Status = status
	job.ErrorCode = code
	job.ErrorDetail = detail
	job.FinishedAt = &finishedAt
	if err := e.repo.SaveJob(job); err != nil {
		e.logger.Error("persist merge job failed", "job_id", job.ID, "error", err)
	}
}

// classify maps an execution error onto the job's terminal status and stable
// error code.
func classify(ctx context.Context, err error) (models.JobStatus, string) {
	var inputErr *InputError
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return models.JobTimedOut, CodeTimeout
	case errors.As(err, &inputErr), errors.Is(err, media.ErrInvalidInput):
		return models.JobFailed, CodeInputInvalid
	default:
		return models.JobFailed, CodeProcessError
	}
}

func mustPath(library *objectstore.Library, key string) string {
	path, err := library.Path(key)
	if err != nil {
		return ""
	}
	return path
}
