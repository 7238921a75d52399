package merge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"clipforge/internal/media"
	"clipforge/internal/models"
	"clipforge/internal/objectstore"
	"clipforge/internal/storage"
)

type fakeProber struct {
	mu        sync.Mutex
	durations map[string]models.Duration
	fallback  models.Duration
	failPaths map[string]error
}

func (p *fakeProber) Probe(ctx context.Context, path string) (media.ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failPaths[filepath.Base(path)]; ok {
		return media.ProbeResult{}, err
	}
	if duration, ok := p.durations[filepath.Base(path)]; ok {
		return media.ProbeResult{Duration: duration}, nil
	}
	return media.ProbeResult{Duration: p.fallback}, nil
}

type fakeConcat struct {
	err   error
	block bool
	calls int
	mu    sync.Mutex
}

func (c *fakeConcat) Concat(ctx context.Context, inputs []string, output string, profile media.Profile) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.err != nil {
		return c.err
	}
	var merged []byte
	for _, input := range inputs {
		data, err := os.ReadFile(input)
		if err != nil {
			return err
		}
		merged = append(merged, data...)
	}
	return os.WriteFile(output, merged, 0o644)
}

type engineFixture struct {
	engine  *Engine
	repo    *storage.Store
	library *objectstore.Library
	prober  *fakeProber
	concat  *fakeConcat
}

func newEngineFixture(t *testing.T, cfg EngineConfig) *engineFixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := storage.NewJSONRepository(filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	library, err := objectstore.NewLibrary(filepath.Join(dir, "library"), nil)
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	prober := &fakeProber{
		durations: make(map[string]models.Duration),
		failPaths: make(map[string]error),
		fallback:  models.DurationFromSeconds(1),
	}
	concat := &fakeConcat{}

	cfg.Repository = repo
	cfg.Library = library
	cfg.Prober = prober
	cfg.Concatenator = concat
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		engine.Shutdown(ctx)
	})
	return &engineFixture{engine: engine, repo: repo, library: library, prober: prober, concat: concat}
}

// publishReadyAsset stores a Ready asset whose payload is its own id, with
// the probed duration registered under its published filename.
func (f *engineFixture) publishReadyAsset(t *testing.T, id, ownerID string, seconds float64) models.MediaAsset {
	t.Helper()
	stage, err := f.library.StagePath(id)
	if err != nil {
		t.Fatalf("stage path: %v", err)
	}
	if err := os.WriteFile(stage, []byte(id), 0o644); err != nil {
		t.Fatalf("write staged file: %v", err)
	}
	key, err := f.library.Publish(context.Background(), id, stage, "video/mp4")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	readyAt := time.Now().UTC()
	asset := models.MediaAsset{
		ID:         id,
		OwnerID:    ownerID,
		StorageKey: key,
		MimeType:   "video/mp4",
		Duration:   models.DurationFromSeconds(seconds),
		SizeBytes:  int64(len(id)),
		Status:     models.AssetReady,
		CreatedAt:  readyAt,
		ReadyAt:    &readyAt,
	}
	if err := f.repo.CreateAsset(asset); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	f.prober.mu.Lock()
	f.prober.durations[id+".mp4"] = asset.Duration
	f.prober.mu.Unlock()
	return asset
}

func TestSubmitValidatesInputs(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	ready := f.publishReadyAsset(t, "asset-ready", "alice", 4)

	pending := models.MediaAsset{ID: "asset-pending", OwnerID: "alice", Status: models.AssetPending, CreatedAt: time.Now().UTC()}
	if err := f.repo.CreateAsset(pending); err != nil {
		t.Fatalf("create pending asset: %v", err)
	}

	tests := []struct {
		name   string
		owner  string
		inputs []string
	}{
		{name: "no inputs", owner: "alice", inputs: nil},
		{name: "unknown asset", owner: "alice", inputs: []string{"nope"}},
		{name: "foreign owner", owner: "mallory", inputs: []string{ready.ID}},
		{name: "not ready", owner: "alice", inputs: []string{pending.ID}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Submit(context.Background(), tc.owner, tc.inputs)
			var inputErr *InputError
			if !errors.As(err, &inputErr) {
				t.Fatalf("Submit = %v, want InputError", err)
			}
		})
	}
}

func TestMergeProducesCumulativeSegments(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	a := f.publishReadyAsset(t, "asset-a", "alice", 4)
	b := f.publishReadyAsset(t, "asset-b", "alice", 12)
	c := f.publishReadyAsset(t, "asset-c", "alice", 8)

	job, err := f.engine.Submit(context.Background(), "alice", []string{a.ID, b.ID, c.ID})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.engine.run(job.ID)

	done, ok := f.repo.GetJob(job.ID)
	if !ok {
		t.Fatal("job disappeared")
	}
	if done.Status != models.JobSucceeded {
		t.Fatalf("job status = %s (%s: %s)", done.Status, done.ErrorCode, done.ErrorDetail)
	}
	if done.OutputAssetID == nil {
		t.Fatal("no output asset recorded")
	}
	if len(done.Segments) != 3 {
		t.Fatalf("segments = %d, want 3", len(done.Segments))
	}
	wantOffsets := []struct{ start, end float64 }{
		{0, 4},
		{4, 16},
		{16, 24},
	}
	for i, segment := range done.Segments {
		if segment.StatementIndex != i {
			t.Fatalf("segment %d index = %d", i, segment.StatementIndex)
		}
		if segment.Start.Seconds() != wantOffsets[i].start || segment.End.Seconds() != wantOffsets[i].end {
			t.Fatalf("segment %d = [%.1f, %.1f], want [%.1f, %.1f]",
				i, segment.Start.Seconds(), segment.End.Seconds(), wantOffsets[i].start, wantOffsets[i].end)
		}
	}

	output, found := f.repo.GetAsset(*done.OutputAssetID)
	if !found {
		t.Fatal("output asset missing")
	}
	if output.Status != models.AssetReady {
		t.Fatalf("output status = %s, want ready", output.Status)
	}
	if len(output.Segments) != 3 {
		t.Fatalf("output asset segments = %d, want 3", len(output.Segments))
	}

	// The concatenated payload is the inputs in request order.
	file, _, err := f.library.Open(output.StorageKey)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer file.Close()
	data := make([]byte, output.SizeBytes+1)
	n, _ := file.Read(data)
	if got, want := string(data[:n]), "asset-aasset-basset-c"; got != want {
		t.Fatalf("output payload = %q, want %q", got, want)
	}
}

func TestMergeRepeatedInputAsset(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	a := f.publishReadyAsset(t, "asset-a", "alice", 4)

	// Repeating an input is a loop, not a mistake: each occurrence becomes
	// its own segment.
	job, err := f.engine.Submit(context.Background(), "alice", []string{a.ID, a.ID})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.engine.run(job.ID)

	done, _ := f.repo.GetJob(job.ID)
	if done.Status != models.JobSucceeded {
		t.Fatalf("job status = %s (%s: %s)", done.Status, done.ErrorCode, done.ErrorDetail)
	}
	if len(done.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(done.Segments))
	}
	if done.Segments[1].Start.Seconds() != 4 || done.Segments[1].End.Seconds() != 8 {
		t.Fatalf("second segment = [%.1f, %.1f], want [4.0, 8.0]",
			done.Segments[1].Start.Seconds(), done.Segments[1].End.Seconds())
	}

	output, _ := f.repo.GetAsset(*done.OutputAssetID)
	file, _, err := f.library.Open(output.StorageKey)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer file.Close()
	data := make([]byte, output.SizeBytes+1)
	n, _ := file.Read(data)
	if got, want := string(data[:n]), "asset-aasset-a"; got != want {
		t.Fatalf("output payload = %q, want %q", got, want)
	}
}

func TestInvalidInputFailsJobWithoutOutput(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	a := f.publishReadyAsset(t, "asset-a", "alice", 4)
	broken := f.publishReadyAsset(t, "asset-broken", "alice", 6)
	f.prober.mu.Lock()
	f.prober.failPaths["asset-broken.mp4"] = media.ErrInvalidInput
	f.prober.mu.Unlock()

	job, err := f.engine.Submit(context.Background(), "alice", []string{a.ID, broken.ID})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.engine.run(job.ID)

	done, _ := f.repo.GetJob(job.ID)
	if done.Status != models.JobFailed {
		t.Fatalf("job status = %s, want failed", done.Status)
	}
	if done.ErrorCode != CodeInputInvalid {
		t.Fatalf("error code = %s, want %s", done.ErrorCode, CodeInputInvalid)
	}
	if done.OutputAssetID != nil {
		t.Fatal("failed job must not record an output asset")
	}
	if assets := f.repo.ListAssets("alice"); len(assets) != 2 {
		t.Fatalf("asset count = %d, want the 2 inputs only", len(assets))
	}
}

func TestConcatTimeoutMarksJobTimedOut(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{Timeout: 50 * time.Millisecond})
	f.concat.block = true
	a := f.publishReadyAsset(t, "asset-a", "alice", 4)
	b := f.publishReadyAsset(t, "asset-b", "alice", 2)

	job, err := f.engine.Submit(context.Background(), "alice", []string{a.ID, b.ID})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.engine.run(job.ID)

	done, _ := f.repo.GetJob(job.ID)
	if done.Status != models.JobTimedOut {
		t.Fatalf("job status = %s, want timed_out", done.Status)
	}
	if done.ErrorCode != CodeTimeout {
		t.Fatalf("error code = %s, want %s", done.ErrorCode, CodeTimeout)
	}
}

func TestConcatFailureMarksProcessError(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	f.concat.err = errors.New("encoder crashed")
	a := f.publishReadyAsset(t, "asset-a", "alice", 4)

	job, err := f.engine.Submit(context.Background(), "alice", []string{a.ID})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.engine.run(job.ID)

	done, _ := f.repo.GetJob(job.ID)
	if done.Status != models.JobFailed || done.ErrorCode != CodeProcessError {
		t.Fatalf("job = %s/%s, want failed/%s", done.Status, done.ErrorCode, CodeProcessError)
	}
}

func TestSubmitBackpressure(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{QueueDepth: 1})
	a := f.publishReadyAsset(t, "asset-a", "alice", 4)

	if _, err := f.engine.Submit(context.Background(), "alice", []string{a.ID}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	_, err := f.engine.Submit(context.Background(), "alice", []string{a.ID})
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("second Submit = %v, want ErrResourceExhausted", err)
	}

	// The rejected job must still exist as a failed record.
	failed := f.repo.ListJobs(models.JobFailed)
	if len(failed) != 1 {
		t.Fatalf("failed jobs = %d, want 1", len(failed))
	}
	if failed[0].ErrorCode != CodeResourceExhausted {
		t.Fatalf("error code = %s, want %s", failed[0].ErrorCode, CodeResourceExhausted)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	a := f.publishReadyAsset(t, "asset-a", "alice", 4)

	job, err := f.engine.Submit(context.Background(), "alice", []string{a.ID})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cancelled, err := f.engine.Cancel(job.ID, "alice")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != models.JobFailed || cancelled.ErrorCode != CodeCancelled {
		t.Fatalf("cancelled job = %s/%s", cancelled.Status, cancelled.ErrorCode)
	}

	// Terminal jobs cannot be cancelled again.
	if _, err := f.engine.Cancel(job.ID, "alice"); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("second Cancel = %v, want ErrNotCancellable", err)
	}
	// A worker picking the cancelled id off the queue must leave it alone.
	f.engine.run(job.ID)
	done, _ := f.repo.GetJob(job.ID)
	if done.Status != models.JobFailed || done.ErrorCode != CodeCancelled {
		t.Fatalf("job mutated after cancel: %s/%s", done.Status, done.ErrorCode)
	}
}

func TestCancelLosesToRunningClaim(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	a := f.publishReadyAsset(t, "asset-a", "alice", 4)

	job, err := f.engine.Submit(context.Background(), "alice", []string{a.ID})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// A worker claims the job before the cancel lands.
	startedAt := time.Now().UTC()
	claimed := job
	claimed.Status = models.JobRunning
	claimed.StartedAt = &startedAt
	if err := f.repo.SwapJob(claimed, models.JobQueued); err != nil {
		t.Fatalf("SwapJob: %v", err)
	}

	if _, err := f.engine.Cancel(job.ID, "alice"); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("Cancel of running job = %v, want ErrNotCancellable", err)
	}
	got, _ := f.repo.GetJob(job.ID)
	if got.Status != models.JobRunning {
		t.Fatalf("job status = %s, want running", got.Status)
	}
}

func TestCancelHidesForeignJobs(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	a := f.publishReadyAsset(t, "asset-a", "alice", 4)
	job, err := f.engine.Submit(context.Background(), "alice", []string{a.ID})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.engine.Cancel(job.ID, "mallory"); !errors.Is(err, storage.ErrJobNotFound) {
		t.Fatalf("Cancel by non-owner = %v, want ErrJobNotFound", err)
	}
}

func TestRecoverFailsOrphanedRunningJobs(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	startedAt := time.Now().Add(-time.Minute).UTC()
	orphan := models.MergeJob{
		ID:            "job-orphan",
		OwnerID:       "alice",
		InputAssetIDs: []string{"asset-a"},
		Status:        models.JobRunning,
		CreatedAt:     startedAt,
		StartedAt:     &startedAt,
	}
	if err := f.repo.SaveJob(orphan); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	queued := models.MergeJob{
		ID:            "job-queued",
		OwnerID:       "alice",
		InputAssetIDs: []string{"asset-a"},
		Status:        models.JobQueued,
		CreatedAt:     startedAt,
	}
	if err := f.repo.SaveJob(queued); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	f.engine.recover()

	failed, _ := f.repo.GetJob("job-orphan")
	if failed.Status != models.JobFailed || failed.ErrorCode != CodeProcessError {
		t.Fatalf("orphan after recover = %s/%s", failed.Status, failed.ErrorCode)
	}
	requeued, _ := f.repo.GetJob("job-queued")
	if requeued.Status != models.JobQueued {
		t.Fatalf("queued job status = %s, want queued", requeued.Status)
	}
	select {
	case id := <-f.engine.queue:
		if id != "job-queued" {
			t.Fatalf("requeued id = %s", id)
		}
	default:
		t.Fatal("queued job was not requeued")
	}
}
