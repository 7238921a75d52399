package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"clipforge/internal/chunkstore"
	"clipforge/internal/media"
	"clipforge/internal/models"
	"clipforge/internal/objectstore"
	"clipforge/internal/storage"
)

type fakeProber struct {
	result media.ProbeResult
	err    error
	calls  int
	mu     sync.Mutex
}

func (p *fakeProber) Probe(ctx context.Context, path string) (media.ProbeResult, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.result, p.err
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type managerFixture struct {
	manager *Manager
	repo    *storage.Store
	library *objectstore.Library
	prober  *fakeProber
	clock   *testClock
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := storage.NewJSONRepository(filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	chunks, err := chunkstore.New(filepath.Join(dir, "chunks"))
	if err != nil {
		t.Fatalf("chunk store: %v", err)
	}
	t.Cleanup(func() { chunks.Close() })
	library, err := objectstore.NewLibrary(filepath.Join(dir, "library"), nil)
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	prober := &fakeProber{result: media.ProbeResult{Duration: models.DurationFromSeconds(4)}}
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	manager, err := NewManager(ManagerOptions{
		Repository: repo,
		Chunks:     chunks,
		Library:    library,
		Prober:     prober,
		SessionTTL: time.Hour,
		Now:        clock.Now,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return &managerFixture{manager: manager, repo: repo, library: library, prober: prober, clock: clock}
}

func validInitiate(totalSize, chunkSize int64) InitiateRequest {
	return InitiateRequest{
		OwnerID:   "owner-1",
		Filename:  "clip.mp4",
		TotalSize: totalSize,
		ChunkSize: chunkSize,
		MimeType:  "video/mp4",
	}
}

func TestInitiateDerivesChunkCount(t *testing.T) {
	f := newManagerFixture(t)
	session, err := f.manager.Initiate(context.Background(), validInitiate(101, 25))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if session.TotalChunks != 5 {
		t.Fatalf("TotalChunks = %d, want 5", session.TotalChunks)
	}
	if session.Status != models.SessionInitiated {
		t.Fatalf("Status = %s, want %s", session.Status, models.SessionInitiated)
	}
	if session.ExpiresAt != f.clock.Now().Add(time.Hour) {
		t.Fatalf("ExpiresAt = %v", session.ExpiresAt)
	}
}

func TestInitiateValidation(t *testing.T) {
	f := newManagerFixture(t)
	tests := []struct {
		name string
		req  InitiateRequest
	}{
		{name: "missing owner", req: InitiateRequest{TotalSize: 10, ChunkSize: 5, MimeType: "video/mp4"}},
		{name: "zero total size", req: InitiateRequest{OwnerID: "o", TotalSize: 0, ChunkSize: 5, MimeType: "video/mp4"}},
		{name: "zero chunk size", req: InitiateRequest{OwnerID: "o", TotalSize: 10, ChunkSize: 0, MimeType: "video/mp4"}},
		{name: "chunk exceeds total", req: InitiateRequest{OwnerID: "o", TotalSize: 10, ChunkSize: 20, MimeType: "video/mp4"}},
		{name: "missing mime type", req: InitiateRequest{OwnerID: "o", TotalSize: 10, ChunkSize: 5}},
		{name: "bad declared hash", req: InitiateRequest{OwnerID: "o", TotalSize: 10, ChunkSize: 5, MimeType: "video/mp4", DeclaredHash: "nothex"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.manager.Initiate(context.Background(), tc.req)
			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("Initiate = %v, want ValidationError", err)
			}
		})
	}
}

func TestInitiateEnforcesMimeWhitelist(t *testing.T) {
	dir := t.TempDir()
	repo, err := storage.NewJSONRepository(filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	chunks, err := chunkstore.New(filepath.Join(dir, "chunks"))
	if err != nil {
		t.Fatalf("chunk store: %v", err)
	}
	defer chunks.Close()
	library, err := objectstore.NewLibrary(filepath.Join(dir, "library"), nil)
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	manager, err := NewManager(ManagerOptions{
		Repository: repo,
		Chunks:     chunks,
		Library:    library,
		Prober:     &fakeProber{},
		SessionTTL: time.Hour,
		Limits:     Limits{AllowedMimeTypes: []string{"video/mp4"}},
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	req := validInitiate(10, 5)
	req.MimeType = "application/zip"
	if _, err := manager.Initiate(context.Background(), req); err == nil {
		t.Fatal("expected disallowed mime type to be rejected")
	}
	req.MimeType = "VIDEO/MP4"
	if _, err := manager.Initiate(context.Background(), req); err != nil {
		t.Fatalf("case-insensitive match rejected: %v", err)
	}
}

func TestOutOfOrderUploadAssemblesByteIdentical(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("0123456789"), 10) // 100 bytes
	digest := sha256.Sum256(payload)
	req := validInitiate(int64(len(payload)), 30)
	req.DeclaredHash = hex.EncodeToString(digest[:])
	session, err := f.manager.Initiate(ctx, req)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if session.TotalChunks != 4 {
		t.Fatalf("TotalChunks = %d, want 4", session.TotalChunks)
	}

	// Deliver out of order: 2, 0, 3 (remainder), 1.
	for _, index := range []int{2, 0, 3, 1} {
		start := index * 30
		end := start + 30
		if end > len(payload) {
			end = len(payload)
		}
		if _, err := f.manager.UploadChunk(ctx, session.ID, index, payload[start:end], ""); err != nil {
			t.Fatalf("UploadChunk %d: %v", index, err)
		}
	}

	asset, err := f.manager.Complete(ctx, session.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if asset.Status != models.AssetReady {
		t.Fatalf("asset status = %s, want ready", asset.Status)
	}
	if asset.ContentHash != req.DeclaredHash {
		t.Fatalf("content hash = %s, want %s", asset.ContentHash, req.DeclaredHash)
	}

	file, _, err := f.library.Open(asset.StorageKey)
	if err != nil {
		t.Fatalf("open published asset: %v", err)
	}
	defer file.Close()
	published, err := io.ReadAll(file)
	if err != nil {
		t.Fatalf("read published asset: %v", err)
	}
	if !bytes.Equal(published, payload) {
		t.Fatal("published bytes differ from the original payload")
	}

	final, err := f.manager.Status(ctx, session.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if final.Status != models.SessionCompleted || final.AssetID != asset.ID {
		t.Fatalf("final session = %+v", final)
	}
}

func TestUploadChunkEnforcesDeclaredSize(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	session, err := f.manager.Initiate(ctx, validInitiate(100, 30))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	// Mid chunks must be exactly ChunkSize.
	if _, err := f.manager.UploadChunk(ctx, session.ID, 0, make([]byte, 29), ""); err == nil {
		t.Fatal("expected undersized mid chunk to be rejected")
	}
	// The final chunk carries the remainder, here 100 - 3*30 = 10.
	if _, err := f.manager.UploadChunk(ctx, session.ID, 3, make([]byte, 30), ""); err == nil {
		t.Fatal("expected oversized final chunk to be rejected")
	}
	if _, err := f.manager.UploadChunk(ctx, session.ID, 3, make([]byte, 10), ""); err != nil {
		t.Fatalf("remainder chunk rejected: %v", err)
	}
}

func TestUploadChunkIndexOutOfRange(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	session, err := f.manager.Initiate(ctx, validInitiate(100, 25))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	for _, index := range []int{-1, 4, 100} {
		_, err := f.manager.UploadChunk(ctx, session.ID, index, make([]byte, 25), "")
		var validationErr *ValidationError
		if !errors.As(err, &validationErr) {
			t.Fatalf("index %d: err = %v, want ValidationError", index, err)
		}
	}
}

func TestUploadChunkChecksumMismatch(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	session, err := f.manager.Initiate(ctx, validInitiate(50, 25))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	wrong := sha256.Sum256([]byte("other bytes"))
	_, err = f.manager.UploadChunk(ctx, session.ID, 0, make([]byte, 25), hex.EncodeToString(wrong[:]))
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("UploadChunk = %v, want ErrChecksumMismatch", err)
	}
}

func TestReuploadedChunkReplacesBytes(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	first := bytes.Repeat([]byte{'a'}, 50)
	second := append(bytes.Repeat([]byte{'b'}, 25), bytes.Repeat([]byte{'a'}, 25)...)
	digest := sha256.Sum256(second)

	req := validInitiate(50, 25)
	req.DeclaredHash = hex.EncodeToString(digest[:])
	session, err := f.manager.Initiate(ctx, req)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := f.manager.UploadChunk(ctx, session.ID, 0, first[:25], ""); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	if _, err := f.manager.UploadChunk(ctx, session.ID, 1, first[25:], ""); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	// Client discovers chunk 0 was corrupt and resends it.
	if _, err := f.manager.UploadChunk(ctx, session.ID, 0, second[:25], ""); err != nil {
		t.Fatalf("re-upload: %v", err)
	}

	asset, err := f.manager.Complete(ctx, session.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if asset.ContentHash != req.DeclaredHash {
		t.Fatal("assembly did not use the re-uploaded bytes")
	}
}

func TestCompleteWithMissingChunks(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	session, err := f.manager.Initiate(ctx, validInitiate(100, 25))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := f.manager.UploadChunk(ctx, session.ID, 1, make([]byte, 25), ""); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}

	_, err = f.manager.Complete(ctx, session.ID)
	var incomplete *IncompleteUploadError
	if !errors.As(err, &incomplete) {
		t.Fatalf("Complete = %v, want IncompleteUploadError", err)
	}
	want := []int{0, 2, 3}
	if len(incomplete.Missing) != len(want) {
		t.Fatalf("missing = %v, want %v", incomplete.Missing, want)
	}
	for i, index := range want {
		if incomplete.Missing[i] != index {
			t.Fatalf("missing = %v, want %v", incomplete.Missing, want)
		}
	}
	// A rejected completion must leave the session open for more chunks.
	if _, err := f.manager.UploadChunk(ctx, session.ID, 0, make([]byte, 25), ""); err != nil {
		t.Fatalf("UploadChunk after failed complete: %v", err)
	}
}

func TestCompleteChecksumMismatchFailsSessionWithoutAsset(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	wrong := sha256.Sum256([]byte("not the payload"))
	req := validInitiate(50, 25)
	req.DeclaredHash = hex.EncodeToString(wrong[:])
	session, err := f.manager.Initiate(ctx, req)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	for index := 0; index < 2; index++ {
		if _, err := f.manager.UploadChunk(ctx, session.ID, index, make([]byte, 25), ""); err != nil {
			t.Fatalf("UploadChunk: %v", err)
		}
	}

	_, err = f.manager.Complete(ctx, session.ID)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Complete = %v, want ErrChecksumMismatch", err)
	}
	got, _ := f.repo.GetSession(session.ID)
	if got.Status != models.SessionFailed {
		t.Fatalf("session status = %s, want failed", got.Status)
	}
	if assets := f.repo.ListAssets("owner-1"); len(assets) != 0 {
		t.Fatalf("checksum failure produced %d assets, want none", len(assets))
	}
}

func TestCompleteInvalidMediaFailsSessionAndAsset(t *testing.T) {
	f := newManagerFixture(t)
	f.prober.err = media.ErrInvalidInput
	ctx := context.Background()

	session, err := f.manager.Initiate(ctx, validInitiate(50, 25))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	for index := 0; index < 2; index++ {
		if _, err := f.manager.UploadChunk(ctx, session.ID, index, make([]byte, 25), ""); err != nil {
			t.Fatalf("UploadChunk: %v", err)
		}
	}

	_, err = f.manager.Complete(ctx, session.ID)
	if !errors.Is(err, ErrInvalidMedia) {
		t.Fatalf("Complete = %v, want ErrInvalidMedia", err)
	}
	got, _ := f.repo.GetSession(session.ID)
	if got.Status != models.SessionFailed {
		t.Fatalf("session status = %s, want failed", got.Status)
	}
	assets := f.repo.ListAssets("owner-1")
	if len(assets) != 1 || assets[0].Status != models.AssetFailed {
		t.Fatalf("assets after invalid media = %+v", assets)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	session, err := f.manager.Initiate(ctx, validInitiate(50, 25))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	for index := 0; index < 2; index++ {
		if _, err := f.manager.UploadChunk(ctx, session.ID, index, make([]byte, 25), ""); err != nil {
			t.Fatalf("UploadChunk: %v", err)
		}
	}

	first, err := f.manager.Complete(ctx, session.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	second, err := f.manager.Complete(ctx, session.ID)
	if err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("completions produced different assets: %s vs %s", first.ID, second.ID)
	}
	if f.prober.calls != 1 {
		t.Fatalf("probe ran %d times, want 1", f.prober.calls)
	}
}

func TestConcurrentCompletionsShareOneAssembly(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	session, err := f.manager.Initiate(ctx, validInitiate(50, 25))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	for index := 0; index < 2; index++ {
		if _, err := f.manager.UploadChunk(ctx, session.ID, index, make([]byte, 25), ""); err != nil {
			t.Fatalf("UploadChunk: %v", err)
		}
	}

	const callers = 8
	results := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			asset, err := f.manager.Complete(ctx, session.ID)
			if err != nil {
				t.Errorf("Complete: %v", err)
				return
			}
			results <- asset.ID
		}()
	}
	wg.Wait()
	close(results)

	ids := make(map[string]struct{})
	for id := range results {
		ids[id] = struct{}{}
	}
	if len(ids) != 1 {
		t.Fatalf("concurrent completions produced %d distinct assets", len(ids))
	}
}

func TestConcurrentChunkUploadsAllRecorded(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("abcdefghijklmnopqrstuvwxy"), 8) // 8 chunks of 25
	digest := sha256.Sum256(payload)
	req := validInitiate(int64(len(payload)), 25)
	req.DeclaredHash = hex.EncodeToString(digest[:])
	session, err := f.manager.Initiate(ctx, req)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	// Every chunk arrives on its own goroutine. A receipt must never be
	// lost to another receipt racing the same session record.
	var wg sync.WaitGroup
	for index := 0; index < session.TotalChunks; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			chunk := payload[index*25 : (index+1)*25]
			if _, err := f.manager.UploadChunk(ctx, session.ID, index, chunk, ""); err != nil {
				t.Errorf("UploadChunk %d: %v", index, err)
			}
		}(index)
	}
	wg.Wait()

	got, err := f.manager.Status(ctx, session.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if missing := got.MissingIndices(); len(missing) != 0 {
		t.Fatalf("missing indices after concurrent uploads: %v", missing)
	}
	asset, err := f.manager.Complete(ctx, session.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if asset.ContentHash != req.DeclaredHash {
		t.Fatalf("content hash = %s, want %s", asset.ContentHash, req.DeclaredHash)
	}
}

func TestSweepReclaimsInterruptedCompletion(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	session, err := f.manager.Initiate(ctx, validInitiate(50, 25))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	for index := 0; index < 2; index++ {
		if _, err := f.manager.UploadChunk(ctx, session.ID, index, make([]byte, 25), ""); err != nil {
			t.Fatalf("UploadChunk: %v", err)
		}
	}

	// Simulate a process that died after claiming the completion but before
	// finishing the assembly.
	stuck, _ := f.repo.GetSession(session.ID)
	stuck.Status = models.SessionCompleting
	if err := f.repo.SaveSession(stuck); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if _, err := f.manager.Complete(ctx, session.ID); !errors.Is(err, ErrCompletionInProgress) {
		t.Fatalf("Complete = %v, want ErrCompletionInProgress", err)
	}

	// Before the deadline the sweep leaves the claim alone.
	if expired := f.manager.SweepExpired(ctx); expired != 0 {
		t.Fatalf("SweepExpired before deadline = %d, want 0", expired)
	}

	f.clock.Advance(2 * time.Hour)
	if expired := f.manager.SweepExpired(ctx); expired != 1 {
		t.Fatalf("SweepExpired = %d, want 1", expired)
	}
	got, _ := f.repo.GetSession(session.ID)
	if got.Status != models.SessionExpired {
		t.Fatalf("session status = %s, want expired", got.Status)
	}
	if _, err := f.manager.Complete(ctx, session.ID); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Complete after sweep = %v, want ErrSessionExpired", err)
	}

	f.clock.Advance(2 * time.Hour)
	if removed := f.manager.CollectFailed(ctx); removed != 1 {
		t.Fatalf("CollectFailed = %d, want 1", removed)
	}
	if _, ok := f.repo.GetSession(session.ID); ok {
		t.Fatal("collected session still present")
	}
}

func TestLazyExpiry(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	session, err := f.manager.Initiate(ctx, validInitiate(50, 25))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := f.manager.UploadChunk(ctx, session.ID, 0, make([]byte, 25), ""); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}

	f.clock.Advance(2 * time.Hour)

	if _, err := f.manager.UploadChunk(ctx, session.ID, 1, make([]byte, 25), ""); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("UploadChunk after expiry = %v, want ErrSessionExpired", err)
	}
	got, err := f.manager.Status(ctx, session.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.Status != models.SessionExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	if _, err := f.manager.Complete(ctx, session.ID); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Complete after expiry = %v, want ErrSessionExpired", err)
	}
}

func TestSweepExpiredAndCollectFailed(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	stale, err := f.manager.Initiate(ctx, validInitiate(50, 25))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := f.manager.UploadChunk(ctx, stale.ID, 0, make([]byte, 25), ""); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}

	f.clock.Advance(30 * time.Minute)
	fresh, err := f.manager.Initiate(ctx, validInitiate(50, 25))
	if err != nil {
		t.Fatalf("Initiate fresh: %v", err)
	}

	f.clock.Advance(45 * time.Minute) // stale is past its TTL, fresh is not

	if expired := f.manager.SweepExpired(ctx); expired != 1 {
		t.Fatalf("SweepExpired = %d, want 1", expired)
	}
	got, _ := f.repo.GetSession(stale.ID)
	if got.Status != models.SessionExpired {
		t.Fatalf("stale session status = %s, want expired", got.Status)
	}
	untouched, _ := f.repo.GetSession(fresh.ID)
	if untouched.Status != models.SessionInitiated {
		t.Fatalf("fresh session status = %s", untouched.Status)
	}

	// Expired records stay queryable for one TTL, then get collected.
	if removed := f.manager.CollectFailed(ctx); removed != 0 {
		t.Fatalf("CollectFailed = %d, want 0 before grace period", removed)
	}
	f.clock.Advance(2 * time.Hour)
	if removed := f.manager.CollectFailed(ctx); removed != 1 {
		t.Fatalf("CollectFailed = %d, want 1", removed)
	}
	if _, ok := f.repo.GetSession(stale.ID); ok {
		t.Fatal("collected session still present")
	}
}

func TestStatusUnknownSession(t *testing.T) {
	f := newManagerFixture(t)
	if _, err := f.manager.Status(context.Background(), "missing"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Fatalf("Status = %v, want ErrSessionNotFound", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "clip.mp4", want: "clip.mp4"},
		{in: "  spaced.mp4  ", want: "spaced.mp4"},
		{in: "../../etc/passwd", want: "passwd"},
		{in: `C:\Users\video.mp4`, want: "video.mp4"},
		{in: "", want: ""},
	}
	for _, tc := range tests {
		if got := sanitizeFilename(tc.in); got != tc.want {
			t.Fatalf("sanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
