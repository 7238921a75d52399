// Command migrate-local-media converts device-local media references into
// persistent assets by replaying their blobs through the upload pipeline.
// Run it against the same datastore and media root as the API server; each
// reference is swapped atomically, so the tool is safe to re-run after a
// partial failure.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"clipforge/internal/chunkstore"
	"clipforge/internal/media"
	"clipforge/internal/migration"
	"clipforge/internal/models"
	"clipforge/internal/objectstore"
	"clipforge/internal/observability/metrics"
	"clipforge/internal/storage"
	"clipforge/internal/upload"
)

func main() {
	var (
		jsonPath    string
		postgresDSN string
		blobRoot    string
		mediaRoot   string
		ffprobePath string
		refList     string
		all         bool
		chunkSize   int64
	)

	flag.StringVar(&jsonPath, "json", "", "Path to the JSON datastore (clipforge.json)")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&blobRoot, "blob-root", "", "Directory holding <deviceID>/<blobID> blob exports")
	flag.StringVar(&mediaRoot, "media-root", "./data/media", "Media root shared with the API server")
	flag.StringVar(&ffprobePath, "ffprobe", "ffprobe", "Path to the ffprobe binary")
	flag.StringVar(&refList, "refs", "", "Comma-separated reference ids to migrate")
	flag.BoolVar(&all, "all", false, "Migrate every device-local reference in the datastore")
	flag.Int64Var(&chunkSize, "chunk-size", 4<<20, "Replay chunk size in bytes")
	flag.Parse()

	if jsonPath == "" && postgresDSN == "" {
		fatalf("either --json or --postgres-dsn must be provided")
	}
	if jsonPath != "" && postgresDSN != "" {
		fatalf("only one datastore option may be provided")
	}
	if strings.TrimSpace(blobRoot) == "" {
		fatalf("--blob-root is required")
	}
	if !all && strings.TrimSpace(refList) == "" {
		fatalf("provide --refs or --all")
	}

	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	repo, err := openRepository(ctx, jsonPath, postgresDSN)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer repo.Close(context.Background())

	migrator, err := buildMigrator(repo, mediaRoot, blobRoot, ffprobePath, chunkSize, logger)
	if err != nil {
		fatalf("wire migrator: %v", err)
	}

	refs := targetReferences(repo, refList, all)
	if len(refs) == 0 {
		fmt.Println("No device-local references to migrate.")
		return
	}

	var failed int
	for _, id := range refs {
		ref, err := migrator.Migrate(ctx, id)
		switch {
		case err == nil:
			fmt.Printf("reference %s migrated to asset %s\n", id, ref.AssetID)
		case errors.Is(err, migration.ErrNotLocal):
			fmt.Printf("reference %s is already persistent, skipping\n", id)
		default:
			failed++
			fmt.Fprintf(os.Stderr, "reference %s failed: %v\n", id, err)
		}
	}
	if failed > 0 {
		fatalf("%d of %d references failed; re-run to retry them", failed, len(refs))
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func openRepository(ctx context.Context, jsonPath, postgresDSN string) (storage.Repository, error) {
	if jsonPath != "" {
		return storage.NewJSONRepository(jsonPath)
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return storage.NewPostgresRepository(connectCtx, storage.PostgresConfig{DSN: postgresDSN, ApplicationName: "migrate-local-media"})
}

func buildMigrator(repo storage.Repository, mediaRoot, blobRoot, ffprobePath string, chunkSize int64, logger *slog.Logger) (*migration.Migrator, error) {
	chunks, err := chunkstore.New(filepath.Join(mediaRoot, "chunks"))
	if err != nil {
		return nil, err
	}
	library, err := objectstore.NewLibrary(filepath.Join(mediaRoot, "library"), nil)
	if err != nil {
		return nil, err
	}
	manager, err := upload.NewManager(upload.ManagerOptions{
		Repository: repo,
		Chunks:     chunks,
		Library:    library,
		Prober:     &media.FFprobe{Path: ffprobePath, Logger: logger},
		Metrics:    metrics.New(),
		Logger:     logger,
		SessionTTL: time.Hour,
	})
	if err != nil {
		return nil, err
	}
	return migration.NewMigrator(repo, manager, migration.DirSource{Root: blobRoot}, chunkSize, logger)
}

func targetReferences(repo storage.Repository, refList string, all bool) []string {
	if all {
		locals := repo.ListReferences(models.ReferenceLocal)
		ids := make([]string, 0, len(locals))
		for _, ref := range locals {
			ids = append(ids, ref.ID)
		}
		return ids
	}
	var ids []string
	for _, id := range strings.Split(refList, ",") {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	return ids
}
