package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"clipforge/internal/models"
)

// PostgresConfig tunes the pgx connection pool backing the Postgres
// repository.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
	Logger          *slog.Logger
}

type postgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Repository = (*postgresRepository)(nil)

// NewPostgresRepository opens a Postgres-backed repository and bootstraps the
// schema when it does not exist yet.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	repo := &postgresRepository{pool: pool, logger: logger}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS upload_sessions (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS upload_sessions_expires_idx ON upload_sessions (expires_at)`,
		`CREATE TABLE IF NOT EXISTS media_assets (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS media_assets_owner_idx ON media_assets (owner_id)`,
		`CREATE TABLE IF NOT EXISTS merge_jobs (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS merge_jobs_status_idx ON merge_jobs (status)`,
		`CREATE TABLE IF NOT EXISTS media_references (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) SaveSession(session models.UploadSession) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = r.pool.Exec(context.Background(),
		`INSERT INTO upload_sessions (id, owner_id, payload, status, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, status = EXCLUDED.status, expires_at = EXCLUDED.expires_at`,
		session.ID, session.OwnerID, payload, string(session.Status), session.ExpiresAt, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

func (r *postgresRepository) GetSession(id string) (models.UploadSession, bool) {
	var payload []byte
	err := r.pool.QueryRow(context.Background(),
		`SELECT payload FROM upload_sessions WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UploadSession{}, false
	} else if err != nil {
		r.logger.Error("query session failed", "session_id", id, "error", err)
		return models.UploadSession{}, false
	}
	var session models.UploadSession
	if err := json.Unmarshal(payload, &session); err != nil {
		r.logger.Error("decode session failed", "session_id", id, "error", err)
		return models.UploadSession{}, false
	}
	return session, true
}

func (r *postgresRepository) ListSessions() []models.UploadSession {
	rows, err := r.pool.Query(context.Background(),
		`SELECT payload FROM upload_sessions ORDER BY created_at, id`)
	if err != nil {
		r.logger.Error("list sessions failed", "error", err)
		return nil
	}
	defer rows.Close()
	var sessions []models.UploadSession
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			r.logger.Error("scan session failed", "error", err)
			continue
		}
		var session models.UploadSession
		if err := json.Unmarshal(payload, &session); err != nil {
			r.logger.Error("decode session failed", "error", err)
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions
}

func (r *postgresRepository) DeleteSession(id string) error {
	_, err := r.pool.Exec(context.Background(),
		`DELETE FROM upload_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (r *postgresRepository) CreateAsset(asset models.MediaAsset) error {
	if asset.ID == "" {
		return fmt.Errorf("asset id is required")
	}
	payload, err := json.Marshal(asset)
	if err != nil {
		return fmt.Errorf("encode asset: %w", err)
	}
	_, err = r.pool.Exec(context.Background(),
		`INSERT INTO media_assets (id, owner_id, payload, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		asset.ID, asset.OwnerID, payload, string(asset.Status), asset.CreatedAt)
	if err != nil {
		return fmt.Errorf("create asset %s: %w", asset.ID, err)
	}
	return nil
}

func (r *postgresRepository) UpdateAsset(asset models.MediaAsset) error {
	payload, err := json.Marshal(asset)
	if err != nil {
		return fmt.Errorf("encode asset: %w", err)
	}
	tag, err := r.pool.Exec(context.Background(),
		`UPDATE media_assets SET payload = $2, status = $3
		 WHERE id = $1 AND status <> $4`,
		asset.ID, payload, string(asset.Status), string(models.AssetReady))
	if err != nil {
		return fmt.Errorf("update asset %s: %w", asset.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, exists := r.GetAsset(asset.ID); exists {
			return ErrAssetImmutable
		}
		return ErrAssetNotFound
	}
	return nil
}

func (r *postgresRepository) GetAsset(id string) (models.MediaAsset, bool) {
	var payload []byte
	err := r.pool.QueryRow(context.Background(),
		`SELECT payload FROM media_assets WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MediaAsset{}, false
	} else if err != nil {
		r.logger.Error("query asset failed", "asset_id", id, "error", err)
		return models.MediaAsset{}, false
	}
	var asset models.MediaAsset
	if err := json.Unmarshal(payload, &asset); err != nil {
		r.logger.Error("decode asset failed", "asset_id", id, "error", err)
		return models.MediaAsset{}, false
	}
	return asset, true
}

func (r *postgresRepository) ListAssets(ownerID string) []models.MediaAsset {
	query := `SELECT payload FROM media_assets ORDER BY created_at, id`
	args := []any{}
	if ownerID != "" {
		query = `SELECT payload FROM media_assets WHERE owner_id = $1 ORDER BY created_at, id`
		args = append(args, ownerID)
	}
	rows, err := r.pool.Query(context.Background(), query, args...)
	if err != nil {
		r.logger.Error("list assets failed", "error", err)
		return nil
	}
	defer rows.Close()
	var assets []models.MediaAsset
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			continue
		}
		var asset models.MediaAsset
		if err := json.Unmarshal(payload, &asset); err != nil {
			continue
		}
		assets = append(assets, asset)
	}
	return assets
}

func (r *postgresRepository) SaveJob(job models.MergeJob) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = r.pool.Exec(context.Background(),
		`INSERT INTO merge_jobs (id, owner_id, payload, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, status = EXCLUDED.status`,
		job.ID, job.OwnerID, payload, string(job.Status), job.CreatedAt)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (r *postgresRepository) SwapJob(job models.MergeJob, expect models.JobStatus) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	tag, err := r.pool.Exec(context.Background(),
		`UPDATE merge_jobs SET payload = $2, status = $3
		 WHERE id = $1 AND status = $4`,
		job.ID, payload, string(job.Status), string(expect))
	if err != nil {
		return fmt.Errorf("swap job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, exists := r.GetJob(job.ID); exists {
			return ErrJobConflict
		}
		return ErrJobNotFound
	}
	return nil
}

func (r *postgresRepository) GetJob(id string) (models.MergeJob, bool) {
	var payload []byte
	err := r.pool.QueryRow(context.Background(),
		`SELECT payload FROM merge_jobs WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MergeJob{}, false
	} else if err != nil {
		r.logger.Error("query job failed", "job_id", id, "error", err)
		return models.MergeJob{}, false
	}
	var job models.MergeJob
	if err := json.Unmarshal(payload, &job); err != nil {
		r.logger.Error("decode job failed", "job_id", id, "error", err)
		return models.MergeJob{}, false
	}
	return job, true
}

func (r *postgresRepository) ListJobs(statuses ...models.JobStatus) []models.MergeJob {
	query := `SELECT payload FROM merge_jobs ORDER BY created_at, id`
	args := []any{}
	if len(statuses) > 0 {
		names := make([]string, 0, len(statuses))
		for _, status := range statuses {
			names = append(names, string(status))
		}
		query = `SELECT payload FROM merge_jobs WHERE status = ANY($1) ORDER BY created_at, id`
		args = append(args, names)
	}
	rows, err := r.pool.Query(context.Background(), query, args...)
	if err != nil {
		r.logger.Error("list jobs failed", "error", err)
		return nil
	}
	defer rows.Close()
	var jobs []models.MergeJob
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			continue
		}
		var job models.MergeJob
		if err := json.Unmarshal(payload, &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func (r *postgresRepository) SaveReference(ref models.MediaReference) error {
	if ref.ID == "" {
		return fmt.Errorf("reference id is required")
	}
	payload, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("encode reference: %w", err)
	}
	_, err = r.pool.Exec(context.Background(),
		`INSERT INTO media_references (id, kind, payload, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		ref.ID, string(ref.Kind), payload, ref.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save reference %s: %w", ref.ID, err)
	}
	return nil
}

func (r *postgresRepository) GetReference(id string) (models.MediaReference, bool) {
	var payload []byte
	err := r.pool.QueryRow(context.Background(),
		`SELECT payload FROM media_references WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MediaReference{}, false
	} else if err != nil {
		r.logger.Error("query reference failed", "reference_id", id, "error", err)
		return models.MediaReference{}, false
	}
	var ref models.MediaReference
	if err := json.Unmarshal(payload, &ref); err != nil {
		r.logger.Error("decode reference failed", "reference_id", id, "error", err)
		return models.MediaReference{}, false
	}
	return ref, true
}

func (r *postgresRepository) ListReferences(kind models.ReferenceKind) []models.MediaReference {
	rows, err := r.pool.Query(context.Background(),
		`SELECT payload FROM media_references WHERE kind = $1 ORDER BY id`, string(kind))
	if err != nil {
		r.logger.Error("list references failed", "error", err)
		return nil
	}
	defer rows.Close()
	var refs []models.MediaReference
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			continue
		}
		var ref models.MediaReference
		if err := json.Unmarshal(payload, &ref); err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

func (r *postgresRepository) SwapReference(id string, expect models.ReferenceKind, next models.MediaReference) error {
	next.ID = id
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode reference: %w", err)
	}
	tag, err := r.pool.Exec(context.Background(),
		`UPDATE media_references SET kind = $2, payload = $3, updated_at = $4
		 WHERE id = $1 AND kind = $5`,
		id, string(next.Kind), payload, next.UpdatedAt, string(expect))
	if err != nil {
		return fmt.Errorf("swap reference %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, exists := r.GetReference(id); !exists {
			return ErrReferenceNotFound
		}
		return fmt.Errorf("reference %s no longer holds kind %s", id, expect)
	}
	return nil
}
