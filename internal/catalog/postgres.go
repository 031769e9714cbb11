package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig describes how the catalog initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	Clock               func() time.Time
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS assets (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	source_path TEXT NOT NULL,
	source_checksum TEXT NOT NULL DEFAULT '',
	thumbnail_url TEXT NOT NULL DEFAULT '',
	master_playlist_path TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assets_status ON assets (status, created_at);
CREATE TABLE IF NOT EXISTS renditions (
	asset_id TEXT NOT NULL REFERENCES assets (id),
	label TEXT NOT NULL,
	bitrate INTEGER NOT NULL,
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	playlist_path TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (asset_id, label)
);
`

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool  *pgxpool.Pool
	cfg   PostgresConfig
	clock func() time.Time
}

var _ Store = (*Postgres)(nil)

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:   dsn,
		Clock: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	return cfg
}

// OpenPostgres opens a pool against dsn. Call EnsureSchema before use on a
// fresh database.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Postgres, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
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
	return &Postgres{pool: pool, cfg: cfg, clock: cfg.Clock}, nil
}

// EnsureSchema creates the catalog tables when they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	return p.withTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, postgresSchema); err != nil {
			return fmt.Errorf("apply postgres schema: %w", err)
		}
		return nil
	})
}

func (p *Postgres) withTx(ctx context.Context, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	if p == nil || p.pool == nil {
		return errors.New("postgres catalog not configured")
	}
	tx, err := p.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(context.WithoutCancel(ctx))
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}

func (p *Postgres) InsertAsset(ctx context.Context, asset Asset) error {
	if err := validateNewAsset(asset); err != nil {
		return err
	}
	now := normalizeNow(p.clock)
	created := asset.CreatedAt.UTC()
	if asset.CreatedAt.IsZero() {
		created = now
	}
	return p.withTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
INSERT INTO assets (id, title, source_path, source_checksum, thumbnail_url, master_playlist_path, status, error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, '', $8, $9)
ON CONFLICT (id) DO NOTHING`,
			asset.ID, asset.Title, asset.SourcePath, asset.SourceChecksum, asset.ThumbnailURL,
			asset.MasterPlaylistPath, string(StatusPending), created, now)
		if err != nil {
			return fmt.Errorf("insert asset %s: %w", asset.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrExists
		}
		return nil
	})
}

// GetAsset reads the asset and its renditions under REPEATABLE READ so both
// queries observe the same snapshot.
func (p *Postgres) GetAsset(ctx context.Context, id string) (Asset, error) {
	var asset Asset
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := p.withTx(ctx, opts, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
SELECT id, title, source_path, source_checksum, thumbnail_url, master_playlist_path, status, error, created_at, updated_at
FROM assets WHERE id = $1`, strings.TrimSpace(id))
		loaded, err := scanPostgresAsset(row)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
SELECT asset_id, label, bitrate, width, height, playlist_path, created_at
FROM renditions WHERE asset_id = $1 ORDER BY bitrate, label`, loaded.ID)
		if err != nil {
			return fmt.Errorf("list renditions for %s: %w", loaded.ID, err)
		}
		defer rows.Close()
		loaded.Renditions = make([]Rendition, 0)
		for rows.Next() {
			var r Rendition
			if err := rows.Scan(&r.AssetID, &r.Label, &r.Bitrate, &r.Width, &r.Height, &r.PlaylistPath, &r.CreatedAt); err != nil {
				return fmt.Errorf("scan rendition: %w", err)
			}
			r.CreatedAt = r.CreatedAt.UTC()
			loaded.Renditions = append(loaded.Renditions, r)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("list renditions for %s: %w", loaded.ID, err)
		}
		asset = loaded
		return nil
	})
	if err != nil {
		return Asset{}, err
	}
	return asset, nil
}

func (p *Postgres) MarkProcessing(ctx context.Context, id string) error {
	return p.withTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := lockMutable(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE assets SET status = $1, updated_at = $2 WHERE id = $3`,
			string(StatusProcessing), normalizeNow(p.clock), id); err != nil {
			return fmt.Errorf("mark asset %s processing: %w", id, err)
		}
		return nil
	})
}

func (p *Postgres) PublishProcessed(ctx context.Context, id, masterPlaylistPath string, renditions []Rendition) error {
	if err := validatePublication(id, renditions); err != nil {
		return err
	}
	now := normalizeNow(p.clock)
	return p.withTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := lockMutable(ctx, tx, id); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, r := range renditions {
			batch.Queue(`
INSERT INTO renditions (asset_id, label, bitrate, width, height, playlist_path, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, id, r.Label, r.Bitrate, r.Width, r.Height, r.PlaylistPath, now)
		}
		batch.Queue(`
UPDATE assets SET status = $1, master_playlist_path = $2, error = '', updated_at = $3 WHERE id = $4`,
			string(StatusProcessed), masterPlaylistPath, now, id)
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("publish asset %s: %w", id, err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("publish asset %s: %w", id, err)
		}
		return nil
	})
}

func (p *Postgres) MarkFailed(ctx context.Context, id, reason string) error {
	return p.withTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := lockMutable(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE assets SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
			string(StatusFailed), reason, normalizeNow(p.clock), id); err != nil {
			return fmt.Errorf("mark asset %s failed: %w", id, err)
		}
		return nil
	})
}

func (p *Postgres) ListRecoverable(ctx context.Context) ([]Asset, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, title, source_path, source_checksum, thumbnail_url, master_playlist_path, status, error, created_at, updated_at
FROM assets WHERE status IN ($1, $2) ORDER BY created_at, id`, string(StatusPending), string(StatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("list recoverable assets: %w", err)
	}
	defer rows.Close()
	out := make([]Asset, 0)
	for rows.Next() {
		asset, err := scanPostgresAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, asset)
	}
	return out, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return errors.New("postgres catalog not configured")
	}
	return p.pool.Ping(ctx)
}

// Close releases the pool, giving up when ctx ends first.
func (p *Postgres) Close(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// lockMutable takes a row lock on the asset and rejects terminal states.
func lockMutable(ctx context.Context, tx pgx.Tx, id string) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM assets WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if isNoRows(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock asset %s: %w", id, err)
	}
	if Status(status).Terminal() {
		return ErrTerminal
	}
	return nil
}

func scanPostgresAsset(row pgx.Row) (Asset, error) {
	var (
		asset  Asset
		status string
	)
	err := row.Scan(&asset.ID, &asset.Title, &asset.SourcePath, &asset.SourceChecksum, &asset.ThumbnailURL,
		&asset.MasterPlaylistPath, &status, &asset.Error, &asset.CreatedAt, &asset.UpdatedAt)
	if isNoRows(err) {
		return Asset{}, ErrNotFound
	}
	if err != nil {
		return Asset{}, fmt.Errorf("scan asset: %w", err)
	}
	asset.Status = Status(status)
	if !asset.Status.valid() {
		return Asset{}, fmt.Errorf("asset %s has unknown status %q", asset.ID, status)
	}
	asset.CreatedAt = asset.CreatedAt.UTC()
	asset.UpdatedAt = asset.UpdatedAt.UTC()
	return asset, nil
}
