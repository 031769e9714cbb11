package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"foreign_keys(1)",
	"busy_timeout(5000)",
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS assets (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	source_path TEXT NOT NULL,
	source_checksum TEXT NOT NULL DEFAULT '',
	thumbnail_url TEXT NOT NULL DEFAULT '',
	master_playlist_path TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assets_status ON assets(status, created_at);
CREATE TABLE IF NOT EXISTS renditions (
	asset_id TEXT NOT NULL REFERENCES assets(id),
	label TEXT NOT NULL,
	bitrate INTEGER NOT NULL,
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	playlist_path TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (asset_id, label)
);
`

// SQLite is a single-node durable Store backed by a SQLite database file.
type SQLite struct {
	db   *sql.DB
	path string
	cfg  commonConfig
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the catalog database at path and
// applies the schema.
func OpenSQLite(path string, opts ...Option) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLite{db: db, path: path, cfg: newCommonConfig(opts)}, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// withTx runs fn inside a transaction, retrying the whole transaction when
// SQLite reports the database as busy.
func (s *SQLite) withTx(ctx context.Context, readOnly bool, fn func(*sql.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *SQLite) InsertAsset(ctx context.Context, asset Asset) error {
	if err := validateNewAsset(asset); err != nil {
		return err
	}
	now := normalizeNow(s.cfg.clock)
	created := asset.CreatedAt.UTC()
	if asset.CreatedAt.IsZero() {
		created = now
	}
	return s.withTx(ctx, false, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM assets WHERE id = ?`, asset.ID).Scan(&exists)
		if err == nil {
			return ErrExists
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check asset %s: %w", asset.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO assets (id, title, source_path, source_checksum, thumbnail_url, master_playlist_path, status, error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
			asset.ID, asset.Title, asset.SourcePath, asset.SourceChecksum, asset.ThumbnailURL,
			asset.MasterPlaylistPath, string(StatusPending), formatTime(created), formatTime(now))
		if err != nil {
			return fmt.Errorf("insert asset %s: %w", asset.ID, err)
		}
		return nil
	})
}

func (s *SQLite) GetAsset(ctx context.Context, id string) (Asset, error) {
	var asset Asset
	err := s.withTx(ctx, true, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
SELECT id, title, source_path, source_checksum, thumbnail_url, master_playlist_path, status, error, created_at, updated_at
FROM assets WHERE id = ?`, strings.TrimSpace(id))
		loaded, err := scanAsset(row)
		if err != nil {
			return err
		}
		renditions, err := queryRenditions(ctx, tx, loaded.ID)
		if err != nil {
			return err
		}
		loaded.Renditions = renditions
		asset = loaded
		return nil
	})
	if err != nil {
		return Asset{}, err
	}
	return asset, nil
}

func (s *SQLite) MarkProcessing(ctx context.Context, id string) error {
	return s.withTx(ctx, false, func(tx *sql.Tx) error {
		if err := checkMutable(ctx, tx, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE assets SET status = ?, updated_at = ? WHERE id = ?`,
			string(StatusProcessing), formatTime(normalizeNow(s.cfg.clock)), id)
		if err != nil {
			return fmt.Errorf("mark asset %s processing: %w", id, err)
		}
		return nil
	})
}

func (s *SQLite) PublishProcessed(ctx context.Context, id, masterPlaylistPath string, renditions []Rendition) error {
	if err := validatePublication(id, renditions); err != nil {
		return err
	}
	now := formatTime(normalizeNow(s.cfg.clock))
	return s.withTx(ctx, false, func(tx *sql.Tx) error {
		if err := checkMutable(ctx, tx, id); err != nil {
			return err
		}
		for _, r := range renditions {
			_, err := tx.ExecContext(ctx, `
INSERT INTO renditions (asset_id, label, bitrate, width, height, playlist_path, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`, id, r.Label, r.Bitrate, r.Width, r.Height, r.PlaylistPath, now)
			if err != nil {
				return fmt.Errorf("insert rendition %s/%s: %w", id, r.Label, err)
			}
		}
		_, err := tx.ExecContext(ctx, `
UPDATE assets SET status = ?, master_playlist_path = ?, error = '', updated_at = ? WHERE id = ?`,
			string(StatusProcessed), masterPlaylistPath, now, id)
		if err != nil {
			return fmt.Errorf("mark asset %s processed: %w", id, err)
		}
		return nil
	})
}

func (s *SQLite) MarkFailed(ctx context.Context, id, reason string) error {
	return s.withTx(ctx, false, func(tx *sql.Tx) error {
		if err := checkMutable(ctx, tx, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE assets SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
			string(StatusFailed), reason, formatTime(normalizeNow(s.cfg.clock)), id)
		if err != nil {
			return fmt.Errorf("mark asset %s failed: %w", id, err)
		}
		return nil
	})
}

func (s *SQLite) ListRecoverable(ctx context.Context) ([]Asset, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, source_path, source_checksum, thumbnail_url, master_playlist_path, status, error, created_at, updated_at
FROM assets WHERE status IN (?, ?) ORDER BY created_at, id`, string(StatusPending), string(StatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("list recoverable assets: %w", err)
	}
	defer rows.Close()
	out := make([]Asset, 0)
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, asset)
	}
	return out, rows.Err()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close(context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func checkMutable(ctx context.Context, tx *sql.Tx, id string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM assets WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load asset %s status: %w", id, err)
	}
	if Status(status).Terminal() {
		return ErrTerminal
	}
	return nil
}

func queryRenditions(ctx context.Context, tx *sql.Tx, id string) ([]Rendition, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT asset_id, label, bitrate, width, height, playlist_path, created_at
FROM renditions WHERE asset_id = ? ORDER BY bitrate, label`, id)
	if err != nil {
		return nil, fmt.Errorf("list renditions for %s: %w", id, err)
	}
	defer rows.Close()
	out := make([]Rendition, 0)
	for rows.Next() {
		var (
			r       Rendition
			created string
		)
		if err := rows.Scan(&r.AssetID, &r.Label, &r.Bitrate, &r.Width, &r.Height, &r.PlaylistPath, &created); err != nil {
			return nil, fmt.Errorf("scan rendition: %w", err)
		}
		if r.CreatedAt, err = parseTimeString(created); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanAsset(scanner interface{ Scan(dest ...any) error }) (Asset, error) {
	var (
		asset            Asset
		status           string
		created, updated string
	)
	err := scanner.Scan(&asset.ID, &asset.Title, &asset.SourcePath, &asset.SourceChecksum, &asset.ThumbnailURL,
		&asset.MasterPlaylistPath, &status, &asset.Error, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, ErrNotFound
	}
	if err != nil {
		return Asset{}, fmt.Errorf("scan asset: %w", err)
	}
	asset.Status = Status(status)
	if !asset.Status.valid() {
		return Asset{}, fmt.Errorf("asset %s has unknown status %q", asset.ID, status)
	}
	if asset.CreatedAt, err = parseTimeString(created); err != nil {
		return Asset{}, err
	}
	if asset.UpdatedAt, err = parseTimeString(updated); err != nil {
		return Asset{}, err
	}
	return asset, nil
}

// sqliteDSN applies the pragmas on every connection the pool opens, not
// just the first one.
func sqliteDSN(path string) string {
	params := url.Values{}
	for _, pragma := range sqlitePragmas {
		params.Add("_pragma", pragma)
	}
	return path + "?" + params.Encode()
}

// formatTime writes a fixed-width UTC timestamp so that text ordering in
// SQL matches time ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTimeString(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}
