// Package metadata persists VideoRecord and its sidecar children (subtitles,
// attachments, chapters, resolutions) to Postgres. Pool setup and operation
// timeouts follow the pgxpool idiom used for session storage elsewhere in
// this codebase: ParseConfig/NewWithConfig once at startup, a bounded
// per-call context, parameterized statements throughout.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/castforge/ingestd/internal/errkind"
	"github.com/castforge/ingestd/internal/models"
)

var ErrNotFound = errors.New("metadata: video not found")

const defaultOperationTimeout = 5 * time.Second

// Store persists video records to Postgres.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// Option configures Store behaviour.
type Option func(*storeOptions)

type storeOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the default per-operation timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(o *storeOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// New opens a Postgres-backed Store using dsn.
func New(dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("metadata: postgres dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("metadata: parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("metadata: open postgres pool: %w", err)
	}
	options := storeOptions{timeout: defaultOperationTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return &Store{pool: pool, timeout: options.timeout}, nil
}

func (s *Store) operationContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, s.timeout)
}

// Close releases the pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	_, err = conn.Exec(ctx, "SELECT 1")
	return err
}

// CommitVideo writes a fully-encoded video and its sidecar rows in a single
// transaction, satisfying the schema's at-most-once commit invariant: a
// video only becomes visible to readers once every row lands together.
func (s *Store) CommitVideo(ctx context.Context, rec models.VideoRecord) error {
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errkind.Wrap(errkind.MetadataFailed, "begin transaction", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO videos (id, name, tags, duration_seconds, width, height, playlist_url, player_url, thumbnail_url, sidecars_ready, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name, tags = EXCLUDED.tags, duration_seconds = EXCLUDED.duration_seconds,
  width = EXCLUDED.width, height = EXCLUDED.height, playlist_url = EXCLUDED.playlist_url,
  player_url = EXCLUDED.player_url, thumbnail_url = EXCLUDED.thumbnail_url, sidecars_ready = EXCLUDED.sidecars_ready
`, rec.ID, rec.Name, rec.Tags, rec.DurationSeconds, rec.Width, rec.Height, rec.PlaylistURL, rec.PlayerURL, rec.ThumbnailURL, rec.SidecarsReady, rec.CreatedAt.UTC())
	if err != nil {
		return errkind.Wrap(errkind.MetadataFailed, "insert video row", err)
	}

	for _, height := range rec.AvailableResolutions {
		_, err = tx.Exec(ctx, `
INSERT INTO video_resolutions (video_id, height)
VALUES ($1, $2)
ON CONFLICT (video_id, height) DO NOTHING
`, rec.ID, height)
		if err != nil {
			return errkind.Wrap(errkind.MetadataFailed, "insert resolution row", err)
		}
	}

	for _, sub := range rec.Subtitles {
		_, err = tx.Exec(ctx, `
INSERT INTO subtitles (video_id, track, language, url)
VALUES ($1, $2, $3, $4)
ON CONFLICT (video_id, track) DO UPDATE SET language = EXCLUDED.language, url = EXCLUDED.url
`, rec.ID, sub.Track, sub.Language, sub.URL)
		if err != nil {
			return errkind.Wrap(errkind.MetadataFailed, "insert subtitle row", err)
		}
	}

	for _, att := range rec.Attachments {
		_, err = tx.Exec(ctx, `
INSERT INTO attachments (video_id, filename, mime, url)
VALUES ($1, $2, $3, $4)
ON CONFLICT (video_id, filename) DO UPDATE SET mime = EXCLUDED.mime, url = EXCLUDED.url
`, rec.ID, att.Filename, att.Mime, att.URL)
		if err != nil {
			return errkind.Wrap(errkind.MetadataFailed, "insert attachment row", err)
		}
	}

	for _, ch := range rec.Chapters {
		_, err = tx.Exec(ctx, `
INSERT INTO chapters (video_id, idx, start_ms, end_ms, title)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (video_id, idx) DO UPDATE SET start_ms = EXCLUDED.start_ms, end_ms = EXCLUDED.end_ms, title = EXCLUDED.title
`, rec.ID, ch.Index, ch.StartMS, ch.EndMS, ch.Title)
		if err != nil {
			return errkind.Wrap(errkind.MetadataFailed, "insert chapter row", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errkind.Wrap(errkind.MetadataFailed, "commit transaction", err)
	}
	return nil
}

// Get fetches a video and all its sidecar rows.
func (s *Store) Get(ctx context.Context, id string) (models.VideoRecord, error) {
	ctx, cancel := s.operationContext(ctx)
	defer cancel()

	var rec models.VideoRecord
	row := s.pool.QueryRow(ctx, `
SELECT id, name, tags, duration_seconds, width, height, playlist_url, player_url, thumbnail_url, view_count, sidecars_ready, created_at
FROM videos WHERE id = $1
`, id)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Tags, &rec.DurationSeconds, &rec.Width, &rec.Height, &rec.PlaylistURL, &rec.PlayerURL, &rec.ThumbnailURL, &rec.ViewCount, &rec.SidecarsReady, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.VideoRecord{}, ErrNotFound
		}
		return models.VideoRecord{}, errkind.Wrap(errkind.MetadataFailed, "query video", err)
	}

	resRows, err := s.pool.Query(ctx, `SELECT height FROM video_resolutions WHERE video_id = $1 ORDER BY height DESC`, id)
	if err != nil {
		return models.VideoRecord{}, errkind.Wrap(errkind.MetadataFailed, "query resolutions", err)
	}
	defer resRows.Close()
	for resRows.Next() {
		var height int
		if err := resRows.Scan(&height); err != nil {
			return models.VideoRecord{}, errkind.Wrap(errkind.MetadataFailed, "scan resolution", err)
		}
		rec.AvailableResolutions = append(rec.AvailableResolutions, height)
	}

	subRows, err := s.pool.Query(ctx, `SELECT track, language, url FROM subtitles WHERE video_id = $1 ORDER BY track`, id)
	if err != nil {
		return models.VideoRecord{}, errkind.Wrap(errkind.MetadataFailed, "query subtitles", err)
	}
	defer subRows.Close()
	for subRows.Next() {
		var sub models.SubtitleTrack
		if err := subRows.Scan(&sub.Track, &sub.Language, &sub.URL); err != nil {
			return models.VideoRecord{}, errkind.Wrap(errkind.MetadataFailed, "scan subtitle", err)
		}
		rec.Subtitles = append(rec.Subtitles, sub)
	}

	attRows, err := s.pool.Query(ctx, `SELECT filename, mime, url FROM attachments WHERE video_id = $1 ORDER BY filename`, id)
	if err != nil {
		return models.VideoRecord{}, errkind.Wrap(errkind.MetadataFailed, "query attachments", err)
	}
	defer attRows.Close()
	for attRows.Next() {
		var att models.Attachment
		if err := attRows.Scan(&att.Filename, &att.Mime, &att.URL); err != nil {
			return models.VideoRecord{}, errkind.Wrap(errkind.MetadataFailed, "scan attachment", err)
		}
		rec.Attachments = append(rec.Attachments, att)
	}

	chRows, err := s.pool.Query(ctx, `SELECT idx, start_ms, end_ms, title FROM chapters WHERE video_id = $1 ORDER BY idx`, id)
	if err != nil {
		return models.VideoRecord{}, errkind.Wrap(errkind.MetadataFailed, "query chapters", err)
	}
	defer chRows.Close()
	for chRows.Next() {
		var ch models.Chapter
		if err := chRows.Scan(&ch.Index, &ch.StartMS, &ch.EndMS, &ch.Title); err != nil {
			return models.VideoRecord{}, errkind.Wrap(errkind.MetadataFailed, "scan chapter", err)
		}
		rec.Chapters = append(rec.Chapters, ch)
	}

	return rec, nil
}

// List returns every video, most recent first.
func (s *Store) List(ctx context.Context) ([]models.VideoRecord, error) {
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
SELECT id, name, tags, duration_seconds, width, height, playlist_url, player_url, thumbnail_url, view_count, sidecars_ready, created_at
FROM videos ORDER BY created_at DESC
`)
	if err != nil {
		return nil, errkind.Wrap(errkind.MetadataFailed, "query videos", err)
	}
	defer rows.Close()
	var out []models.VideoRecord
	for rows.Next() {
		var rec models.VideoRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Tags, &rec.DurationSeconds, &rec.Width, &rec.Height, &rec.PlaylistURL, &rec.PlayerURL, &rec.ThumbnailURL, &rec.ViewCount, &rec.SidecarsReady, &rec.CreatedAt); err != nil {
			return nil, errkind.Wrap(errkind.MetadataFailed, "scan video", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Update applies a partial edit to a video's name/tags.
func (s *Store) Update(ctx context.Context, id string, upd models.VideoUpdate) error {
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
UPDATE videos SET
  name = COALESCE($2, name),
  tags = COALESCE($3, tags)
WHERE id = $1
`, id, upd.Name, upd.Tags)
	if err != nil {
		return errkind.Wrap(errkind.MetadataFailed, "update video", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a video and its sidecar rows (cascade is declared on the
// foreign keys in the schema migration).
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return errkind.Wrap(errkind.MetadataFailed, "delete video", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementViewCount bumps the video's view_count column by one. The
// analytics heartbeat endpoint counts views in Redis and does not call it.
func (s *Store) IncrementViewCount(ctx context.Context, id string) error {
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `UPDATE videos SET view_count = view_count + 1 WHERE id = $1`, id)
	if err != nil {
		return errkind.Wrap(errkind.MetadataFailed, "increment view count", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
