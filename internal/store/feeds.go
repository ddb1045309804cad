package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lvonguyen/feedforge/internal/intel"
)

const feedColumns = `id, name, type, url, reliability, confidence, update_frequency, is_active,
	config, last_update, last_attempt, consecutive_failures, successful_updates,
	failed_updates, total_iocs, disabled_reason, created_at, updated_at`

func scanFeed(r rowScanner) (intel.Feed, error) {
	var (
		f                    intel.Feed
		url                  sql.NullString
		active               int
		config               string
		lastUpdate, lastTry  sql.NullInt64
		createdAt, updatedAt int64
	)
	err := r.Scan(&f.ID, &f.Name, &f.Type, &url, &f.Reliability, &f.Confidence,
		&f.UpdateFrequency, &active, &config, &lastUpdate, &lastTry,
		&f.ConsecutiveFailures, &f.SuccessfulUpdates, &f.FailedUpdates, &f.TotalIOCs,
		&f.DisabledReason, &createdAt, &updatedAt)
	if err != nil {
		return f, err
	}
	f.URL = fromNullString(url)
	f.IsActive = active == 1
	f.LastUpdate = fromNullNanos(lastUpdate)
	f.LastAttempt = fromNullNanos(lastTry)
	f.CreatedAt = fromNanos(createdAt)
	f.UpdatedAt = fromNanos(updatedAt)
	f.Config = map[string]string{}
	if err := decodeJSON(config, &f.Config); err != nil {
		return f, err
	}
	return f, nil
}

// CreateFeed stores a new feed. Names are unique.
func (s *Store) CreateFeed(ctx context.Context, f intel.Feed) error {
	if f.Config == nil {
		f.Config = map[string]string{}
	}
	config, err := encodeJSON(f.Config)
	if err != nil {
		return err
	}
	_, err = s.writeDB.ExecContext(ctx, `INSERT INTO feeds (`+feedColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, f.Type, toNullString(f.URL), f.Reliability, f.Confidence,
		f.UpdateFrequency, boolInt(f.IsActive), config, toNullNanos(f.LastUpdate),
		toNullNanos(f.LastAttempt), f.ConsecutiveFailures, f.SuccessfulUpdates,
		f.FailedUpdates, f.TotalIOCs, f.DisabledReason, toNanos(f.CreatedAt), toNanos(f.UpdatedAt))
	if isUniqueViolation(err) {
		return intel.ConflictError("feed named %q already exists", f.Name)
	}
	if err != nil {
		return fmt.Errorf("inserting feed: %w", err)
	}
	return nil
}

// UpdateFeed saves the operator-editable fields of a feed. Run bookkeeping
// columns are owned by FinishRun and are not touched here.
func (s *Store) UpdateFeed(ctx context.Context, f intel.Feed) error {
	if f.Config == nil {
		f.Config = map[string]string{}
	}
	config, err := encodeJSON(f.Config)
	if err != nil {
		return err
	}
	res, err := s.writeDB.ExecContext(ctx, `UPDATE feeds SET
		name = ?, type = ?, url = ?, reliability = ?, confidence = ?, update_frequency = ?,
		is_active = ?, config = ?, disabled_reason = ?, updated_at = ?
		WHERE id = ?`,
		f.Name, f.Type, toNullString(f.URL), f.Reliability, f.Confidence, f.UpdateFrequency,
		boolInt(f.IsActive), config, f.DisabledReason, toNanos(f.UpdatedAt), f.ID)
	if isUniqueViolation(err) {
		return intel.ConflictError("feed named %q already exists", f.Name)
	}
	if err != nil {
		return fmt.Errorf("updating feed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return intel.NotFoundError("feed", f.ID)
	}
	return nil
}

// GetFeed loads a feed by id.
func (s *Store) GetFeed(ctx context.Context, id string) (intel.Feed, error) {
	return s.getFeed(ctx, s.readDB, `id = ?`, id)
}

// GetFeedByName loads a feed by its unique name.
func (s *Store) GetFeedByName(ctx context.Context, name string) (intel.Feed, error) {
	return s.getFeed(ctx, s.readDB, `name = ?`, name)
}

func (s *Store) getFeed(ctx context.Context, q querier, cond string, arg string) (intel.Feed, error) {
	f, err := scanFeed(q.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE `+cond, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return f, intel.NotFoundError("feed", arg)
	}
	if err != nil {
		return f, fmt.Errorf("loading feed: %w", err)
	}
	return f, nil
}

// ListFeeds returns all feeds ordered by name. The manual-import pseudo-feed
// is excluded unless includeManual is set.
func (s *Store) ListFeeds(ctx context.Context, includeManual bool) ([]intel.Feed, error) {
	query := `SELECT ` + feedColumns + ` FROM feeds`
	var args []any
	if !includeManual {
		query += ` WHERE type != ?`
		args = append(args, intel.FeedTypeManual)
	}
	rows, err := s.readDB.QueryContext(ctx, query+` ORDER BY name`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}
	defer rows.Close()

	var out []intel.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning feed: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SchedulableFeed is an active feed together with whether it has a run in
// progress.
type SchedulableFeed struct {
	Feed    intel.Feed
	Running bool
}

// ListActiveFeeds returns every active, non-manual feed and marks those with
// a running update.
func (s *Store) ListActiveFeeds(ctx context.Context) ([]SchedulableFeed, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT `+feedColumns+`,
		EXISTS (SELECT 1 FROM update_runs r WHERE r.feed_id = feeds.id AND r.status = 'running')
		FROM feeds WHERE is_active = 1 AND type != ? ORDER BY name`, intel.FeedTypeManual)
	if err != nil {
		return nil, fmt.Errorf("listing active feeds: %w", err)
	}
	defer rows.Close()

	var out []SchedulableFeed
	for rows.Next() {
		var (
			sf      SchedulableFeed
			running int
		)
		sf.Feed, err = scanFeed(scanTail{rows, &running})
		if err != nil {
			return nil, fmt.Errorf("scanning feed: %w", err)
		}
		sf.Running = running == 1
		out = append(out, sf)
	}
	return out, rows.Err()
}

// scanTail appends extra destinations after a fixed column list.
type scanTail struct {
	r     rowScanner
	extra any
}

func (t scanTail) Scan(dest ...any) error {
	return t.r.Scan(append(dest, t.extra)...)
}

// DeleteFeed removes a feed; its update runs cascade.
func (s *Store) DeleteFeed(ctx context.Context, id string) error {
	res, err := s.writeDB.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting feed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return intel.NotFoundError("feed", id)
	}
	return nil
}

// EnsureFeed returns the feed with f.Name, creating it from f if absent.
func (s *Store) EnsureFeed(ctx context.Context, f intel.Feed) (intel.Feed, error) {
	existing, err := s.GetFeedByName(ctx, f.Name)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, intel.ErrNotFound) {
		return existing, err
	}
	if err := s.CreateFeed(ctx, f); err != nil && !errors.Is(err, intel.ErrConflict) {
		return f, err
	}
	return s.GetFeedByName(ctx, f.Name)
}

// SetFeedActive toggles scheduling for a feed and records why.
func (s *Store) SetFeedActive(ctx context.Context, id string, active bool, reason string, now time.Time) error {
	res, err := s.writeDB.ExecContext(ctx, `UPDATE feeds SET is_active = ?, disabled_reason = ?, updated_at = ?
		WHERE id = ?`, boolInt(active), reason, toNanos(now), id)
	if err != nil {
		return fmt.Errorf("updating feed state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return intel.NotFoundError("feed", id)
	}
	return nil
}
