package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/feedforge/internal/intel"
)

const runColumns = `id, feed_id, run_trigger, start_time, end_time, status, iocs_processed,
	iocs_added, iocs_updated, error_message, errors`

func scanRun(r rowScanner) (intel.UpdateRun, error) {
	var (
		run       intel.UpdateRun
		start     int64
		end       sql.NullInt64
		errMsg    sql.NullString
		errorList string
	)
	err := r.Scan(&run.ID, &run.FeedID, &run.Trigger, &start, &end, &run.Status,
		&run.IOCsProcessed, &run.IOCsAdded, &run.IOCsUpdated, &errMsg, &errorList)
	if err != nil {
		return run, err
	}
	run.StartTime = fromNanos(start)
	run.EndTime = fromNullNanos(end)
	run.ErrorMessage = fromNullString(errMsg)
	if err := decodeJSON(errorList, &run.Errors); err != nil {
		return run, err
	}
	return run, nil
}

// BeginRun records a new running update for feedID. It fails with a
// concurrent-run error when the feed already has one.
func (s *Store) BeginRun(ctx context.Context, feedID string, trigger intel.RunTrigger, now time.Time) (intel.UpdateRun, error) {
	run := intel.UpdateRun{
		ID:        uuid.NewString(),
		FeedID:    feedID,
		Trigger:   trigger,
		StartTime: now.UTC(),
		Status:    intel.RunRunning,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM feeds WHERE id = ?`, feedID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return intel.NotFoundError("feed", feedID)
		}
		if err != nil {
			return fmt.Errorf("checking feed: %w", err)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO update_runs (id, feed_id, run_trigger, start_time, status)
			VALUES (?, ?, ?, ?, ?)`, run.ID, run.FeedID, run.Trigger, toNanos(run.StartTime), run.Status)
		if isUniqueViolation(err) {
			return intel.ConcurrentRunError(feedID)
		}
		if err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}
		return nil
	})
	return run, err
}

// Finish describes how a run ended.
type Finish struct {
	RunID        string
	Status       intel.RunStatus
	Outcome      intel.RunOutcome
	ErrorMessage string
	// DisableReason, when set, deactivates the feed in the same transaction.
	DisableReason string
	At            time.Time
}

// ErrRunFinished is returned when a run has already reached a terminal state.
var ErrRunFinished = errors.New("run already finished")

// FinishRun sets the terminal fields of a running update exactly once and
// rolls the outcome into the owning feed's counters.
func (s *Store) FinishRun(ctx context.Context, fin Finish) (intel.UpdateRun, error) {
	if fin.Status != intel.RunCompleted && fin.Status != intel.RunFailed {
		return intel.UpdateRun{}, fmt.Errorf("invalid terminal status %q", fin.Status)
	}
	var run intel.UpdateRun
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		errorList := fin.Outcome.Errors
		if errorList == nil {
			errorList = []intel.RecordError{}
		}
		encoded, err := encodeJSON(errorList)
		if err != nil {
			return err
		}
		var errMsg sql.NullString
		if fin.ErrorMessage != "" {
			errMsg = sql.NullString{String: fin.ErrorMessage, Valid: true}
		}

		at := toNanos(fin.At)
		res, err := tx.ExecContext(ctx, `UPDATE update_runs SET
			end_time = ?, status = ?, iocs_processed = ?, iocs_added = ?, iocs_updated = ?,
			error_message = ?, errors = ?
			WHERE id = ? AND status = 'running'`,
			at, fin.Status, fin.Outcome.Processed, fin.Outcome.Added, fin.Outcome.Updated,
			errMsg, encoded, fin.RunID)
		if err != nil {
			return fmt.Errorf("finishing run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM update_runs WHERE id = ?`, fin.RunID)); errors.Is(err, sql.ErrNoRows) {
				return intel.NotFoundError("update run", fin.RunID)
			}
			return ErrRunFinished
		}

		run, err = scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM update_runs WHERE id = ?`, fin.RunID))
		if err != nil {
			return fmt.Errorf("reloading run: %w", err)
		}

		if fin.Status == intel.RunCompleted {
			_, err = tx.ExecContext(ctx, `UPDATE feeds SET
				last_update = ?, last_attempt = ?, consecutive_failures = 0,
				successful_updates = successful_updates + 1,
				total_iocs = (SELECT COUNT(*) FROM iocs WHERE source_feed_id = feeds.id),
				updated_at = ?
				WHERE id = ?`, at, at, at, run.FeedID)
		} else {
			_, err = tx.ExecContext(ctx, `UPDATE feeds SET
				last_attempt = ?, consecutive_failures = consecutive_failures + 1,
				failed_updates = failed_updates + 1, updated_at = ?
				WHERE id = ?`, at, at, run.FeedID)
		}
		if err != nil {
			return fmt.Errorf("updating feed counters: %w", err)
		}

		if fin.DisableReason != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE feeds SET is_active = 0, disabled_reason = ? WHERE id = ?`,
				fin.DisableReason, run.FeedID); err != nil {
				return fmt.Errorf("disabling feed: %w", err)
			}
		}
		return nil
	})
	return run, err
}

// GetRun loads an update run by id.
func (s *Store) GetRun(ctx context.Context, id string) (intel.UpdateRun, error) {
	run, err := scanRun(s.readDB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM update_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return run, intel.NotFoundError("update run", id)
	}
	if err != nil {
		return run, fmt.Errorf("loading run: %w", err)
	}
	return run, nil
}

// ListRuns returns a page of a feed's update history, newest first, with the
// total number of runs.
func (s *Store) ListRuns(ctx context.Context, feedID string, limit, offset int) ([]intel.UpdateRun, int, error) {
	var total int
	if err := s.readDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM update_runs WHERE feed_id = ?`, feedID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting runs: %w", err)
	}

	limit, offset = page(limit, offset, 20, 200)
	return s.queryRuns(ctx, total, `SELECT `+runColumns+` FROM update_runs WHERE feed_id = ?
		ORDER BY start_time DESC, id LIMIT ? OFFSET ?`, feedID, limit, offset)
}

// RunningRuns returns every run still in progress.
func (s *Store) RunningRuns(ctx context.Context) ([]intel.UpdateRun, error) {
	runs, _, err := s.queryRuns(ctx, 0, `SELECT `+runColumns+` FROM update_runs
		WHERE status = 'running' ORDER BY start_time`)
	return runs, err
}

// StaleRuns returns running updates that started before cutoff.
func (s *Store) StaleRuns(ctx context.Context, cutoff time.Time) ([]intel.UpdateRun, error) {
	runs, _, err := s.queryRuns(ctx, 0, `SELECT `+runColumns+` FROM update_runs
		WHERE status = 'running' AND start_time < ? ORDER BY start_time`, toNanos(cutoff))
	return runs, err
}

func (s *Store) queryRuns(ctx context.Context, total int, query string, args ...any) ([]intel.UpdateRun, int, error) {
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []intel.UpdateRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning run: %w", err)
		}
		out = append(out, run)
	}
	return out, total, rows.Err()
}
