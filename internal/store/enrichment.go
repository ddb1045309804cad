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

const sourceColumns = `id, name, source_type, provider, is_active, rate_limit, timeout_ms, config,
	total_queries, successful_queries, failed_queries, created_at`

func scanSource(r rowScanner) (intel.EnrichmentSource, error) {
	var (
		src       intel.EnrichmentSource
		active    int
		config    string
		createdAt int64
	)
	err := r.Scan(&src.ID, &src.Name, &src.SourceType, &src.Provider, &active, &src.RateLimit,
		&src.TimeoutMS, &config, &src.TotalQueries, &src.SuccessfulQueries, &src.FailedQueries, &createdAt)
	if err != nil {
		return src, err
	}
	src.IsActive = active == 1
	src.CreatedAt = fromNanos(createdAt)
	src.Config = map[string]string{}
	if err := decodeJSON(config, &src.Config); err != nil {
		return src, err
	}
	return src, nil
}

// CreateSource stores a new enrichment source. Names are unique.
func (s *Store) CreateSource(ctx context.Context, src intel.EnrichmentSource) error {
	if src.Config == nil {
		src.Config = map[string]string{}
	}
	config, err := encodeJSON(src.Config)
	if err != nil {
		return err
	}
	_, err = s.writeDB.ExecContext(ctx, `INSERT INTO enrichment_sources (`+sourceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.Name, src.SourceType, src.Provider, boolInt(src.IsActive), src.RateLimit,
		src.TimeoutMS, config, src.TotalQueries, src.SuccessfulQueries, src.FailedQueries,
		toNanos(src.CreatedAt))
	if isUniqueViolation(err) {
		return intel.ConflictError("enrichment source named %q already exists", src.Name)
	}
	if err != nil {
		return fmt.Errorf("inserting enrichment source: %w", err)
	}
	return nil
}

// GetSource loads an enrichment source by id.
func (s *Store) GetSource(ctx context.Context, id string) (intel.EnrichmentSource, error) {
	src, err := scanSource(s.readDB.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM enrichment_sources WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return src, intel.NotFoundError("enrichment source", id)
	}
	if err != nil {
		return src, fmt.Errorf("loading enrichment source: %w", err)
	}
	return src, nil
}

// ListSources returns enrichment sources ordered by name.
func (s *Store) ListSources(ctx context.Context, activeOnly bool) ([]intel.EnrichmentSource, error) {
	query := `SELECT ` + sourceColumns + ` FROM enrichment_sources`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	rows, err := s.readDB.QueryContext(ctx, query+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing enrichment sources: %w", err)
	}
	defer rows.Close()

	var out []intel.EnrichmentSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning enrichment source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// RecordQuery counts one query attempt against a source.
func (s *Store) RecordQuery(ctx context.Context, sourceID string, success bool) error {
	col := "failed_queries"
	if success {
		col = "successful_queries"
	}
	_, err := s.writeDB.ExecContext(ctx, `UPDATE enrichment_sources
		SET total_queries = total_queries + 1, `+col+` = `+col+` + 1 WHERE id = ?`, sourceID)
	if err != nil {
		return fmt.Errorf("recording query: %w", err)
	}
	return nil
}

// AddResult appends an enrichment result. Older results are kept.
func (s *Store) AddResult(ctx context.Context, res intel.EnrichmentResult) (intel.EnrichmentResult, error) {
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.Payload == nil {
		res.Payload = map[string]any{}
	}
	payload, err := encodeJSON(res.Payload)
	if err != nil {
		return res, err
	}
	_, err = s.writeDB.ExecContext(ctx, `INSERT INTO enrichment_results (id, ioc_id, source_id, source_type, payload, queried_at)
		VALUES (?, ?, ?, ?, ?, ?)`, res.ID, res.IOCID, res.SourceID, res.SourceType, payload, toNanos(res.QueriedAt))
	if err != nil {
		return res, fmt.Errorf("inserting enrichment result: %w", err)
	}
	return res, nil
}

// LatestResults returns the most recent result per source type for an
// indicator. Ties on queried_at go to the later insert.
func (s *Store) LatestResults(ctx context.Context, iocID string) (map[string]intel.EnrichmentResult, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT id, ioc_id, source_id, source_type, payload, queried_at
		FROM enrichment_results WHERE ioc_id = ?
		ORDER BY source_type, queried_at DESC, seq DESC`, iocID)
	if err != nil {
		return nil, fmt.Errorf("listing enrichment results: %w", err)
	}
	defer rows.Close()

	out := map[string]intel.EnrichmentResult{}
	for rows.Next() {
		var (
			res     intel.EnrichmentResult
			payload string
			queried int64
		)
		if err := rows.Scan(&res.ID, &res.IOCID, &res.SourceID, &res.SourceType, &payload, &queried); err != nil {
			return nil, fmt.Errorf("scanning enrichment result: %w", err)
		}
		if _, seen := out[res.SourceType]; seen {
			continue
		}
		res.QueriedAt = fromNanos(queried)
		if err := decodeJSON(payload, &res.Payload); err != nil {
			return nil, err
		}
		out[res.SourceType] = res
	}
	return out, rows.Err()
}

// CountResults returns how many results, including superseded ones, exist
// for an indicator.
func (s *Store) CountResults(ctx context.Context, iocID string) (int, error) {
	var n int
	err := s.readDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM enrichment_results WHERE ioc_id = ?`, iocID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting enrichment results: %w", err)
	}
	return n, nil
}

// EnsureSource returns the source named src.Name, creating it if absent.
func (s *Store) EnsureSource(ctx context.Context, src intel.EnrichmentSource) (intel.EnrichmentSource, bool, error) {
	rows, err := s.ListSources(ctx, false)
	if err != nil {
		return src, false, err
	}
	for _, existing := range rows {
		if existing.Name == src.Name {
			return existing, false, nil
		}
	}
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	if err := s.CreateSource(ctx, src); err != nil {
		return src, false, err
	}
	return src, true, nil
}
