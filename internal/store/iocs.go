package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/feedforge/internal/intel"
)

const iocColumns = `id, type, value, normalized_value, severity, confidence, tlp, is_active,
	first_seen, last_seen, source_feed_id, source_reliability, description, tags,
	threat_family_id, expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIOC(r rowScanner) (intel.IOC, error) {
	var (
		ioc                                       intel.IOC
		active                                    int
		firstSeen, lastSeen, createdAt, updatedAt int64
		feedID, familyID                          sql.NullString
		expiresAt                                 sql.NullInt64
		tags                                      string
	)
	err := r.Scan(&ioc.ID, &ioc.Type, &ioc.Value, &ioc.NormalizedValue, &ioc.Severity,
		&ioc.Confidence, &ioc.TLP, &active, &firstSeen, &lastSeen, &feedID,
		&ioc.SourceReliability, &ioc.Description, &tags, &familyID, &expiresAt,
		&createdAt, &updatedAt)
	if err != nil {
		return ioc, err
	}
	ioc.IsActive = active == 1
	ioc.FirstSeen = fromNanos(firstSeen)
	ioc.LastSeen = fromNanos(lastSeen)
	ioc.CreatedAt = fromNanos(createdAt)
	ioc.UpdatedAt = fromNanos(updatedAt)
	ioc.SourceFeedID = fromNullString(feedID)
	ioc.ThreatFamilyID = fromNullString(familyID)
	ioc.ExpiresAt = fromNullNanos(expiresAt)
	ioc.Tags = []string{}
	if err := decodeJSON(tags, &ioc.Tags); err != nil {
		return ioc, err
	}
	return ioc, nil
}

func iocArgs(ioc intel.IOC) ([]any, error) {
	if ioc.Tags == nil {
		ioc.Tags = []string{}
	}
	tags, err := encodeJSON(ioc.Tags)
	if err != nil {
		return nil, err
	}
	return []any{
		ioc.ID, ioc.Type, ioc.Value, ioc.NormalizedValue, ioc.Severity, ioc.Confidence,
		ioc.TLP, boolInt(ioc.IsActive), toNanos(ioc.FirstSeen), toNanos(ioc.LastSeen),
		toNullString(ioc.SourceFeedID), ioc.SourceReliability, ioc.Description, tags,
		toNullString(ioc.ThreatFamilyID), toNullNanos(ioc.ExpiresAt),
		toNanos(ioc.CreatedAt), toNanos(ioc.UpdatedAt),
	}, nil
}

func insertIOC(ctx context.Context, q querier, ioc intel.IOC) error {
	args, err := iocArgs(ioc)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO iocs (`+iocColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if isUniqueViolation(err) {
		return intel.ConflictError("ioc %s:%s already exists", ioc.Type, ioc.NormalizedValue)
	}
	if err != nil {
		return fmt.Errorf("inserting ioc: %w", err)
	}
	return nil
}

func updateIOC(ctx context.Context, q querier, ioc intel.IOC) error {
	args, err := iocArgs(ioc)
	if err != nil {
		return err
	}
	// Reorder: every column but id, then id for the WHERE clause.
	args = append(args[1:], args[0])
	res, err := q.ExecContext(ctx, `UPDATE iocs SET
		type = ?, value = ?, normalized_value = ?, severity = ?, confidence = ?, tlp = ?,
		is_active = ?, first_seen = ?, last_seen = ?, source_feed_id = ?,
		source_reliability = ?, description = ?, tags = ?, threat_family_id = ?,
		expires_at = ?, created_at = ?, updated_at = ?
		WHERE id = ?`, args...)
	if isUniqueViolation(err) {
		return intel.ConflictError("ioc %s:%s already exists", ioc.Type, ioc.NormalizedValue)
	}
	if err != nil {
		return fmt.Errorf("updating ioc: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return intel.NotFoundError("ioc", ioc.ID)
	}
	return nil
}

func getIOCByKey(ctx context.Context, q querier, t intel.IOCType, normalized string) (intel.IOC, error) {
	row := q.QueryRowContext(ctx, `SELECT `+iocColumns+` FROM iocs WHERE type = ? AND normalized_value = ?`, t, normalized)
	ioc, err := scanIOC(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ioc, intel.NotFoundError("ioc", string(t)+":"+normalized)
	}
	if err != nil {
		return ioc, fmt.Errorf("loading ioc by key: %w", err)
	}
	return ioc, nil
}

// UpsertResult reports what an upsert did.
type UpsertResult struct {
	IOC     intel.IOC
	Created bool
}

// Upsert inserts a prepared candidate or merges it into the indicator with
// the same dedup key. c must have passed intel.Prepare.
func (s *Store) Upsert(ctx context.Context, c intel.Candidate, normalized string, now time.Time) (UpsertResult, error) {
	var res UpsertResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getIOCByKey(ctx, tx, c.Type, normalized)
		switch {
		case errors.Is(err, intel.ErrNotFound):
			res.IOC = intel.NewIOC(uuid.NewString(), c, normalized, now)
			res.Created = true
			return insertIOC(ctx, tx, res.IOC)
		case err != nil:
			return err
		}

		merged := intel.Merge(existing, c, *c.Confidence, now)
		merged.UpdatedAt = now
		res.IOC = merged
		return updateIOC(ctx, tx, merged)
	})
	return res, err
}

// CreateIOC stores a new indicator, failing with a conflict if its key exists.
func (s *Store) CreateIOC(ctx context.Context, ioc intel.IOC) error {
	return insertIOC(ctx, s.writeDB, ioc)
}

// UpdateIOC overwrites an indicator. This is the manual-edit path and applies
// no monotonicity rules.
func (s *Store) UpdateIOC(ctx context.Context, ioc intel.IOC) error {
	return updateIOC(ctx, s.writeDB, ioc)
}

// GetIOC loads an indicator by id.
func (s *Store) GetIOC(ctx context.Context, id string) (intel.IOC, error) {
	row := s.readDB.QueryRowContext(ctx, `SELECT `+iocColumns+` FROM iocs WHERE id = ?`, id)
	ioc, err := scanIOC(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ioc, intel.NotFoundError("ioc", id)
	}
	if err != nil {
		return ioc, fmt.Errorf("loading ioc: %w", err)
	}
	return ioc, nil
}

// GetIOCByKey loads an indicator by its dedup key.
func (s *Store) GetIOCByKey(ctx context.Context, t intel.IOCType, normalized string) (intel.IOC, error) {
	return getIOCByKey(ctx, s.readDB, t, normalized)
}

// DeleteIOC soft-deletes an indicator, or removes it when hard is set.
func (s *Store) DeleteIOC(ctx context.Context, id string, hard bool, now time.Time) error {
	var (
		res sql.Result
		err error
	)
	if hard {
		res, err = s.writeDB.ExecContext(ctx, `DELETE FROM iocs WHERE id = ?`, id)
	} else {
		res, err = s.writeDB.ExecContext(ctx, `UPDATE iocs SET is_active = 0, updated_at = ? WHERE id = ?`, toNanos(now), id)
	}
	if err != nil {
		return fmt.Errorf("deleting ioc: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return intel.NotFoundError("ioc", id)
	}
	return nil
}

// RaiseConfidence sets confidence to max(current, confidence).
func (s *Store) RaiseConfidence(ctx context.Context, id string, confidence float64, now time.Time) error {
	_, err := s.writeDB.ExecContext(ctx, `UPDATE iocs SET confidence = ?, updated_at = ?
		WHERE id = ? AND confidence < ?`, confidence, toNanos(now), id, confidence)
	if err != nil {
		return fmt.Errorf("raising confidence: %w", err)
	}
	return nil
}

// ExpireIOCs deactivates indicators whose expiry has passed.
func (s *Store) ExpireIOCs(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.writeDB.ExecContext(ctx, `UPDATE iocs SET is_active = 0, updated_at = ?
		WHERE is_active = 1 AND expires_at IS NOT NULL AND expires_at <= ?`, toNanos(now), toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("expiring iocs: %w", err)
	}
	return res.RowsAffected()
}

// IOCFilter narrows an indicator listing. Zero values do not filter.
type IOCFilter struct {
	Types          []intel.IOCType  `json:"types,omitempty"`
	Severities     []intel.Severity `json:"severities,omitempty"`
	TLPs           []intel.TLP      `json:"tlp,omitempty"`
	Active         *bool            `json:"is_active,omitempty"`
	MinConfidence  *float64         `json:"confidence_min,omitempty"`
	MaxConfidence  *float64         `json:"confidence_max,omitempty"`
	SourceFeedIDs  []string         `json:"source_ids,omitempty"`
	ThreatFamilyID string           `json:"threat_family_id,omitempty"`
	Query          string           `json:"query,omitempty"`
	Since          *time.Time       `json:"date_from,omitempty"`
	Until          *time.Time       `json:"date_to,omitempty"`
	Limit          int              `json:"limit,omitempty"`
	Offset         int              `json:"offset,omitempty"`
}

func inClause[T ~string](col string, vals []T, where *[]string, args *[]any) {
	if len(vals) == 0 {
		return
	}
	marks := make([]string, len(vals))
	for i, v := range vals {
		marks[i] = "?"
		*args = append(*args, string(v))
	}
	*where = append(*where, col+" IN ("+strings.Join(marks, ", ")+")")
}

func (f IOCFilter) sql() (string, []any) {
	var (
		where []string
		args  []any
	)
	inClause("type", f.Types, &where, &args)
	inClause("severity", f.Severities, &where, &args)
	inClause("tlp", f.TLPs, &where, &args)
	inClause("source_feed_id", f.SourceFeedIDs, &where, &args)
	if f.Active != nil {
		where = append(where, "is_active = ?")
		args = append(args, boolInt(*f.Active))
	}
	if f.MinConfidence != nil {
		where = append(where, "confidence >= ?")
		args = append(args, *f.MinConfidence)
	}
	if f.MaxConfidence != nil {
		where = append(where, "confidence <= ?")
		args = append(args, *f.MaxConfidence)
	}
	if f.ThreatFamilyID != "" {
		where = append(where, "threat_family_id = ?")
		args = append(args, f.ThreatFamilyID)
	}
	if f.Query != "" {
		pattern := "%" + escapeLike(f.Query) + "%"
		where = append(where, `(value LIKE ? ESCAPE '\' OR normalized_value LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern)
	}
	if f.Since != nil {
		where = append(where, "last_seen >= ?")
		args = append(args, toNanos(*f.Since))
	}
	if f.Until != nil {
		where = append(where, "last_seen <= ?")
		args = append(args, toNanos(*f.Until))
	}
	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ListIOCs returns one page of matching indicators, newest first, plus the
// total match count.
func (s *Store) ListIOCs(ctx context.Context, f IOCFilter) ([]intel.IOC, int, error) {
	where, args := f.sql()

	var total int
	if err := s.readDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM iocs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting iocs: %w", err)
	}

	limit, offset := page(f.Limit, f.Offset, 100, 1000)
	rows, err := s.readDB.QueryContext(ctx, `SELECT `+iocColumns+` FROM iocs`+where+
		` ORDER BY last_seen DESC, id LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing iocs: %w", err)
	}
	defer rows.Close()

	out := make([]intel.IOC, 0, limit)
	for rows.Next() {
		ioc, err := scanIOC(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning ioc: %w", err)
		}
		out = append(out, ioc)
	}
	return out, total, rows.Err()
}

// LookupIOC finds indicators by exact raw value first, then by the value's
// normalized form under each type it is valid for.
func (s *Store) LookupIOC(ctx context.Context, value string) ([]intel.IOC, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT `+iocColumns+` FROM iocs WHERE value = ?`, strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("looking up ioc: %w", err)
	}
	var out []intel.IOC
	for rows.Next() {
		ioc, err := scanIOC(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning ioc: %w", err)
		}
		out = append(out, ioc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) > 0 {
		return out, nil
	}

	for _, t := range intel.IOCTypes {
		norm, err := intel.Normalize(t, value)
		if err != nil {
			continue
		}
		ioc, err := s.GetIOCByKey(ctx, t, norm)
		if errors.Is(err, intel.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ioc)
	}
	return out, nil
}

// CountIOCsByFeed returns how many indicators name feedID as their source.
func (s *Store) CountIOCsByFeed(ctx context.Context, feedID string) (int, error) {
	var n int
	err := s.readDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM iocs WHERE source_feed_id = ?`, feedID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting feed iocs: %w", err)
	}
	return n, nil
}
