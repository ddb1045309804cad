package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lvonguyen/feedforge/internal/intel"
)

const familyColumns = `id, name, aliases, family_type, category, platform, mitre_id, description, created_at`

func scanFamily(r rowScanner) (intel.ThreatFamily, error) {
	var (
		fam       intel.ThreatFamily
		aliases   string
		createdAt int64
	)
	err := r.Scan(&fam.ID, &fam.Name, &aliases, &fam.FamilyType, &fam.Category, &fam.Platform,
		&fam.MitreID, &fam.Description, &createdAt)
	if err != nil {
		return fam, err
	}
	fam.CreatedAt = fromNanos(createdAt)
	fam.Aliases = []string{}
	if err := decodeJSON(aliases, &fam.Aliases); err != nil {
		return fam, err
	}
	return fam, nil
}

// CreateFamily stores a threat family. Names are unique.
func (s *Store) CreateFamily(ctx context.Context, fam intel.ThreatFamily) error {
	if fam.Aliases == nil {
		fam.Aliases = []string{}
	}
	aliases, err := encodeJSON(fam.Aliases)
	if err != nil {
		return err
	}
	_, err = s.writeDB.ExecContext(ctx, `INSERT INTO threat_families (`+familyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fam.ID, fam.Name, aliases, fam.FamilyType, fam.Category, fam.Platform, fam.MitreID,
		fam.Description, toNanos(fam.CreatedAt))
	if isUniqueViolation(err) {
		return intel.ConflictError("threat family %q already exists", fam.Name)
	}
	if err != nil {
		return fmt.Errorf("inserting threat family: %w", err)
	}
	return nil
}

// GetFamily loads a threat family by id.
func (s *Store) GetFamily(ctx context.Context, id string) (intel.ThreatFamily, error) {
	fam, err := scanFamily(s.readDB.QueryRowContext(ctx, `SELECT `+familyColumns+` FROM threat_families WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fam, intel.NotFoundError("threat family", id)
	}
	if err != nil {
		return fam, fmt.Errorf("loading threat family: %w", err)
	}
	return fam, nil
}

// ListFamilies returns all threat families ordered by name.
func (s *Store) ListFamilies(ctx context.Context) ([]intel.ThreatFamily, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT `+familyColumns+` FROM threat_families ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing threat families: %w", err)
	}
	defer rows.Close()

	var out []intel.ThreatFamily
	for rows.Next() {
		fam, err := scanFamily(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning threat family: %w", err)
		}
		out = append(out, fam)
	}
	return out, rows.Err()
}
