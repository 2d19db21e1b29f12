package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const siteColumns = `id, name, export_path, is_active, last_heartbeat, disk_free_gb, agent_version, created_at`

func scanSite(row pgx.Row) (*Site, error) {
	s := &Site{}
	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.ExportPath,
		&s.IsActive,
		&s.LastHeartbeat,
		&s.DiskFreeGB,
		&s.AgentVersion,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListSites returns all sites ordered by name.
func (r *Repository) ListSites(ctx context.Context) ([]*Site, error) {
	rows, err := r.db.Pool.Query(ctx, "SELECT "+siteColumns+" FROM sites ORDER BY lower(name)")
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	defer rows.Close()

	sites := make([]*Site, 0)
	for rows.Next() {
		s, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		sites = append(sites, s)
	}
	return sites, rows.Err()
}

// FindSite looks a site up by id or by case-insensitive name.
func (r *Repository) FindSite(ctx context.Context, key string) (*Site, error) {
	s, err := scanSite(r.db.Pool.QueryRow(ctx, `
		SELECT `+siteColumns+` FROM sites
		WHERE id = $1 OR lower(name) = lower($1)
		ORDER BY (id = $1) DESC
		LIMIT 1
	`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSiteNotFound
		}
		return nil, fmt.Errorf("failed to get site: %w", err)
	}
	return s, nil
}

// CreateSite inserts a site. ErrConflict is returned when the name is taken
// ignoring case.
func (r *Repository) CreateSite(ctx context.Context, s *Site) (*Site, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	created, err := scanSite(r.db.Pool.QueryRow(ctx, `
		INSERT INTO sites (id, name, export_path, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING `+siteColumns,
		s.ID, s.Name, s.ExportPath, s.IsActive,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to create site: %w", err)
	}
	return created, nil
}

// UpdateSite writes the name, export path and active flag of the site with
// s.ID. A rename onto another site's name is ErrConflict.
func (r *Repository) UpdateSite(ctx context.Context, s *Site) (*Site, error) {
	updated, err := scanSite(r.db.Pool.QueryRow(ctx, `
		UPDATE sites SET name = $2, export_path = $3, is_active = $4
		WHERE id = $1
		RETURNING `+siteColumns,
		s.ID, s.Name, s.ExportPath, s.IsActive,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSiteNotFound
		}
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to update site: %w", err)
	}
	return updated, nil
}

// Heartbeat is a liveness report from an agent.
type Heartbeat struct {
	DiskFreeGB   *float64
	AgentVersion *string
}

// RecordHeartbeat stamps the site identified by key (id or name). When
// autoCreate is set an unknown name is registered; created reports whether
// that happened.
func (r *Repository) RecordHeartbeat(ctx context.Context, key string, hb Heartbeat, autoCreate bool) (site *Site, created bool, err error) {
	// Resolve first: an id that equals another site's name must not stamp both.
	existing, err := r.FindSite(ctx, key)
	switch {
	case err == nil:
		site, err = scanSite(r.db.Pool.QueryRow(ctx, `
			UPDATE sites SET last_heartbeat = NOW(),
				disk_free_gb = COALESCE($2, disk_free_gb),
				agent_version = COALESCE($3, agent_version)
			WHERE id = $1
			RETURNING `+siteColumns,
			existing.ID, hb.DiskFreeGB, hb.AgentVersion,
		))
		if err != nil {
			return nil, false, fmt.Errorf("failed to record heartbeat: %w", err)
		}
		return site, false, nil
	case !errors.Is(err, ErrSiteNotFound):
		return nil, false, err
	case !autoCreate:
		return nil, false, ErrSiteNotFound
	}

	// Two agents announcing the same new name race on the unique index; the
	// loser falls through to an update.
	site, err = scanSite(r.db.Pool.QueryRow(ctx, `
		INSERT INTO sites (id, name, is_active, last_heartbeat, disk_free_gb, agent_version)
		VALUES ($1, $2, TRUE, NOW(), $3, $4)
		ON CONFLICT (lower(name)) DO UPDATE SET last_heartbeat = NOW(),
			disk_free_gb = COALESCE(EXCLUDED.disk_free_gb, sites.disk_free_gb),
			agent_version = COALESCE(EXCLUDED.agent_version, sites.agent_version)
		RETURNING `+siteColumns,
		uuid.NewString(), key, hb.DiskFreeGB, hb.AgentVersion,
	))
	if err != nil {
		return nil, false, fmt.Errorf("failed to register site: %w", err)
	}
	return site, true, nil
}
