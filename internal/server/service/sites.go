package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"ferry/internal/server/database"
)

// SiteService manages the registry of sites and their heartbeats.
type SiteService struct {
	repo SiteRepository
}

// NewSiteService creates a new site service.
func NewSiteService(repo SiteRepository) *SiteService {
	return &SiteService{repo: repo}
}

// List returns all sites.
func (s *SiteService) List(ctx context.Context) ([]*database.Site, error) {
	return s.repo.ListSites(ctx)
}

// Find resolves a site by id or case-insensitive name.
func (s *SiteService) Find(ctx context.Context, key string) (*database.Site, error) {
	site, err := s.repo.FindSite(ctx, key)
	if err != nil {
		if errors.Is(err, database.ErrSiteNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return site, nil
}

// Create registers a site.
func (s *SiteService) Create(ctx context.Context, name, exportPath string) (*database.Site, error) {
	name = strings.TrimSpace(name)
	if err := validateSiteName(name); err != nil {
		return nil, err
	}
	site, err := s.repo.CreateSite(ctx, &database.Site{Name: name, ExportPath: exportPath, IsActive: true})
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil, fmt.Errorf("%w: site %s", ErrConflict, name)
		}
		return nil, err
	}
	slog.Info("site registered", "site", site.Name, "id", site.ID)
	return site, nil
}

// SiteUpdate carries the fields an administrator may change. Nil fields are
// left alone.
type SiteUpdate struct {
	Name       *string
	ExportPath *string
	IsActive   *bool
}

// Update applies u to the site identified by key (id or name).
func (s *SiteService) Update(ctx context.Context, key string, u SiteUpdate) (*database.Site, error) {
	site, err := s.Find(ctx, key)
	if err != nil {
		return nil, err
	}
	if u.Name != nil {
		name := strings.TrimSpace(*u.Name)
		if err := validateSiteName(name); err != nil {
			return nil, err
		}
		site.Name = name
	}
	if u.ExportPath != nil {
		site.ExportPath = *u.ExportPath
	}
	if u.IsActive != nil {
		site.IsActive = *u.IsActive
	}

	updated, err := s.repo.UpdateSite(ctx, site)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrSiteNotFound):
			return nil, ErrNotFound
		case errors.Is(err, database.ErrConflict):
			return nil, fmt.Errorf("%w: site %s", ErrConflict, site.Name)
		}
		return nil, err
	}
	slog.Info("site updated", "site", updated.Name, "id", updated.ID, "active", updated.IsActive)
	return updated, nil
}

// Deactivate retires a site. Its records stay; new uploads from it are
// refused.
func (s *SiteService) Deactivate(ctx context.Context, key string) (*database.Site, error) {
	inactive := false
	return s.Update(ctx, key, SiteUpdate{IsActive: &inactive})
}

// Heartbeat records liveness for a site. Only agents (fromDaemon) may
// register a site that does not exist yet.
func (s *SiteService) Heartbeat(ctx context.Context, key string, hb database.Heartbeat, fromDaemon bool) (*database.Site, error) {
	key = strings.TrimSpace(key)
	if fromDaemon {
		if err := validateSiteName(key); err != nil {
			return nil, err
		}
	}
	site, created, err := s.repo.RecordHeartbeat(ctx, key, hb, fromDaemon)
	if err != nil {
		if errors.Is(err, database.ErrSiteNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if created {
		slog.Info("site auto-registered from heartbeat", "site", site.Name, "id", site.ID)
	}
	return site, nil
}

func validateSiteName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: site name is required", ErrInvalidInput)
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: site name must not contain path characters", ErrInvalidInput)
	}
	return nil
}
