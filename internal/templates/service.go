package templates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inspection-sync/internal/connectivity"
	"inspection-sync/internal/shared/metrics"
	"inspection-sync/internal/shared/telemetry"
)

// Source tells where a fetched template came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
)

// Fetcher loads the current version of a template from the fleet backend.
type Fetcher interface {
	FetchTemplate(ctx context.Context, templateID string) (Template, error)
}

// FetchOptions controls cache use.
type FetchOptions struct {
	ForceRefresh bool
}

// FetchResult is the outcome of Fetch. Err is set when the network copy
// could not be loaded and a cached copy was served instead.
type FetchResult struct {
	Template Template
	Source   Source
	CachedAt time.Time
	Err      error
}

// Service fetches templates with a local cache that also serves offline.
type Service struct {
	Remote Fetcher
	Cache  CacheRepo
	Online connectivity.Provider
	TTL    time.Duration
	Now    func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Fetch returns the current template. A fresh cached copy is served without
// network unless ForceRefresh is set; network failures degrade to the cached
// copy with FetchResult.Err populated.
func (s *Service) Fetch(ctx context.Context, templateID string, opts FetchOptions) (FetchResult, error) {
	cached, cacheErr := s.Cache.Latest(ctx, templateID)
	if cacheErr != nil && !errors.Is(cacheErr, ErrNotFound) {
		telemetry.Warn("templates.cache.read_failed", map[string]any{
			"template_id": templateID,
			"error":       cacheErr.Error(),
		})
	}
	haveCache := cacheErr == nil

	if haveCache && !opts.ForceRefresh && s.TTL > 0 && s.now().Sub(cached.CachedAt) < s.TTL {
		return FetchResult{Template: cached.Template, Source: SourceCache, CachedAt: cached.CachedAt}, nil
	}

	var fetchErr error
	switch {
	case s.Remote == nil:
		fetchErr = ErrNoRemote
	case s.Online != nil && !s.Online.IsOnline():
		fetchErr = connectivity.ErrOffline
	default:
		tpl, err := s.Remote.FetchTemplate(ctx, templateID)
		if err == nil {
			err = tpl.Validate()
		}
		if err == nil {
			cachedAt := s.now()
			if putErr := s.Cache.Put(ctx, tpl, cachedAt); putErr != nil {
				telemetry.Warn("templates.cache.write_failed", map[string]any{
					"template_id": templateID,
					"error":       putErr.Error(),
				})
			}
			return FetchResult{Template: tpl, Source: SourceNetwork, CachedAt: cachedAt}, nil
		}
		fetchErr = err
	}

	if !haveCache {
		return FetchResult{}, fmt.Errorf("fetch template %s: %w", templateID, fetchErr)
	}

	metrics.IncTemplateCacheFallback()
	telemetry.Warn("templates.fetch.degraded", map[string]any{
		"template_id": templateID,
		"cached_at":   cached.CachedAt,
		"error":       fetchErr.Error(),
	})
	return FetchResult{Template: cached.Template, Source: SourceCache, CachedAt: cached.CachedAt, Err: fetchErr}, nil
}

// Cached returns the newest cached copy without touching the network.
func (s *Service) Cached(ctx context.Context, templateID string) (Template, error) {
	c, err := s.Cache.Latest(ctx, templateID)
	if err != nil {
		return Template{}, err
	}
	return c.Template, nil
}

// Version loads a specific cached version, typically the schema an
// inspection was started against.
func (s *Service) Version(ctx context.Context, templateID string, updatedAt time.Time) (Template, error) {
	c, err := s.Cache.Version(ctx, templateID, updatedAt)
	if err != nil {
		return Template{}, err
	}
	return c.Template, nil
}
