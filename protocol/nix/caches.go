package nix

import (
	"context"
	"fmt"
	"regexp"
	"time"

	binarycache "github.com/wolfeidau/binary-cache"
	"github.com/wolfeidau/binary-cache/auth"
	"github.com/wolfeidau/binary-cache/chunking"
	"github.com/wolfeidau/binary-cache/narinfo"
	"github.com/wolfeidau/binary-cache/store/metadb"
)

const (
	defaultPriority = 41
	defaultStoreDir = "/nix/store"
	maxCacheName    = 50
)

var (
	cacheNamePattern        = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	defaultUpstreamKeyNames = []string{"cache.nixos.org-1"}
)

// ValidateCacheName checks a cache name is 1 to 50 characters of letters,
// digits, dot, underscore and dash, not starting with punctuation.
func ValidateCacheName(name string) error {
	if len(name) == 0 || len(name) > maxCacheName || !cacheNamePattern.MatchString(name) {
		return fmt.Errorf("%w: invalid cache name %q", binarycache.ErrInvalid, name)
	}
	return nil
}

// CreateCache creates a cache with a fresh signing key. Setting a retention
// period at creation also needs the configure-cache-retention grant.
func (s *Service) CreateCache(ctx context.Context, name string, cfg CacheConfig) (*CacheInfo, error) {
	if err := ValidateCacheName(name); err != nil {
		return nil, err
	}
	p := auth.PrincipalFromContext(ctx)
	if err := auth.Authorize(ctx, p, auth.ActionCreateCache, name, false); err != nil {
		return nil, err
	}
	if cfg.RetentionPeriod != nil {
		if err := auth.Authorize(ctx, p, auth.ActionConfigureCacheRetention, name, false); err != nil {
			return nil, err
		}
	}

	c := &metadb.Cache{
		Name:                  name,
		Priority:              defaultPriority,
		StoreDir:              defaultStoreDir,
		UpstreamCacheKeyNames: append([]string(nil), defaultUpstreamKeyNames...),
		CreatedAt:             s.now().UTC(),
	}
	if err := s.applyConfig(c, cfg, true); err != nil {
		return nil, err
	}
	if c.SigningKey == nil {
		if err := rotateKey(c); err != nil {
			return nil, err
		}
	}

	if err := s.index.CreateCache(ctx, c); err != nil {
		return nil, fmt.Errorf("cache %q: %w", name, err)
	}
	s.logger.Info("created cache", "cache", name, "public", c.Public, "backend", c.Backend, "subject", p.Subject())
	return s.cacheInfo(c), nil
}

// GetCacheConfig returns the configuration of a cache.
func (s *Service) GetCacheConfig(ctx context.Context, name string) (*CacheInfo, error) {
	c, err := s.authorize(ctx, auth.ActionPull, name)
	if err != nil {
		return nil, err
	}
	return s.cacheInfo(c), nil
}

// PublicKey returns the cache public key as "name:base64".
func (s *Service) PublicKey(ctx context.Context, name string) (string, error) {
	c, err := s.authorize(ctx, auth.ActionPull, name)
	if err != nil {
		return "", err
	}
	key := signingKey(c)
	if key == nil {
		return "", fmt.Errorf("cache %q has no signing key: %w", name, binarycache.ErrInconsistent)
	}
	return key.PublicKey(), nil
}

// ConfigureCache updates a cache. Retention changes need the
// configure-cache-retention grant; everything else needs configure-cache.
func (s *Service) ConfigureCache(ctx context.Context, name string, cfg CacheConfig) (*CacheInfo, error) {
	general := cfg.IsPublic != nil || cfg.StoreDir != nil || cfg.Priority != nil ||
		cfg.UpstreamCacheKeyNames != nil || cfg.Compression != nil || cfg.Backend != nil ||
		cfg.RegenerateKeypair
	if !general && cfg.RetentionPeriod == nil {
		return nil, fmt.Errorf("%w: nothing to configure", binarycache.ErrInvalid)
	}
	if general {
		if _, err := s.authorize(ctx, auth.ActionConfigureCache, name); err != nil {
			return nil, err
		}
	}
	if cfg.RetentionPeriod != nil {
		if _, err := s.authorize(ctx, auth.ActionConfigureCacheRetention, name); err != nil {
			return nil, err
		}
	}

	updated, err := s.index.UpdateCache(ctx, name, func(c *metadb.Cache) error {
		return s.applyConfig(c, cfg, false)
	})
	if err != nil {
		return nil, fmt.Errorf("cache %q: %w", name, err)
	}
	s.logger.Info("configured cache", "cache", name, "subject", auth.PrincipalFromContext(ctx).Subject())
	return s.cacheInfo(updated), nil
}

// DestroyCache removes a cache and all its entries. Chunks no longer
// referenced by any cache are reclaimed after the grace period.
func (s *Service) DestroyCache(ctx context.Context, name string) (*DestroyResult, error) {
	if _, err := s.authorize(ctx, auth.ActionDestroyCache, name); err != nil {
		return nil, err
	}
	n, err := s.index.DestroyCache(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("cache %q: %w", name, err)
	}
	s.logger.Info("destroyed cache", "cache", name, "entries_deleted", n, "subject", auth.PrincipalFromContext(ctx).Subject())
	return &DestroyResult{EntriesDeleted: n}, nil
}

func (s *Service) applyConfig(c *metadb.Cache, cfg CacheConfig, creating bool) error {
	if cfg.IsPublic != nil {
		c.Public = *cfg.IsPublic
	}
	if cfg.StoreDir != nil {
		if *cfg.StoreDir == "" || (*cfg.StoreDir)[0] != '/' {
			return fmt.Errorf("%w: store dir %q must be absolute", binarycache.ErrInvalid, *cfg.StoreDir)
		}
		c.StoreDir = *cfg.StoreDir
	}
	if cfg.Priority != nil {
		c.Priority = *cfg.Priority
	}
	if cfg.UpstreamCacheKeyNames != nil {
		c.UpstreamCacheKeyNames = append([]string(nil), (*cfg.UpstreamCacheKeyNames)...)
	}
	if cfg.Compression != nil {
		if *cfg.Compression == "" {
			c.Compression = ""
		} else {
			comp, err := chunking.ParseCompression(*cfg.Compression)
			if err != nil {
				return err
			}
			c.Compression = string(comp)
		}
	}
	if cfg.Backend != nil || creating {
		var want string
		if cfg.Backend != nil {
			want = *cfg.Backend
		}
		name, err := s.stores.Resolve(want)
		if err != nil {
			return err
		}
		c.Backend = name
	}
	if cfg.RetentionPeriod != nil {
		r, err := parseRetention(*cfg.RetentionPeriod)
		if err != nil {
			return err
		}
		c.Retention = r
	}
	if cfg.RegenerateKeypair {
		return rotateKey(c)
	}
	return nil
}

// rotateKey replaces the signing key. Key names are <cache>-1.
func rotateKey(c *metadb.Cache) error {
	key, err := narinfo.GenerateSigningKey(c.Name + "-1")
	if err != nil {
		return err
	}
	c.KeyName = key.Name
	c.SigningKey = key.Key
	return nil
}

// parseRetention parses a retention period. The empty string defers to the
// server default; "0" disables collection.
func parseRetention(s string) (*time.Duration, error) {
	if s == "" {
		return nil, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return nil, fmt.Errorf("%w: retention period %q", binarycache.ErrInvalid, s)
	}
	return &d, nil
}

func (s *Service) cacheInfo(c *metadb.Cache) *CacheInfo {
	info := &CacheInfo{
		Name:                  c.Name,
		IsPublic:              c.Public,
		StoreDir:              c.StoreDir,
		Priority:              c.Priority,
		UpstreamCacheKeyNames: append([]string{}, c.UpstreamCacheKeyNames...),
		Compression:           c.Compression,
		Backend:               c.Backend,
		CreatedAt:             c.CreatedAt,
		APIEndpoint:           s.config.APIEndpoint,
		SubstituterEndpoint:   s.config.SubstituterEndpoint,
	}
	if info.SubstituterEndpoint == "" {
		info.SubstituterEndpoint = info.APIEndpoint
	}
	if key := signingKey(c); key != nil {
		info.PublicKey = key.PublicKey()
	}
	if c.Retention != nil {
		r := c.Retention.String()
		info.RetentionPeriod = &r
	}
	return info
}
