// Package directory is the authoritative username -> profile mapping.
package directory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"messaging-core/internal/domain"
)

const (
	cacheCounters = 100_000
	cacheMaxCost  = 10_000
)

// Store is the persistence contract a directory backend must satisfy.
// Backends translate their own errors: a duplicate username is
// ALREADY_EXISTS, a missing one NOT_FOUND.
type Store interface {
	CreateProfile(ctx context.Context, p domain.Profile) error
	GetProfile(ctx context.Context, username string) (domain.Profile, error)
	DeleteProfile(ctx context.Context, username string) error
}

type Directory struct {
	store Store
	log   *slog.Logger

	cache    *ristretto.Cache[string, domain.Profile]
	cacheTTL time.Duration
}

type Option func(*Directory)

// WithCacheTTL enables a read-through profile cache. A non-positive TTL
// leaves caching off. The cache is local to the process and a read racing a
// delete can re-cache the deleted profile, so entries may be stale for up to
// ttl.
func WithCacheTTL(ttl time.Duration) Option {
	return func(d *Directory) { d.cacheTTL = ttl }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) {
		if l != nil {
			d.log = l
		}
	}
}

func New(store Store, opts ...Option) (*Directory, error) {
	if store == nil {
		return nil, errors.New("directory: store must not be nil")
	}
	d := &Directory{store: store, log: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	if d.cacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, domain.Profile]{
			NumCounters: cacheCounters,
			MaxCost:     cacheMaxCost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, err
		}
		d.cache = cache
	}
	return d, nil
}

// AddProfile registers a new profile. Every field is mandatory.
func (d *Directory) AddProfile(ctx context.Context, p domain.Profile) error {
	if err := validateProfile(p); err != nil {
		return err
	}
	if err := d.store.CreateProfile(ctx, p); err != nil {
		return err
	}
	d.forget(p.Username)
	return nil
}

// GetProfile returns the profile for username or a NOT_FOUND error.
func (d *Directory) GetProfile(ctx context.Context, username string) (domain.Profile, error) {
	if strings.TrimSpace(username) == "" {
		return domain.Profile{}, domain.InvalidArgument("blank_username")
	}
	if d.cache != nil {
		if p, ok := d.cache.Get(username); ok {
			return p, nil
		}
	}
	p, err := d.store.GetProfile(ctx, username)
	if err != nil {
		return domain.Profile{}, err
	}
	if d.cache != nil {
		d.cache.SetWithTTL(username, p, 1, d.cacheTTL)
	}
	return p, nil
}

// DeleteProfile removes a profile. Deleting an absent username succeeds.
func (d *Directory) DeleteProfile(ctx context.Context, username string) error {
	if strings.TrimSpace(username) == "" {
		return domain.InvalidArgument("blank_username")
	}
	d.forget(username)
	if err := d.store.DeleteProfile(ctx, username); err != nil {
		return err
	}
	d.forget(username)
	return nil
}

// Close releases the cache goroutines, if any.
func (d *Directory) Close() {
	if d.cache != nil {
		d.cache.Close()
	}
}

func (d *Directory) forget(username string) {
	if d.cache == nil {
		return
	}
	d.cache.Del(username)
	d.log.Debug("profile cache invalidated", "username", username)
}

func validateProfile(p domain.Profile) error {
	switch {
	case strings.TrimSpace(p.Username) == "":
		return domain.InvalidArgument("blank_username")
	case strings.TrimSpace(p.FirstName) == "":
		return domain.InvalidArgument("blank_first_name")
	case strings.TrimSpace(p.LastName) == "":
		return domain.InvalidArgument("blank_last_name")
	case strings.TrimSpace(p.ProfilePictureID) == "":
		return domain.InvalidArgument("blank_profile_picture_id")
	}
	return nil
}
