// Package region owns the set of region stores a process operates against.
//
// The default region is an ordinary entry keyed DefaultKey; callers that need
// to fan out over every shard use All and never special-case it.
package region

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"regioncron/internal/store"
)

const DefaultKey = "default"

var ErrUnknownRegion = errors.New("unknown region")

type Region struct {
	Key   string
	Store *store.Store
}

type Config struct {
	DefaultDSN string
	// Extra maps region keys to DSNs.
	Extra map[string]string
	// Discover also loads regions recorded in the default store's regions table.
	Discover         bool
	ProjectCacheSize int
}

type Registry struct {
	mu      sync.RWMutex
	regions []*Region
	byKey   map[string]*Region
	placed  *lru.Cache[string, string]
}

// New builds a registry over already opened regions. One of them must be
// keyed DefaultKey.
func New(cacheSize int, regions ...*Region) (*Registry, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	placed, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}
	r := &Registry{byKey: make(map[string]*Region, len(regions)), placed: placed}
	for _, reg := range regions {
		if reg == nil || reg.Key == "" || reg.Store == nil {
			return nil, errors.New("region key and store are required")
		}
		if _, dup := r.byKey[reg.Key]; dup {
			return nil, fmt.Errorf("duplicate region %q", reg.Key)
		}
		r.byKey[reg.Key] = reg
		r.regions = append(r.regions, reg)
	}
	if _, ok := r.byKey[DefaultKey]; !ok {
		return nil, errors.New("default region is required")
	}
	return r, nil
}

// Open connects to the default region, every configured extra region and,
// when enabled, every region registered at runtime in the default store.
// Schemas are ensured on each store before it is added.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*Registry, error) {
	def, err := openRegion(ctx, DefaultKey, cfg.DefaultDSN)
	if err != nil {
		return nil, err
	}
	opened := []*Region{def}
	closeAll := func() {
		for _, reg := range opened {
			_ = reg.Store.Close()
		}
	}

	dsns := make(map[string]string, len(cfg.Extra))
	for k, v := range cfg.Extra {
		dsns[k] = v
	}
	if cfg.Discover {
		rows, err := def.Store.ListRegions(ctx)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("discover regions: %w", err)
		}
		for _, row := range rows {
			if _, ok := dsns[row.Key]; ok {
				log.Warn().Str("region", row.Key).Msg("region configured and registered; using configured dsn")
				continue
			}
			dsns[row.Key] = row.DSN
		}
	}

	keys := make([]string, 0, len(dsns))
	for k := range dsns {
		if k == DefaultKey {
			closeAll()
			return nil, fmt.Errorf("region key %q is reserved", DefaultKey)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		reg, err := openRegion(ctx, k, dsns[k])
		if err != nil {
			closeAll()
			return nil, err
		}
		opened = append(opened, reg)
		log.Info().Str("region", k).Str("dialect", string(reg.Store.Dialect())).Msg("region registered")
	}

	r, err := New(cfg.ProjectCacheSize, opened...)
	if err != nil {
		closeAll()
		return nil, err
	}
	return r, nil
}

func openRegion(ctx context.Context, key, dsn string) (*Region, error) {
	s, err := store.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("region %s: %w", key, err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("region %s: ensure schema: %w", key, err)
	}
	return &Region{Key: key, Store: s}, nil
}

// All returns every region, default first, then by key.
func (r *Registry) All() []*Region {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Region, len(r.regions))
	copy(out, r.regions)
	return out
}

func (r *Registry) Default() *Region {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byKey[DefaultKey]
}

func (r *Registry) Get(key string) (*Region, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRegion, key)
	}
	return reg, nil
}

// ForProject resolves the region holding a project's data. Projects without
// an explicit placement live in the default region. Only explicit placements
// are cached, so a project assigned later is routed to its region at once.
func (r *Registry) ForProject(ctx context.Context, projectID string) (*Region, error) {
	if key, ok := r.placed.Get(projectID); ok {
		return r.Get(key)
	}
	key, err := r.Default().Store.ProjectRegion(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return r.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve region for project %s: %w", projectID, err)
	}
	reg, err := r.Get(key)
	if err != nil {
		return nil, err
	}
	r.placed.Add(projectID, key)
	return reg, nil
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, reg := range r.regions {
		if err := reg.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close region %s: %w", reg.Key, err))
		}
	}
	return errors.Join(errs...)
}
