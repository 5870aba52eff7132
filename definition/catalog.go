package definition

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conductorhq/conductor/types"
)

// DefaultCatalogTTL is how long a catalog snapshot is served before the
// backing source is re-read.
const DefaultCatalogTTL = 5 * time.Minute

// Source provides workflow definitions to a Catalog.
type Source interface {
	// Load returns every definition, keyed by workflow name.
	Load(ctx context.Context) (map[string]*Definition, error)
}

// DirSource reads definitions from a directory of YAML/JSON files.
type DirSource struct {
	dir string
}

// NewDirSource creates a directory-backed definition source.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

func (s *DirSource) Load(ctx context.Context) (map[string]*Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return LoadDir(s.dir)
}

// StaticSource serves a fixed set of definitions. Used for programmatic
// registration and in tests.
type StaticSource struct {
	defs map[string]*Definition
}

// NewStaticSource validates and indexes the given definitions.
func NewStaticSource(defs ...*Definition) (*StaticSource, error) {
	byName := make(map[string]*Definition, len(defs))
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[def.Name]; dup {
			return nil, types.NewErrorf(types.ErrValidation, "duplicate workflow name %q", def.Name)
		}
		byName[def.Name] = def
	}
	return &StaticSource{defs: byName}, nil
}

func (s *StaticSource) Load(ctx context.Context) (map[string]*Definition, error) {
	return s.defs, nil
}

// Catalog is a read-through cache over a definition source. Snapshots are
// served until the TTL lapses or Invalidate is called.
type Catalog struct {
	source Source
	ttl    time.Duration
	logger *zap.Logger

	mu       sync.RWMutex
	defs     map[string]*Definition
	loadedAt time.Time
}

// NewCatalog creates a catalog over the given source. ttl <= 0 uses
// DefaultCatalogTTL.
func NewCatalog(source Source, ttl time.Duration, logger *zap.Logger) *Catalog {
	if ttl <= 0 {
		ttl = DefaultCatalogTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		source: source,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "catalog")),
	}
}

// Get returns the named definition, refreshing the snapshot if stale.
func (c *Catalog) Get(ctx context.Context, name string) (*Definition, error) {
	defs, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	def, ok := defs[name]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "workflow %q not found", name).WithResource(name)
	}
	return def, nil
}

// List returns every known definition, refreshing the snapshot if stale.
func (c *Catalog) List(ctx context.Context) ([]*Definition, error) {
	defs, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Definition, 0, len(defs))
	for _, def := range defs {
		out = append(out, def)
	}
	return out, nil
}

// Invalidate marks the snapshot stale; the next read hits the source. The
// old snapshot is kept so it can still serve if the refresh fails.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Catalog) snapshot(ctx context.Context) (map[string]*Definition, error) {
	c.mu.RLock()
	if c.defs != nil && time.Since(c.loadedAt) < c.ttl {
		defs := c.defs
		c.mu.RUnlock()
		return defs, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have refreshed while we waited for the lock.
	if c.defs != nil && time.Since(c.loadedAt) < c.ttl {
		return c.defs, nil
	}

	defs, err := c.source.Load(ctx)
	if err != nil {
		// Serve the stale snapshot if we have one; a flaky source should
		// not take routing down.
		if c.defs != nil {
			c.logger.Warn("catalog refresh failed, serving stale snapshot", zap.Error(err))
			return c.defs, nil
		}
		return nil, err
	}

	c.defs = defs
	c.loadedAt = time.Now()
	c.logger.Debug("catalog refreshed", zap.Int("workflows", len(defs)))
	return c.defs, nil
}
