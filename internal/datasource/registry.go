package datasource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miradorstack/mirador-detect/internal/cache"
	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// Built-in source types.
const (
	TypeHTTP   = "http"
	TypeInflux = "influxdb"
	TypeSQL    = "sql"
)

// Registry maps source types to constructors.
type Registry struct {
	mu     sync.RWMutex
	ctors  map[string]Constructor
	logger *slog.Logger
}

// NewRegistry returns a registry with the built-in types registered.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{ctors: make(map[string]Constructor), logger: logger}
	r.RegisterType(TypeHTTP, NewHTTPDataSource)
	r.RegisterType(TypeInflux, NewInfluxDataSource)
	r.RegisterType(TypeSQL, NewSQLDataSource)
	return r
}

// RegisterType binds typ to ctor. A later registration wins.
func (r *Registry) RegisterType(typ string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[strings.ToLower(typ)] = ctor
}

// SupportedTypes lists registered types in sorted order.
func (r *Registry) SupportedTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.ctors))
	for t := range r.ctors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Create builds the source described by meta.
func (r *Registry) Create(meta DataSourceMeta) (DataSource, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[strings.ToLower(meta.Type)]
	r.mu.RUnlock()
	if !ok {
		return nil, utils.NotFound("create data source", "data source type not supported: %s. supported types: %s",
			meta.Type, strings.Join(r.SupportedTypes(), ", "))
	}
	ds, err := ctor(meta, r.logger.With(slog.String("data_source", meta.Name)))
	if err != nil {
		return nil, fmt.Errorf("data source %s: %w", meta.Name, err)
	}
	return ds, nil
}

// Fetcher resolves named sources and optionally caches their tables.
type Fetcher struct {
	registry *Registry
	cache    cache.Provider
	ttl      time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	sources map[string]DataSource
}

// NewFetcher builds an empty Fetcher. A nil provider or zero ttl disables caching.
func NewFetcher(registry *Registry, provider cache.Provider, ttl time.Duration, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	return &Fetcher{
		registry: registry,
		cache:    provider,
		ttl:      ttl,
		logger:   logger,
		sources:  make(map[string]DataSource),
	}
}

// Load creates every configured source. A source that fails to build is logged
// and skipped; the rest still load. It returns the number of loaded sources.
func (f *Fetcher) Load(_ context.Context, metas []DataSourceMeta) int {
	loaded := 0
	for _, meta := range metas {
		ds, err := f.registry.Create(meta)
		if err != nil {
			f.logger.Error("data source load failed",
				slog.String("name", meta.Name),
				slog.String("type", meta.Type),
				slog.Any("error", err))
			continue
		}
		f.Add(meta.Name, ds)
		loaded++
	}
	return loaded
}

// Add registers ds under name, replacing any previous source.
func (f *Fetcher) Add(name string, ds DataSource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[name] = ds
}

// Names lists loaded sources in sorted order.
func (f *Fetcher) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.sources))
	for n := range f.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close releases every loaded source that holds a connection.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, ds := range f.sources {
		switch c := ds.(type) {
		case interface{ Close() error }:
			if err := c.Close(); err != nil {
				f.logger.Warn("data source close failed", slog.String("name", name), slog.Any("error", err))
			}
		case interface{ Close() }:
			c.Close()
		}
	}
}

// Fetch runs req against the named source.
func (f *Fetcher) Fetch(ctx context.Context, source string, req Request) (*models.DataTable, error) {
	f.mu.RLock()
	ds, ok := f.sources[source]
	f.mu.RUnlock()
	if !ok {
		return nil, utils.NotFound("fetch", "data source not found: %s. available data sources: %s",
			source, strings.Join(f.Names(), ", "))
	}

	if f.ttl <= 0 {
		return ds.Fetch(ctx, req)
	}

	key := cacheKey(source, req)
	if raw, err := f.cache.Get(ctx, key); err == nil {
		var table models.DataTable
		if err := json.Unmarshal(raw, &table); err == nil {
			return &table, nil
		}
		f.logger.Warn("dropping undecodable cached table", slog.String("key", key))
		if err := f.cache.Del(ctx, key); err != nil {
			f.logger.Warn("data source cache delete failed", slog.String("key", key), slog.Any("error", err))
		}
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		f.logger.Warn("data source cache read failed", slog.String("key", key), slog.Any("error", err))
	}

	table, err := ds.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(table); err == nil {
		if err := f.cache.Set(ctx, key, raw, f.ttl); err != nil {
			f.logger.Warn("data source cache write failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	return table, nil
}

func cacheKey(source string, req Request) string {
	payload, _ := json.Marshal(struct {
		Table       string              `json:"table"`
		Query       string              `json:"query"`
		Properties  map[string]string   `json:"properties"`
		Metric      string              `json:"metric"`
		Dataset     string              `json:"dataset"`
		Start       int64               `json:"start"`
		End         int64               `json:"end"`
		Filters     map[string][]string `json:"filters"`
		Granularity time.Duration       `json:"granularity"`
	}{
		req.Table, req.Query, req.Properties,
		req.Slice.Metric(), req.Slice.Dataset(), req.Slice.Start(), req.Slice.End(),
		req.Slice.Filters(), req.Slice.Granularity(),
	})
	sum := sha256.Sum256(payload)
	return "mirador-detect:ds:" + source + ":" + hex.EncodeToString(sum[:])
}
