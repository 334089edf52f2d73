package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"clinic-flow/internal/status"
	"clinic-flow/models"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// RouteSource stores the route map as one document. Load reports
// found=false when nothing was ever written.
type RouteSource interface {
	Load(ctx context.Context) (routes models.RouteMap, found bool, err error)
	Save(ctx context.Context, routes models.RouteMap) error
	String() string
}

// FileRouteSource reads a JSON or YAML file, chosen by extension.
type FileRouteSource struct {
	path string
}

func NewFileRouteSource(path string) *FileRouteSource {
	return &FileRouteSource{path: path}
}

func (f *FileRouteSource) String() string {
	return "file:" + f.path
}

func (f *FileRouteSource) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(f.path))
	return ext == ".yaml" || ext == ".yml"
}

func (f *FileRouteSource) Load(_ context.Context) (models.RouteMap, bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read route map: %w", err)
	}

	routes := models.RouteMap{}
	if f.isYAML() {
		err = yaml.Unmarshal(data, &routes)
	} else {
		err = json.Unmarshal(data, &routes)
	}
	if err != nil {
		return nil, false, fmt.Errorf("parse route map %s: %w", f.path, err)
	}
	return routes, true, nil
}

// Save replaces the file through a temp file and rename, so readers see
// either the old or the new document.
func (f *FileRouteSource) Save(_ context.Context, routes models.RouteMap) error {
	var (
		data []byte
		err  error
	)
	if f.isYAML() {
		data, err = yaml.Marshal(routes)
	} else {
		data, err = json.MarshalIndent(routes, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode route map: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

// RedisRouteSource keeps the route map as a JSON document under one key.
type RedisRouteSource struct {
	client *redis.Client
	key    string
}

func NewRedisRouteSource(client *redis.Client, key string) *RedisRouteSource {
	if key == "" {
		key = "routes:map"
	}
	return &RedisRouteSource{client: client, key: key}
}

func (r *RedisRouteSource) String() string {
	return "redis:" + r.key
}

func (r *RedisRouteSource) Load(ctx context.Context) (models.RouteMap, bool, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read route map: %w", err)
	}

	routes := models.RouteMap{}
	if err := json.Unmarshal(data, &routes); err != nil {
		return nil, false, fmt.Errorf("parse route map %s: %w", r.key, err)
	}
	return routes, true, nil
}

func (r *RedisRouteSource) Save(ctx context.Context, routes models.RouteMap) error {
	data, err := json.Marshal(routes)
	if err != nil {
		return fmt.Errorf("encode route map: %w", err)
	}
	return r.client.Set(ctx, r.key, data, 0).Err()
}

// RouteSnapshot is an immutable view of the route map at one load.
type RouteSnapshot struct {
	routes   models.RouteMap
	found    bool
	loadedAt time.Time
}

func newRouteSnapshot(routes models.RouteMap, found bool, at time.Time) *RouteSnapshot {
	copied := make(models.RouteMap, len(routes))
	for k, v := range routes {
		copied[k] = v
	}
	return &RouteSnapshot{routes: copied, found: found, loadedAt: at}
}

func (s *RouteSnapshot) Lookup(key string) (models.RouteMapEntry, bool) {
	entry, ok := s.routes[key]
	return entry, ok
}

// Routes returns a copy of the mapping.
func (s *RouteSnapshot) Routes() models.RouteMap {
	copied := make(models.RouteMap, len(s.routes))
	for k, v := range s.routes {
		copied[k] = v
	}
	return copied
}

// Found reports whether the source held a route map at load time.
func (s *RouteSnapshot) Found() bool {
	return s.found
}

func (s *RouteSnapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// RouteResolver maps external route keys to event types. Every lookup
// re-reads the source, so edits apply without a restart.
type RouteResolver struct {
	source  RouteSource
	current atomic.Pointer[RouteSnapshot]
	now     func() time.Time
}

func NewRouteResolver(source RouteSource) *RouteResolver {
	return &RouteResolver{source: source, now: time.Now}
}

// GetRouteMap loads the whole mapping, falling back to an empty one when
// the source was never written.
func (r *RouteResolver) GetRouteMap(ctx context.Context) (*RouteSnapshot, error) {
	routes, found, err := r.source.Load(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := newRouteSnapshot(routes, found, r.now())
	r.current.Store(snapshot)
	return snapshot, nil
}

// Resolve returns the entry and event type bound to key. When the source
// cannot be read the last good snapshot is used.
func (r *RouteResolver) Resolve(ctx context.Context, key string) (models.RouteMapEntry, models.EventType, error) {
	snapshot, err := r.GetRouteMap(ctx)
	if err != nil {
		snapshot = r.current.Load()
		if snapshot == nil {
			return models.RouteMapEntry{}, models.EventUnknown, fmt.Errorf("load route map from %s: %w", r.source, err)
		}
		slog.Warn("Route map reload failed, serving last good copy", "source", r.source.String(), "loaded_at", snapshot.loadedAt, "error", err)
	}

	entry, ok := snapshot.Lookup(key)
	if !ok {
		return models.RouteMapEntry{}, models.EventUnknown, fmt.Errorf("%w: no route for %q", status.ErrUnknownEventType, key)
	}
	eventType, ok := models.ParseEventType(entry.Event)
	if !ok {
		return entry, models.EventUnknown, fmt.Errorf("%w: route %q names %q", status.ErrUnknownEventType, key, entry.Event)
	}
	return entry, eventType, nil
}

// SetRouteMap validates and stores a complete replacement mapping.
func (r *RouteResolver) SetRouteMap(ctx context.Context, routes models.RouteMap) error {
	if err := ValidateRouteMap(routes); err != nil {
		return err
	}
	if err := r.source.Save(ctx, routes); err != nil {
		return fmt.Errorf("save route map to %s: %w", r.source, err)
	}
	r.current.Store(newRouteSnapshot(routes, true, r.now()))
	return nil
}

func ValidateRouteMap(routes models.RouteMap) error {
	for key, entry := range routes {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: empty route key", status.ErrInvalidPayload)
		}
		if _, ok := models.ParseEventType(entry.Event); !ok {
			return fmt.Errorf("%w: route %q names %q", status.ErrUnknownEventType, key, entry.Event)
		}
	}
	return nil
}
