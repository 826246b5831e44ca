// Package statecache keeps an in-memory, concurrently readable copy of
// every Home Assistant entity's last known state, kept current by
// consuming state_changed events off the bus.
package statecache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/lukepetko/mirai/internal/bus"
	"github.com/lukepetko/mirai/internal/event"
	"github.com/lukepetko/mirai/internal/haconn"
)

// EntityState is the cached state of one entity.
type EntityState struct {
	EntityID    string
	State       string
	Attributes  map[string]any
	LastChanged time.Time
	LastUpdated time.Time
}

// Cache holds the current state of every known entity. The zero value
// is not ready for use; construct with New.
type Cache struct {
	logger  *slog.Logger
	filter  *EntityFilter
	limiter *EntityRateLimiter

	mu       sync.RWMutex
	data     map[string]EntityState
	areaByID map[string]string // area_id -> area name
	entArea  map[string]string // entity_id -> area_id
}

// Option configures optional Cache behavior at construction time.
type Option func(*Cache)

// WithEntityFilter restricts which entity IDs the live state_changed
// path updates; entities failing the filter are dropped before ever
// reaching the cache. A nil filter (the default) matches everything.
func WithEntityFilter(filter *EntityFilter) Option {
	return func(c *Cache) { c.filter = filter }
}

// WithRateLimiter caps how often the live state_changed path updates a
// given entity. A nil limiter (the default) applies no limit.
func WithRateLimiter(limiter *EntityRateLimiter) Option {
	return func(c *Cache) { c.limiter = limiter }
}

// New creates an empty Cache.
func New(logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		logger:   logger,
		data:     make(map[string]EntityState),
		areaByID: make(map[string]string),
		entArea:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.filter == nil {
		c.filter = NewEntityFilter(nil, logger)
	}
	if c.limiter == nil {
		c.limiter = NewEntityRateLimiter(0)
	}
	return c
}

// Get returns the cached state for entityID and whether it was found.
func (c *Cache) Get(entityID string) (EntityState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.data[entityID]
	return s, ok
}

// All returns a snapshot of every cached entity state.
func (c *Cache) All() map[string]EntityState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]EntityState, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// GetEntityArea returns the human-readable area name an entity was
// assigned to in the Home Assistant area/entity registries, and
// whether one was found. Populated by Bootstrap; empty until then.
func (c *Cache) GetEntityArea(entityID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	areaID, ok := c.entArea[entityID]
	if !ok {
		return "", false
	}
	name, ok := c.areaByID[areaID]
	return name, ok
}

// Bootstrap populates the cache from a REST snapshot, plus the area
// and entity registries for human-readable area lookups. Failure is
// logged and treated as non-fatal: the cache simply stays empty (or
// without area context) until the first state_changed events arrive
// over the WebSocket.
func (c *Cache) Bootstrap(ctx context.Context, rest *haconn.RESTClient) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	states, err := rest.GetStates(ctx)
	if err != nil {
		c.logger.Warn("state cache bootstrap failed, starting empty", "error", err)
	} else {
		c.mu.Lock()
		for _, s := range states {
			c.data[s.EntityID] = EntityState{
				EntityID:    s.EntityID,
				State:       s.State,
				Attributes:  s.Attributes,
				LastChanged: s.LastChanged,
				LastUpdated: s.LastUpdated,
			}
		}
		c.mu.Unlock()
		c.logger.Info("state cache bootstrapped", "entities", len(states))
	}

	c.bootstrapRegistries(ctx, rest)
}

// bootstrapRegistries fetches the area and entity registries for
// §4.9's area-aware automations. Best-effort: a Home Assistant
// instance that doesn't expose these endpoints just leaves area
// lookups empty, which GetEntityArea already treats as "no area".
func (c *Cache) bootstrapRegistries(ctx context.Context, rest *haconn.RESTClient) {
	areas, err := rest.GetAreaRegistry(ctx)
	if err != nil {
		c.logger.Debug("area registry fetch failed, area lookups disabled", "error", err)
		return
	}
	entities, err := rest.GetEntityRegistry(ctx)
	if err != nil {
		c.logger.Debug("entity registry fetch failed, area lookups disabled", "error", err)
		return
	}

	c.mu.Lock()
	for _, a := range areas {
		c.areaByID[a.AreaID] = a.Name
	}
	for _, e := range entities {
		if e.AreaID != "" {
			c.entArea[e.EntityID] = e.AreaID
		}
	}
	c.mu.Unlock()

	c.logger.Info("area/entity registry bootstrapped", "areas", len(areas), "entities", len(entities))
}

// Run consumes state_changed events from the bus and keeps the cache
// current until ctx is canceled. Only one goroutine should call Run
// for a given Cache (single-writer).
func (c *Cache) Run(ctx context.Context, b *bus.Bus) {
	ch := b.Subscribe(bus.TopicHAEvents)
	defer b.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			c.apply(evt)
		}
	}
}

func (c *Cache) apply(evt event.Event) {
	if evt.Type != event.TypeStateChanged || evt.EntityID == "" || evt.NewState == nil {
		return
	}
	if !c.filter.Match(evt.EntityID) {
		return
	}
	if !c.limiter.Allow(evt.EntityID) {
		c.logger.Debug("rate limited state change", "entity_id", evt.EntityID)
		return
	}

	c.mu.Lock()
	c.data[evt.EntityID] = EntityState{
		EntityID:    evt.EntityID,
		State:       stateString(evt.NewState.State),
		Attributes:  evt.Attributes,
		LastChanged: evt.NewState.LastChanged,
		LastUpdated: evt.NewState.LastUpdated,
	}
	c.mu.Unlock()
}

// stateString coerces a StateSnapshot.State value into the plain
// string EntityState.State expects. Home Assistant states are always
// already strings; the MQTT normalizer's {"raw": "<text>"} decode-
// failure fallback is rendered back to a string representation rather
// than dropped.
func stateString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Sprint(s)
		}
		return string(b)
	}
}

// EntityFilter selects which entity IDs the live update path accepts,
// using glob patterns. An empty filter matches all entities.
type EntityFilter struct {
	patterns []string
	logger   *slog.Logger
}

// NewEntityFilter creates an entity filter from glob patterns. Patterns
// use [path.Match] syntax (e.g., "light.*", "binary_sensor.*door*").
// An empty pattern list means all entities match.
func NewEntityFilter(globs []string, logger *slog.Logger) *EntityFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityFilter{patterns: globs, logger: logger}
}

// Match reports whether entityID matches at least one pattern. If no
// patterns are configured, Match always returns true.
func (f *EntityFilter) Match(entityID string) bool {
	if f == nil || len(f.patterns) == 0 {
		return true
	}
	for _, pat := range f.patterns {
		matched, err := path.Match(pat, entityID)
		if err != nil {
			f.logger.Debug("glob match error", "pattern", pat, "entity_id", entityID, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// EntityRateLimiter enforces a per-entity sliding window rate limit on
// the live state_changed path. A limit of zero disables it entirely.
type EntityRateLimiter struct {
	limit    int
	window   time.Duration
	mu       sync.Mutex
	counters map[string][]time.Time
}

// NewEntityRateLimiter creates a rate limiter that allows at most
// perMinute updates per entity within a one-minute sliding window. A
// perMinute value of zero disables rate limiting.
func NewEntityRateLimiter(perMinute int) *EntityRateLimiter {
	return &EntityRateLimiter{
		limit:    perMinute,
		window:   time.Minute,
		counters: make(map[string][]time.Time),
	}
}

// Allow reports whether a state change for entityID should be applied.
// Always true when the limiter is disabled.
func (r *EntityRateLimiter) Allow(entityID string) bool {
	if r == nil || r.limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	timestamps := r.counters[entityID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= r.limit {
		r.counters[entityID] = valid
		return false
	}

	r.counters[entityID] = append(valid, now)
	return true
}
