package providers

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"github.com/sashabaranov/go-openai"

	"github.com/mihaisavezi/chat-bridge/internal/apierror"
	"github.com/mihaisavezi/chat-bridge/internal/config"
)

type entry struct {
	cfg      config.ProviderConfig
	provider Provider
}

// snapshot is immutable once published.
type snapshot struct {
	entries map[string]entry
	active  string
}

func (s *snapshot) clone() *snapshot {
	return &snapshot{entries: maps.Clone(s.entries), active: s.active}
}

// Registry maps provider ids to live providers. Reads never block: they
// load the current snapshot. Writes are serialized and publish a new
// snapshot, so requests already running on a replaced provider finish on
// the instance they started with.
type Registry struct {
	mu      sync.Mutex
	current atomic.Pointer[snapshot]
	factory Factory
	logger  *slog.Logger
}

func NewRegistry(factory Factory, logger *slog.Logger) *Registry {
	r := &Registry{factory: factory, logger: logger}
	r.current.Store(&snapshot{entries: map[string]entry{}})
	return r
}

func (r *Registry) build(cfg config.ProviderConfig) (entry, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return entry{}, apierror.NewValidationError("%s", err.Error())
	}
	p, err := r.factory(cfg)
	if err != nil {
		return entry{}, fmt.Errorf("build provider %s: %w", cfg.ID, err)
	}
	return entry{cfg: cfg, provider: p}, nil
}

func (r *Registry) Create(cfg config.ProviderConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.current.Load().clone()
	if _, ok := next.entries[cfg.Normalized().ID]; ok {
		return apierror.NewAlreadyExistsError("provider", cfg.ID)
	}

	e, err := r.build(cfg)
	if err != nil {
		return err
	}
	next.entries[e.cfg.ID] = e
	r.current.Store(next)

	r.logger.Info("Provider created", "provider", e.cfg.ID, "type", e.cfg.Type)
	return nil
}

func (r *Registry) Update(cfg config.ProviderConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.current.Load().clone()
	if _, ok := next.entries[cfg.Normalized().ID]; !ok {
		return apierror.NewNotFoundError("provider", cfg.ID)
	}

	e, err := r.build(cfg)
	if err != nil {
		return err
	}
	next.entries[e.cfg.ID] = e
	r.current.Store(next)

	r.logger.Info("Provider updated", "provider", e.cfg.ID)
	return nil
}

func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.current.Load().clone()
	if _, ok := next.entries[id]; !ok {
		return apierror.NewNotFoundError("provider", id)
	}
	delete(next.entries, id)
	if next.active == id {
		next.active = ""
	}
	r.current.Store(next)

	r.logger.Info("Provider deleted", "provider", id)
	return nil
}

// Reload replaces the instance for id with one freshly built from its
// stored configuration.
func (r *Registry) Reload(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.current.Load().clone()
	old, ok := next.entries[id]
	if !ok {
		return apierror.NewNotFoundError("provider", id)
	}

	e, err := r.build(old.cfg)
	if err != nil {
		return err
	}
	next.entries[id] = e
	r.current.Store(next)

	r.logger.Info("Provider reloaded", "provider", id)
	return nil
}

// Sync replaces the whole table with cfgs. Providers that fail to build
// are left out and reported together; the rest are published.
func (r *Registry) Sync(cfgs []config.ProviderConfig, active string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := &snapshot{entries: make(map[string]entry, len(cfgs)), active: active}
	var result *multierror.Error
	for _, cfg := range cfgs {
		e, err := r.build(cfg)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		next.entries[e.cfg.ID] = e
	}
	if _, ok := next.entries[active]; !ok {
		next.active = ""
	}
	r.current.Store(next)

	r.logger.Info("Providers synced", "count", len(next.entries), "active", next.active)
	return result.ErrorOrNil()
}

func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.current.Load().clone()
	e, ok := next.entries[id]
	if !ok {
		return apierror.NewNotFoundError("provider", id)
	}
	if !e.cfg.Enabled {
		return apierror.NewValidationError("provider %s is disabled", id)
	}
	next.active = id
	r.current.Store(next)

	r.logger.Info("Active provider changed", "provider", id)
	return nil
}

func (r *Registry) Get(id string) (Provider, bool) {
	e, ok := r.current.Load().entries[id]
	return e.provider, ok
}

func (r *Registry) Config(id string) (config.ProviderConfig, bool) {
	e, ok := r.current.Load().entries[id]
	return e.cfg, ok
}

// List returns provider configurations by descending priority, then id.
func (r *Registry) List() []config.ProviderConfig {
	cfgs := lo.Map(lo.Values(r.current.Load().entries), func(e entry, _ int) config.ProviderConfig {
		return e.cfg
	})
	sort.Slice(cfgs, func(i, j int) bool {
		if cfgs[i].Priority != cfgs[j].Priority {
			return cfgs[i].Priority > cfgs[j].Priority
		}
		return cfgs[i].ID < cfgs[j].ID
	})
	return cfgs
}

// ActiveID is the explicitly selected provider, or the enabled provider
// with the highest priority when none is selected or it is disabled.
func (r *Registry) ActiveID() string {
	snap := r.current.Load()
	if e, ok := snap.entries[snap.active]; ok && e.cfg.Enabled {
		return snap.active
	}

	for _, cfg := range r.List() {
		if cfg.Enabled {
			return cfg.ID
		}
	}
	return ""
}

func (r *Registry) Active() (Provider, error) {
	id := r.ActiveID()
	if id == "" {
		return nil, apierror.NewNoProviderError()
	}
	p, ok := r.Get(id)
	if !ok {
		return nil, apierror.NewNoProviderError()
	}
	return p, nil
}

// Route sends req to the active provider.
func (r *Registry) Route(ctx context.Context, req *openai.ChatCompletionRequest) (*ChatResult, error) {
	p, err := r.Active()
	if err != nil {
		return nil, err
	}
	return p.Chat(ctx, req)
}

// HealthCheckAll checks every enabled provider concurrently. A provider
// that panics is reported unhealthy; the others are unaffected.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]HealthStatus {
	snap := r.current.Load()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]HealthStatus, len(snap.entries))
	)

	for id, e := range snap.entries {
		if !e.cfg.Enabled {
			continue
		}

		wg.Add(1)
		go func(id string, p Provider) {
			defer wg.Done()

			status := r.checkOne(ctx, id, p)

			mu.Lock()
			results[id] = status
			mu.Unlock()
		}(id, e.provider)
	}

	wg.Wait()
	return results
}

func (r *Registry) checkOne(ctx context.Context, id string, p Provider) (status HealthStatus) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Health check panicked", "provider", id, "panic", rec)
			status = unhealthy(start, fmt.Errorf("health check panicked: %v", rec))
		}
	}()
	return p.HealthCheck(ctx)
}
