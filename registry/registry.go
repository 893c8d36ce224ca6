package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/multicloud-gateway/interfaces"
	"golang.org/x/sync/singleflight"
)

// DefaultConnectTimeout bounds the construction of one handle.
const DefaultConnectTimeout = 30 * time.Second

// DriverHandle is a connected adapter bound to a backend name.
// Handles are never mutated after construction.
type DriverHandle struct {
	Name        string
	DisplayName string
	Adapter     interfaces.Adapter
	Config      interfaces.BackendConfig
	CreatedAt   time.Time
}

// BackendInfo is one catalog entry.
type BackendInfo struct {
	Name        string `json:"key"`
	DisplayName string `json:"name"`
	Driver      string `json:"driver"`
	Enabled     bool   `json:"enabled"`
	Default     bool   `json:"default"`
}

// Registry owns backend configurations and the cache of connected handles.
type Registry struct {
	factory     interfaces.AdapterFactory
	configs     map[string]interfaces.BackendConfig
	order       []string
	defaultName string
	log         *slog.Logger

	connectTimeout time.Duration

	mu      sync.RWMutex
	handles map[string]*DriverHandle
	group   singleflight.Group
}

// New creates a registry over backends. Backend order is preserved for listings.
// The default backend must be one of the configured names.
func New(backends []interfaces.BackendConfig, defaultName string, factory interfaces.AdapterFactory, log *slog.Logger) (*Registry, error) {
	if factory == nil {
		return nil, fmt.Errorf("adapter factory is required")
	}
	if log == nil {
		log = slog.Default()
	}

	r := &Registry{
		factory:        factory,
		configs:        make(map[string]interfaces.BackendConfig, len(backends)),
		order:          make([]string, 0, len(backends)),
		defaultName:    defaultName,
		log:            log,
		connectTimeout: DefaultConnectTimeout,
		handles:        make(map[string]*DriverHandle),
	}

	for _, cfg := range backends {
		if cfg.Name == "" {
			return nil, interfaces.Validationf("backend with driver %q has no name", cfg.Driver)
		}
		if _, dup := r.configs[cfg.Name]; dup {
			return nil, interfaces.Validationf("duplicate backend %q", cfg.Name)
		}
		r.configs[cfg.Name] = cfg.Clone()
		r.order = append(r.order, cfg.Name)
	}

	if _, ok := r.configs[defaultName]; !ok {
		return nil, fmt.Errorf("%w: default backend %q is not configured", interfaces.ErrUnknownBackend, defaultName)
	}

	return r, nil
}

// Default returns the default backend name.
func (r *Registry) Default() string {
	return r.defaultName
}

// Has reports whether name is configured and enabled.
func (r *Registry) Has(name string) bool {
	cfg, ok := r.configs[name]
	return ok && cfg.Enabled
}

// Names returns the enabled backend names in configuration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if r.configs[name].Enabled {
			names = append(names, name)
		}
	}
	return names
}

// ListBackends returns the static catalog, including disabled backends.
// It never touches the network.
func (r *Registry) ListBackends() []BackendInfo {
	infos := make([]BackendInfo, 0, len(r.order))
	for _, name := range r.order {
		cfg := r.configs[name]
		display := cfg.DisplayName
		if display == "" {
			display = name
		}
		infos = append(infos, BackendInfo{
			Name:        name,
			DisplayName: display,
			Driver:      cfg.Driver,
			Enabled:     cfg.Enabled,
			Default:     name == r.defaultName,
		})
	}
	return infos
}

// Resolve returns the connected handle for name, constructing it on first use.
// An empty name resolves the default backend.
func (r *Registry) Resolve(ctx context.Context, name string) (*DriverHandle, error) {
	if name == "" {
		name = r.defaultName
	}

	cfg, ok := r.configs[name]
	if !ok || !cfg.Enabled {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownBackend, name)
	}

	if h := r.cached(name); h != nil {
		return h, nil
	}

	// Construction is shared by concurrent callers and detached from the
	// cancellation of the caller that started it. Each caller stops waiting
	// when its own context ends.
	ch := r.group.DoChan(name, func() (any, error) {
		if h := r.cached(name); h != nil {
			return h, nil
		}

		connectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.connectTimeout)
		defer cancel()
		h, err := r.construct(connectCtx, cfg)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.handles[name] = h
		r.mu.Unlock()
		return h, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*DriverHandle), nil
	}
}

// Connected reports whether a handle for name is cached.
func (r *Registry) Connected(name string) bool {
	return r.cached(name) != nil
}

// Reset discards cached handles so the next Resolve reconnects.
// With no names every handle is discarded.
func (r *Registry) Reset(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(names) == 0 {
		r.handles = make(map[string]*DriverHandle)
		return
	}
	for _, name := range names {
		delete(r.handles, name)
	}
}

func (r *Registry) cached(name string) *DriverHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[name]
}

func (r *Registry) construct(ctx context.Context, cfg interfaces.BackendConfig) (h *DriverHandle, err error) {
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			h = nil
			err = fmt.Errorf("%w: %s: connect panicked: %v", interfaces.ErrConnection, cfg.Name, p)
		}
	}()

	adapter, err := r.factory.AdapterFor(cfg.Clone())
	if err != nil {
		r.log.Error("Failed to create adapter",
			slog.String("backend", cfg.Name),
			slog.String("driver", cfg.Driver),
			"err", err)
		return nil, fmt.Errorf("%w: %s: %w", interfaces.ErrConnection, cfg.Name, err)
	}

	if err := adapter.Connect(ctx, cfg.Clone()); err != nil {
		r.log.Warn("Failed to connect backend",
			slog.String("backend", cfg.Name),
			slog.String("driver", cfg.Driver),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("%w: %s: %w", interfaces.ErrConnection, cfg.Name, err)
	}

	r.log.Debug("Backend connected",
		slog.String("backend", cfg.Name),
		slog.String("driver", cfg.Driver),
		slog.String("adapter", adapter.Name()),
		slog.Duration("duration", time.Since(start)))

	return &DriverHandle{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Adapter:     adapter,
		Config:      cfg.Clone(),
		CreatedAt:   time.Now(),
	}, nil
}
