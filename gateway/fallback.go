package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/multicloud-gateway/interfaces"
	"github.com/ruteri/multicloud-gateway/metrics"
	"github.com/ruteri/multicloud-gateway/registry"
)

// FallbackPolicy configures retries and the fallback graph.
type FallbackPolicy struct {
	Enabled    bool
	Chains     map[string][]string
	MaxRetries int
	RetryDelay time.Duration
}

// Validate rejects self-loops and non-positive retry counts.
func (p FallbackPolicy) Validate() error {
	if p.MaxRetries < 1 {
		return interfaces.Validationf("max_retries must be at least 1")
	}
	if p.RetryDelay < 0 {
		return interfaces.Validationf("retry_delay must not be negative")
	}
	for name, chain := range p.Chains {
		for _, next := range chain {
			if next == name {
				return interfaces.Validationf("backend %q lists itself as a fallback", name)
			}
		}
	}
	return nil
}

// Resolver hands out connected backends. *registry.Registry implements it.
type Resolver interface {
	Resolve(ctx context.Context, name string) (*registry.DriverHandle, error)
	Has(name string) bool
	Default() string
}

// Call performs one operation against one backend.
type Call func(ctx context.Context, h *registry.DriverHandle) (*interfaces.OperationResult, error)

// Orchestrator runs calls with same-backend retries and then walks the
// fallback chain. Attempts are strictly sequential.
type Orchestrator struct {
	resolver Resolver
	policy   FallbackPolicy
	metrics  *metrics.GatewayMetrics
	log      *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(resolver Resolver, policy FallbackPolicy, m *metrics.GatewayMetrics, log *slog.Logger) (*Orchestrator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		resolver: resolver,
		policy:   policy,
		metrics:  m,
		log:      log,
		sleep:    sleepCtx,
	}, nil
}

// Chain returns the backends tried for a request to backend: backend itself
// followed by a breadth-first walk of the fallback graph. Every backend
// appears at most once and names unknown to the resolver are skipped.
func (o *Orchestrator) Chain(backend string) []string {
	chain := []string{backend}
	if !o.policy.Enabled {
		return chain
	}

	visited := map[string]bool{backend: true}
	for i := 0; i < len(chain); i++ {
		for _, next := range o.policy.Chains[chain[i]] {
			if visited[next] {
				continue
			}
			visited[next] = true
			if !o.resolver.Has(next) {
				o.log.Debug("Skipping unknown fallback backend", slog.String("from", chain[i]), slog.String("backend", next))
				continue
			}
			chain = append(chain, next)
		}
	}
	return chain
}

// Run executes call for op against backend (the default backend when empty).
//
// Provider errors are retried on the same backend up to MaxRetries times with
// a linear backoff of RetryDelay*try, then the next backend of the chain is
// tried. A connection error ends the backend's turn. Validation, unknown
// backend, signing and context errors are returned immediately. When every
// backend failed the error is a *interfaces.FallbackError.
//
// With fallback disabled the call is attempted exactly once and its error is
// returned unchanged.
func (o *Orchestrator) Run(ctx context.Context, op, backend string, call Call) (*interfaces.OperationResult, error) {
	if backend == "" {
		backend = o.resolver.Default()
	}
	if !o.resolver.Has(backend) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownBackend, backend)
	}

	if !o.policy.Enabled {
		h, err := o.resolver.Resolve(ctx, backend)
		if err != nil {
			return nil, err
		}
		res, err := o.attempt(ctx, h, call)
		if err != nil {
			return nil, err
		}
		return res.Annotate(backend, h.Name, 1), nil
	}

	var (
		failures []interfaces.BackendFailure
		total    int
	)

	for i, name := range o.Chain(backend) {
		if i > 0 {
			o.metrics.Fallback(op, failures[len(failures)-1].Backend)
			o.log.Warn("Falling back to next backend",
				slog.String("op", op),
				slog.String("requested", backend),
				slog.String("backend", name))
		}

		h, err := o.resolver.Resolve(ctx, name)
		if err != nil {
			if !errors.Is(err, interfaces.ErrConnection) || ctx.Err() != nil {
				return nil, err
			}
			o.log.Warn("Backend unavailable", slog.String("backend", name), "err", err)
			failures = append(failures, interfaces.BackendFailure{Backend: name, Attempts: 1, Err: err})
			continue
		}

		for try := 1; ; try++ {
			res, err := o.attempt(ctx, h, call)
			total++
			if err == nil {
				return res.Annotate(backend, name, total), nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !errors.Is(err, interfaces.ErrProvider) {
				return nil, err
			}

			o.log.Debug("Backend attempt failed",
				slog.String("op", op),
				slog.String("backend", name),
				slog.Int("try", try),
				"err", err)

			// A missing object stays missing; only the next backend can help.
			if try >= o.policy.MaxRetries || errors.Is(err, interfaces.ErrObjectNotFound) {
				failures = append(failures, interfaces.BackendFailure{Backend: name, Attempts: try, Err: err})
				break
			}
			if err := o.sleep(ctx, o.policy.RetryDelay*time.Duration(try)); err != nil {
				return nil, err
			}
		}
	}

	o.log.Error("All backends failed",
		slog.String("op", op),
		slog.String("requested", backend),
		slog.Int("attempts", total))
	return nil, &interfaces.FallbackError{Operation: op, Requested: backend, Failures: failures}
}

// attempt runs call once and normalizes its outcome: panics and error-status
// results become ErrProvider, as do errors outside the taxonomy.
func (o *Orchestrator) attempt(ctx context.Context, h *registry.DriverHandle, call Call) (res *interfaces.OperationResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = fmt.Errorf("%w: %s: adapter panicked: %v", interfaces.ErrProvider, h.Name, p)
		}
		o.metrics.Attempt(h.Name, err)
	}()

	res, err = call(ctx, h)
	switch {
	case err != nil:
		if interfaces.KindOf(err) == interfaces.KindProvider && !errors.Is(err, interfaces.ErrProvider) {
			err = fmt.Errorf("%w: %s: %w", interfaces.ErrProvider, h.Name, err)
		}
		return nil, err
	case res == nil:
		return nil, fmt.Errorf("%w: %s: adapter returned no result", interfaces.ErrProvider, h.Name)
	case res.IsError():
		return nil, fmt.Errorf("%w: %s: %s", interfaces.ErrProvider, h.Name, res.Message)
	}
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
