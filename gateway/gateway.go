package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/ruteri/multicloud-gateway/config"
	"github.com/ruteri/multicloud-gateway/cryptoutils"
	"github.com/ruteri/multicloud-gateway/interfaces"
	"github.com/ruteri/multicloud-gateway/metrics"
	"github.com/ruteri/multicloud-gateway/registry"
)

const MaxPathLength = 1024

// Operation names used in results, logs and metrics.
const (
	OpUpload         = "upload"
	OpDownload       = "download"
	OpDelete         = "delete"
	OpList           = "list"
	OpExists         = "exists"
	OpMetadata       = "metadata"
	OpSignedURL      = "signed_url"
	OpUsage          = "usage"
	OpTestConnection = "test_connection"
)

// Backends is the registry surface the gateway depends on.
type Backends interface {
	UsageBackends
	ListBackends() []registry.BackendInfo
}

// Options configures a Gateway. Registry is required; zero values elsewhere
// select the defaults.
type Options struct {
	Registry      Backends
	Fallback      FallbackPolicy
	Signing       SigningPolicy
	UsageParallel int
	UsageTimeout  time.Duration
	DefaultUpload interfaces.UploadOptions
	Cache         CacheOptions
	// Envelope, when set, seals uploads and opens sealed downloads.
	Envelope *cryptoutils.Envelope
	Metrics  *metrics.GatewayMetrics
	Log      *slog.Logger
}

// OptionsFromConfig maps a loaded configuration onto gateway options.
func OptionsFromConfig(cfg *config.Config, reg Backends) (Options, error) {
	minTTL, maxTTL := cfg.SigningBounds()
	opts := Options{
		Registry: reg,
		Fallback: FallbackPolicy{
			Enabled:    cfg.Fallback.Enabled,
			Chains:     cfg.Fallback.Providers,
			MaxRetries: cfg.Fallback.MaxRetries,
			RetryDelay: cfg.RetryDelay(),
		},
		Signing:       SigningPolicy{MinTTL: minTTL, MaxTTL: maxTTL},
		UsageParallel: cfg.Settings.Usage.MaxParallel,
		UsageTimeout:  cfg.UsageTimeout(),
		DefaultUpload: cfg.DefaultUploadOptions(),
		Cache: CacheOptions{
			Enabled: cfg.Settings.Cache.Enabled,
			Size:    cfg.Settings.Cache.Size,
			TTL:     cfg.CacheTTL(),
			Prefix:  cfg.Settings.Cache.Prefix,
		},
	}
	if cfg.Settings.Security.EncryptUploads {
		env, err := cryptoutils.NewEnvelope(cfg.Settings.Security.EncryptionKey)
		if err != nil {
			return Options{}, err
		}
		opts.Envelope = env
	}
	return opts, nil
}

// Gateway is the single entry point for storage operations. Every method
// validates its input, then runs through the fallback orchestrator.
type Gateway struct {
	backends      Backends
	orchestrator  *Orchestrator
	usage         *UsageAggregator
	signing       SigningPolicy
	defaultUpload interfaces.UploadOptions
	cache         *metadataCache
	envelope      *cryptoutils.Envelope
	metrics       *metrics.GatewayMetrics
	log           *slog.Logger

	now func() time.Time
}

func New(opts Options) (*Gateway, error) {
	if opts.Registry == nil {
		return nil, errors.New("gateway requires a backend registry")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Signing == (SigningPolicy{}) {
		opts.Signing = DefaultSigningPolicy()
	}

	orchestrator, err := NewOrchestrator(opts.Registry, opts.Fallback, opts.Metrics, opts.Log)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		backends:      opts.Registry,
		orchestrator:  orchestrator,
		usage:         NewUsageAggregator(opts.Registry, opts.UsageParallel, opts.UsageTimeout, opts.Metrics, opts.Log),
		signing:       opts.Signing,
		defaultUpload: opts.DefaultUpload,
		cache:         newMetadataCache(opts.Cache, opts.Metrics),
		envelope:      opts.Envelope,
		metrics:       opts.Metrics,
		log:           opts.Log,
		now:           time.Now,
	}, nil
}

// ValidatePath rejects keys that are empty, absolute, traverse upwards or
// exceed MaxPathLength.
func ValidatePath(p string) error {
	switch {
	case strings.TrimSpace(p) == "":
		return interfaces.Validationf("path is required")
	case len(p) > MaxPathLength:
		return interfaces.Validationf("path exceeds %d bytes", MaxPathLength)
	case strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`):
		return interfaces.Validationf("path %q must be relative", p)
	case strings.ContainsRune(p, 0):
		return interfaces.Validationf("path contains a NUL byte")
	}
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return interfaces.Validationf("path %q must not contain '..'", p)
		}
	}
	return nil
}

// Upload stores content at path. Per-request options are merged over the
// configured defaults.
func (g *Gateway) Upload(ctx context.Context, backend, path string, content []byte, opts interfaces.UploadOptions) (res *interfaces.OperationResult, err error) {
	defer g.observe(OpUpload, time.Now(), &res, &err)
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	opts = opts.Merge(g.defaultUpload)
	payload := content
	if g.envelope != nil {
		if opts.ContentType == "" {
			opts.ContentType = detectContentType(path, content)
		}
		if payload, err = g.envelope.Seal(path, content); err != nil {
			return nil, fmt.Errorf("failed to seal %s: %w", path, err)
		}
	}

	res, err = g.orchestrator.Run(ctx, OpUpload, backend, func(ctx context.Context, h *registry.DriverHandle) (*interfaces.OperationResult, error) {
		return h.Adapter.Upload(ctx, path, payload, opts)
	})
	g.cache.invalidate(path)
	if err != nil {
		return nil, err
	}
	res.Size = int64(len(content))
	return res, nil
}

// Download fetches path. The content is written to sink, or returned in
// result.Content when sink is nil. Each attempt is buffered so that a failed
// attempt never leaves partial bytes in sink.
func (g *Gateway) Download(ctx context.Context, backend, path string, sink io.Writer) (res *interfaces.OperationResult, err error) {
	defer g.observe(OpDownload, time.Now(), &res, &err)
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	res, err = g.orchestrator.Run(ctx, OpDownload, backend, func(ctx context.Context, h *registry.DriverHandle) (*interfaces.OperationResult, error) {
		buf.Reset()
		return h.Adapter.Download(ctx, path, &buf)
	})
	if err != nil {
		return nil, err
	}

	content := buf.Bytes()
	if g.envelope != nil && cryptoutils.IsSealed(content) {
		if content, err = g.envelope.Open(path, content); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", interfaces.ErrProvider, res.ServedBy, err)
		}
	}

	res.Size = int64(len(content))
	if sink == nil {
		res.Content = content
		return res, nil
	}
	if _, err := sink.Write(content); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return res, nil
}

// Delete removes path. Deleting a missing object succeeds.
func (g *Gateway) Delete(ctx context.Context, backend, path string) (res *interfaces.OperationResult, err error) {
	defer g.observe(OpDelete, time.Now(), &res, &err)
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	res, err = g.orchestrator.Run(ctx, OpDelete, backend, func(ctx context.Context, h *registry.DriverHandle) (*interfaces.OperationResult, error) {
		res, err := h.Adapter.Delete(ctx, path)
		if errors.Is(err, interfaces.ErrObjectNotFound) {
			return interfaces.Success(h.Adapter.Name(), OpDelete, path), nil
		}
		return res, err
	})
	g.cache.invalidate(path)
	return res, err
}

// List enumerates objects under prefix. An empty prefix lists everything.
func (g *Gateway) List(ctx context.Context, backend, prefix string, opts interfaces.ListOptions) (res *interfaces.OperationResult, err error) {
	defer g.observe(OpList, time.Now(), &res, &err)
	if prefix != "" {
		if err := ValidatePath(prefix); err != nil {
			return nil, err
		}
	}
	if opts.Limit < 0 {
		return nil, interfaces.Validationf("limit must not be negative")
	}

	return g.orchestrator.Run(ctx, OpList, backend, func(ctx context.Context, h *registry.DriverHandle) (*interfaces.OperationResult, error) {
		return h.Adapter.List(ctx, prefix, opts)
	})
}

// Exists reports whether path exists. The answer is in result.Exists.
func (g *Gateway) Exists(ctx context.Context, backend, path string) (res *interfaces.OperationResult, err error) {
	defer g.observe(OpExists, time.Now(), &res, &err)
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	requested := g.backendName(backend)
	if found, ok := g.cache.exists(requested, path); ok {
		res = interfaces.Success(requested, OpExists, path)
		res.Exists = &found
		return res.Annotate(requested, requested, 0), nil
	}

	res, err = g.orchestrator.Run(ctx, OpExists, backend, func(ctx context.Context, h *registry.DriverHandle) (*interfaces.OperationResult, error) {
		found, err := h.Adapter.Exists(ctx, path)
		if err != nil {
			return nil, err
		}
		res := interfaces.Success(h.Adapter.Name(), OpExists, path)
		res.Exists = &found
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	if res.ServedBy == requested {
		g.cache.storeExists(requested, path, *res.Exists)
	}
	return res, nil
}

// GetMetadata returns size, etag, content type and user metadata for path.
func (g *Gateway) GetMetadata(ctx context.Context, backend, path string) (res *interfaces.OperationResult, err error) {
	defer g.observe(OpMetadata, time.Now(), &res, &err)
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	requested := g.backendName(backend)
	if cached := g.cache.metadata(requested, path); cached != nil {
		return cached, nil
	}

	res, err = g.orchestrator.Run(ctx, OpMetadata, backend, func(ctx context.Context, h *registry.DriverHandle) (*interfaces.OperationResult, error) {
		return h.Adapter.GetMetadata(ctx, path)
	})
	if err != nil {
		return nil, err
	}
	if res.ServedBy == requested {
		g.cache.storeMetadata(requested, path, res)
	}
	return res, nil
}

// SignedURL returns a time-boxed read URL for path. ttl is clamped to the
// signing bounds of the serving backend; a non-positive ttl is rejected
// before any backend is called.
func (g *Gateway) SignedURL(ctx context.Context, backend, path string, ttl time.Duration) (signed *interfaces.SignedURL, err error) {
	var res *interfaces.OperationResult
	defer g.observe(OpSignedURL, time.Now(), &res, &err)
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if _, err := g.signing.Clamp(ttl); err != nil {
		return nil, err
	}

	var clamped time.Duration
	res, err = g.orchestrator.Run(ctx, OpSignedURL, backend, func(ctx context.Context, h *registry.DriverHandle) (*interfaces.OperationResult, error) {
		d, err := g.signing.ForBackend(h.Config).Clamp(ttl)
		if err != nil {
			return nil, err
		}
		u, err := h.Adapter.GenerateSignedURL(ctx, path, d)
		if err != nil {
			return nil, err
		}
		if u == "" {
			return nil, fmt.Errorf("%w: %s returned an empty URL for %s", interfaces.ErrSigningFailed, h.Name, path)
		}
		clamped = d
		res := interfaces.Success(h.Adapter.Name(), OpSignedURL, path)
		res.URL = u
		return res, nil
	})
	if err != nil {
		return nil, err
	}

	return &interfaces.SignedURL{
		URL:       res.URL,
		Path:      path,
		TTL:       clamped,
		ExpiresAt: g.now().Add(clamped).UTC(),
		Backend:   res.ServedBy,
		Attempts:  res.Attempts,
	}, nil
}

// Usage collects usage reports for backends, or for every enabled backend
// when none are named. It does not use the fallback chain.
func (g *Gateway) Usage(ctx context.Context, backends ...string) (summary *UsageSummary, err error) {
	start := time.Now()
	defer func() {
		g.metrics.ObserveOperation(OpUsage, "", err, time.Since(start))
	}()
	return g.usage.Collect(ctx, backends)
}

// TestConnection performs a round trip against exactly one backend. It never
// falls back, since the point is to check that backend.
func (g *Gateway) TestConnection(ctx context.Context, backend string) (res *interfaces.OperationResult, err error) {
	defer g.observe(OpTestConnection, time.Now(), &res, &err)
	name := g.backendName(backend)
	if !g.backends.Has(name) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownBackend, name)
	}

	h, err := g.backends.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	res, err = g.orchestrator.attempt(ctx, h, func(ctx context.Context, h *registry.DriverHandle) (*interfaces.OperationResult, error) {
		return h.Adapter.TestConnection(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.Annotate(name, name, 1), nil
}

// Providers returns the static backend catalog.
func (g *Gateway) Providers() []registry.BackendInfo {
	return g.backends.ListBackends()
}

// Chain returns the backends an operation on backend would try, in order.
func (g *Gateway) Chain(backend string) []string {
	return g.orchestrator.Chain(g.backendName(backend))
}

func (g *Gateway) backendName(backend string) string {
	if backend == "" {
		return g.backends.Default()
	}
	return backend
}

func (g *Gateway) observe(op string, start time.Time, res **interfaces.OperationResult, err *error) {
	served := ""
	if *res != nil {
		served = (*res).ServedBy
	}
	g.metrics.ObserveOperation(op, served, *err, time.Since(start))
	if *err != nil {
		g.log.Debug("Operation failed",
			slog.String("op", op),
			slog.Any("tried", interfaces.TriedBackends(*err)),
			"err", *err)
	}
}

// detectContentType resolves the content type before sealing hides the bytes.
func detectContentType(p string, content []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(p)); ct != "" {
		return ct
	}
	return http.DetectContentType(content)
}
