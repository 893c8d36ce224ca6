package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ruteri/multicloud-gateway/interfaces"
	"github.com/ruteri/multicloud-gateway/registry"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func providerFailure(backend string) error {
	return fmt.Errorf("%w: %s: service unavailable", interfaces.ErrProvider, backend)
}

// newMockRegistry registers one connected mock adapter per name. The first
// name is the default backend.
func newMockRegistry(t *testing.T, names ...string) (*registry.Registry, map[string]*registry.MockAdapter) {
	t.Helper()
	factory := registry.StaticFactory{}
	mocks := make(map[string]*registry.MockAdapter, len(names))
	backends := make([]interfaces.BackendConfig, 0, len(names))
	for _, name := range names {
		m := registry.NewMockAdapter(name)
		m.On("Connect", mock.Anything, mock.Anything).Return(nil)
		factory[name] = m
		mocks[name] = m
		backends = append(backends, interfaces.BackendConfig{Name: name, Driver: "mock", Enabled: true})
	}
	reg, err := registry.New(backends, names[0], factory, testLog)
	require.NoError(t, err)
	return reg, mocks
}

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestOrchestrator(t *testing.T, reg Resolver, policy FallbackPolicy) (*Orchestrator, *recordedSleeps) {
	t.Helper()
	o, err := NewOrchestrator(reg, policy, nil, testLog)
	require.NoError(t, err)
	rec := &recordedSleeps{}
	o.sleep = rec.sleep
	return o, rec
}

func uploadCall(ctx context.Context, h *registry.DriverHandle) (*interfaces.OperationResult, error) {
	return h.Adapter.Upload(ctx, "docs/a.txt", []byte("hello"), interfaces.UploadOptions{})
}

func success(backend, op string) *interfaces.OperationResult {
	return interfaces.Success(backend, op, "docs/a.txt")
}
