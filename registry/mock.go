package registry

import (
	"context"
	"io"
	"time"

	"github.com/ruteri/multicloud-gateway/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockAdapter mocks the interfaces.Adapter interface
type MockAdapter struct {
	mock.Mock
	name string
}

// NewMockAdapter creates a mock adapter reporting name from Name().
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{name: name}
}

// Connect mocks the Connect method
func (m *MockAdapter) Connect(ctx context.Context, cfg interfaces.BackendConfig) error {
	args := m.Called(ctx, cfg)
	return args.Error(0)
}

// Upload mocks the Upload method
func (m *MockAdapter) Upload(ctx context.Context, path string, content []byte, opts interfaces.UploadOptions) (*interfaces.OperationResult, error) {
	args := m.Called(ctx, path, content, opts)
	return resultArg(args)
}

// Download mocks the Download method. A []byte first return value is
// written to sink before the result is returned.
func (m *MockAdapter) Download(ctx context.Context, path string, sink io.Writer) (*interfaces.OperationResult, error) {
	args := m.Called(ctx, path, sink)
	if data, ok := args.Get(0).([]byte); ok {
		if _, err := sink.Write(data); err != nil {
			return nil, err
		}
		r := interfaces.Success(m.name, "download", path)
		r.Size = int64(len(data))
		return r, args.Error(1)
	}
	return resultArg(args)
}

// Delete mocks the Delete method
func (m *MockAdapter) Delete(ctx context.Context, path string) (*interfaces.OperationResult, error) {
	args := m.Called(ctx, path)
	return resultArg(args)
}

// List mocks the List method
func (m *MockAdapter) List(ctx context.Context, prefix string, opts interfaces.ListOptions) (*interfaces.OperationResult, error) {
	args := m.Called(ctx, prefix, opts)
	return resultArg(args)
}

// Exists mocks the Exists method
func (m *MockAdapter) Exists(ctx context.Context, path string) (bool, error) {
	args := m.Called(ctx, path)
	return args.Bool(0), args.Error(1)
}

// GetMetadata mocks the GetMetadata method
func (m *MockAdapter) GetMetadata(ctx context.Context, path string) (*interfaces.OperationResult, error) {
	args := m.Called(ctx, path)
	return resultArg(args)
}

// GenerateSignedURL mocks the GenerateSignedURL method
func (m *MockAdapter) GenerateSignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	args := m.Called(ctx, path, ttl)
	return args.String(0), args.Error(1)
}

// GetUsage mocks the GetUsage method
func (m *MockAdapter) GetUsage(ctx context.Context) (*interfaces.OperationResult, error) {
	args := m.Called(ctx)
	return resultArg(args)
}

// TestConnection mocks the TestConnection method
func (m *MockAdapter) TestConnection(ctx context.Context) (*interfaces.OperationResult, error) {
	args := m.Called(ctx)
	return resultArg(args)
}

func (m *MockAdapter) Name() string {
	return m.name
}

func (m *MockAdapter) Version() string {
	return "mock"
}

func resultArg(args mock.Arguments) (*interfaces.OperationResult, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.OperationResult), args.Error(1)
}

// StaticFactory hands out pre-built adapters by backend name.
type StaticFactory map[string]interfaces.Adapter

func (f StaticFactory) AdapterFor(cfg interfaces.BackendConfig) (interfaces.Adapter, error) {
	a, ok := f[cfg.Name]
	if !ok {
		return nil, interfaces.Validationf("no adapter for %q", cfg.Name)
	}
	return a, nil
}
