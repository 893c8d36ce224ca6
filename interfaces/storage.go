package interfaces

import (
	"context"
	"io"
	"time"
)

// Adapter is the uniform contract every cloud backend implements.
//
// Adapters must be safe for concurrent use after Connect has returned.
// Operation methods return either a result or an error; a result whose
// Status is StatusError is treated the same as a returned ErrProvider.
type Adapter interface {
	// Connect validates credentials and prepares the client. It is called
	// exactly once by the registry before the adapter is handed out.
	Connect(ctx context.Context, cfg BackendConfig) error

	// Upload stores content under path.
	Upload(ctx context.Context, path string, content []byte, opts UploadOptions) (*OperationResult, error)

	// Download writes the object at path to sink.
	Download(ctx context.Context, path string, sink io.Writer) (*OperationResult, error)

	// Delete removes the object at path. Deleting a missing object succeeds.
	Delete(ctx context.Context, path string) (*OperationResult, error)

	// List enumerates objects under prefix.
	List(ctx context.Context, prefix string, opts ListOptions) (*OperationResult, error)

	// Exists reports whether an object exists at path.
	Exists(ctx context.Context, path string) (bool, error)

	// GetMetadata returns size, etag, content type and user metadata for path.
	GetMetadata(ctx context.Context, path string) (*OperationResult, error)

	// GenerateSignedURL returns a URL granting read access to path for ttl.
	// An empty URL with a nil error means the backend could not sign.
	GenerateSignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)

	// GetUsage returns a result whose Usage field is populated.
	GetUsage(ctx context.Context) (*OperationResult, error)

	// TestConnection performs a cheap round trip against the backend.
	TestConnection(ctx context.Context) (*OperationResult, error)

	Name() string
	Version() string
}

// AdapterFactory builds unconnected adapters for a backend configuration.
type AdapterFactory interface {
	AdapterFor(cfg BackendConfig) (Adapter, error)
}

// AdapterFactoryFunc adapts a plain function to AdapterFactory.
type AdapterFactoryFunc func(cfg BackendConfig) (Adapter, error)

func (f AdapterFactoryFunc) AdapterFor(cfg BackendConfig) (Adapter, error) {
	return f(cfg)
}

// UploadOptions carries per-request upload settings merged over the
// configured defaults.
type UploadOptions struct {
	ContentType  string
	Visibility   string // "public" or "private"
	CacheControl string
	Metadata     map[string]string
}

// Merge returns o with empty fields taken from defaults.
func (o UploadOptions) Merge(defaults UploadOptions) UploadOptions {
	if o.ContentType == "" {
		o.ContentType = defaults.ContentType
	}
	if o.Visibility == "" {
		o.Visibility = defaults.Visibility
	}
	if o.CacheControl == "" {
		o.CacheControl = defaults.CacheControl
	}
	if len(defaults.Metadata) > 0 {
		merged := make(map[string]string, len(defaults.Metadata)+len(o.Metadata))
		for k, v := range defaults.Metadata {
			merged[k] = v
		}
		for k, v := range o.Metadata {
			merged[k] = v
		}
		o.Metadata = merged
	}
	return o
}

// ListOptions bounds a listing.
type ListOptions struct {
	// Limit caps the number of returned entries; zero means no limit.
	Limit int
}
