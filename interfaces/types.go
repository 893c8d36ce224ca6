package interfaces

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Status is the outcome marker carried by every OperationResult.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// OperationResult is the normalized shape returned by every gateway operation.
// Payload fields are only ever set on success results.
type OperationResult struct {
	Status    Status `json:"status"`
	Operation string `json:"operation,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Path      string `json:"path,omitempty"`

	RequestedBackend string `json:"requested_backend,omitempty"`
	ServedBy         string `json:"served_by,omitempty"`
	Attempts         int    `json:"attempts,omitempty"`

	Size         int64             `json:"size,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	URL          string            `json:"url,omitempty"`
	ContentType  string            `json:"content_type,omitempty"`
	LastModified *time.Time        `json:"last_modified,omitempty"`
	Content      []byte            `json:"-"`
	Files        []FileMetadata    `json:"files,omitempty"`
	Count        int               `json:"count,omitempty"`
	Exists       *bool             `json:"exists,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Usage        *UsageReport      `json:"usage,omitempty"`
	Details      map[string]any    `json:"details,omitempty"`

	Message   string    `json:"message,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Success starts a success result for op on path.
func Success(provider, op, path string) *OperationResult {
	return &OperationResult{
		Status:    StatusSuccess,
		Provider:  provider,
		Operation: op,
		Path:      path,
		Timestamp: time.Now().UTC(),
	}
}

// Failure builds an error result. It never carries payload fields.
func Failure(op, path string, err error) *OperationResult {
	r := &OperationResult{
		Status:    StatusError,
		Operation: op,
		Path:      path,
		ErrorKind: KindOf(err),
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		r.Message = err.Error()
	}
	return r
}

func (r *OperationResult) IsError() bool {
	return r == nil || r.Status == StatusError
}

// Annotate records which backend was asked for and which one served the result.
func (r *OperationResult) Annotate(requested, servedBy string, attempts int) *OperationResult {
	r.RequestedBackend = requested
	r.ServedBy = servedBy
	r.Attempts = attempts
	return r
}

// Clone returns a deep copy of r's payload.
func (r *OperationResult) Clone() *OperationResult {
	if r == nil {
		return nil
	}
	out := *r
	if r.LastModified != nil {
		t := *r.LastModified
		out.LastModified = &t
	}
	if r.Exists != nil {
		b := *r.Exists
		out.Exists = &b
	}
	out.Content = slices.Clone(r.Content)
	if r.Files != nil {
		out.Files = make([]FileMetadata, len(r.Files))
		for i, f := range r.Files {
			f.Extra = maps.Clone(f.Extra)
			out.Files[i] = f
		}
	}
	out.Metadata = maps.Clone(r.Metadata)
	out.Details = maps.Clone(r.Details)
	if r.Usage != nil {
		u := *r.Usage
		u.Requests = maps.Clone(u.Requests)
		u.Costs.Breakdown = maps.Clone(u.Costs.Breakdown)
		u.Extra = maps.Clone(u.Extra)
		out.Usage = &u
	}
	return &out
}

// FileMetadata describes one object in a listing.
type FileMetadata struct {
	Name         string         `json:"name"`
	Path         string         `json:"path"`
	Size         int64          `json:"size"`
	ETag         string         `json:"etag,omitempty"`
	ContentType  string         `json:"content_type,omitempty"`
	LastModified time.Time      `json:"last_modified"`
	IsDir        bool           `json:"is_dir,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// StorageUsage is the stored-volume section of a usage report.
type StorageUsage struct {
	ObjectCount int64  `json:"total_objects"`
	TotalBytes  int64  `json:"total_size_bytes"`
	TotalHuman  string `json:"total_size_human"`
}

// CostUsage is the estimated cost section of a usage report.
type CostUsage struct {
	Breakdown map[string]float64 `json:"breakdown"`
	Total     float64            `json:"total_cost"`
	Currency  string             `json:"currency"`
}

// UsageReport is the per-backend usage and cost snapshot.
type UsageReport struct {
	Storage     StorageUsage     `json:"storage"`
	Requests    map[string]int64 `json:"requests"`
	Costs       CostUsage        `json:"costs"`
	Extra       map[string]any   `json:"extra,omitempty"`
	CollectedAt time.Time        `json:"collected_at"`
}

// BackendConfig is the immutable configuration of one named backend.
type BackendConfig struct {
	Name        string            `json:"name"`
	Driver      string            `json:"driver"`
	DisplayName string            `json:"display_name"`
	Enabled     bool              `json:"enabled"`
	Settings    map[string]string `json:"-"`
	Options     map[string]string `json:"options,omitempty"`
}

// Get returns the first non-empty setting among keys.
func (c BackendConfig) Get(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(c.Settings[k]); v != "" {
			return v
		}
	}
	return ""
}

// Bool parses a boolean setting, returning false when absent or malformed.
func (c BackendConfig) Bool(key string) bool {
	v, err := strconv.ParseBool(c.Get(key))
	return err == nil && v
}

// Option returns a backend option value.
func (c BackendConfig) Option(key string) string {
	return c.Options[key]
}

// Clone returns a deep copy so callers cannot mutate registry-owned state.
func (c BackendConfig) Clone() BackendConfig {
	out := c
	out.Settings = make(map[string]string, len(c.Settings))
	for k, v := range c.Settings {
		out.Settings[k] = v
	}
	out.Options = make(map[string]string, len(c.Options))
	for k, v := range c.Options {
		out.Options[k] = v
	}
	return out
}

// SignedURL is a time-boxed access URL.
type SignedURL struct {
	URL       string        `json:"signed_url"`
	Path      string        `json:"path"`
	TTL       time.Duration `json:"-"`
	ExpiresAt time.Time     `json:"expires_at"`
	Backend   string        `json:"provider"`
	Attempts  int           `json:"attempts,omitempty"`
}
