package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/multicloud-gateway/interfaces"
)

type memoryObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	etag        string
	modified    time.Time
}

// MemoryAdapter keeps objects in process memory. It is meant for development
// and tests; contents are lost when the registry handle is reset.
type MemoryAdapter struct {
	mu       sync.RWMutex
	objects  map[string]memoryObject
	name     string
	counters *requestCounters
	log      *slog.Logger
}

func NewMemoryAdapter(d Deps) *MemoryAdapter {
	return &MemoryAdapter{
		objects:  make(map[string]memoryObject),
		counters: newRequestCounters(),
		log:      d.Log,
	}
}

func (a *MemoryAdapter) Connect(ctx context.Context, cfg interfaces.BackendConfig) error {
	a.name = cfg.Name
	a.log.Debug("Memory adapter connected")
	return nil
}

func (a *MemoryAdapter) Upload(ctx context.Context, path string, content []byte, opts interfaces.UploadOptions) (*interfaces.OperationResult, error) {
	sum := md5.Sum(content)
	obj := memoryObject{
		data:        append([]byte(nil), content...),
		contentType: detectContentType(path, content, opts.ContentType),
		metadata:    opts.Metadata,
		etag:        hex.EncodeToString(sum[:]),
		modified:    time.Now().UTC(),
	}

	a.mu.Lock()
	a.objects[path] = obj
	a.mu.Unlock()
	a.counters.put.Inc()

	r := interfaces.Success("memory", opUpload, path)
	r.Size = int64(len(content))
	r.ETag = obj.etag
	r.ContentType = obj.contentType
	return r, nil
}

func (a *MemoryAdapter) Download(ctx context.Context, path string, sink io.Writer) (*interfaces.OperationResult, error) {
	a.counters.get.Inc()
	obj, ok := a.get(path)
	if !ok {
		return nil, notFoundErr(opDownload, path)
	}
	if _, err := sink.Write(obj.data); err != nil {
		return nil, providerErr(opDownload, path, err)
	}

	r := interfaces.Success("memory", opDownload, path)
	r.Size = int64(len(obj.data))
	r.ETag = obj.etag
	r.ContentType = obj.contentType
	r.LastModified = timePtr(obj.modified)
	return r, nil
}

func (a *MemoryAdapter) Delete(ctx context.Context, path string) (*interfaces.OperationResult, error) {
	a.counters.delete.Inc()
	a.mu.Lock()
	delete(a.objects, path)
	a.mu.Unlock()
	return interfaces.Success("memory", opDelete, path), nil
}

func (a *MemoryAdapter) List(ctx context.Context, prefix string, opts interfaces.ListOptions) (*interfaces.OperationResult, error) {
	a.counters.list.Inc()
	a.mu.RLock()
	files := make([]interfaces.FileMetadata, 0, len(a.objects))
	for p, obj := range a.objects {
		if strings.HasPrefix(p, prefix) {
			files = append(files, fileEntry(p, int64(len(obj.data)), obj.etag, obj.contentType, obj.modified))
		}
	}
	a.mu.RUnlock()

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	if opts.Limit > 0 && len(files) > opts.Limit {
		files = files[:opts.Limit]
	}

	r := interfaces.Success("memory", opList, prefix)
	r.Files = files
	r.Count = len(files)
	return r, nil
}

func (a *MemoryAdapter) Exists(ctx context.Context, path string) (bool, error) {
	a.counters.head.Inc()
	_, ok := a.get(path)
	return ok, nil
}

func (a *MemoryAdapter) GetMetadata(ctx context.Context, path string) (*interfaces.OperationResult, error) {
	a.counters.head.Inc()
	obj, ok := a.get(path)
	if !ok {
		return nil, notFoundErr(opMetadata, path)
	}

	r := interfaces.Success("memory", opMetadata, path)
	r.Size = int64(len(obj.data))
	r.ETag = obj.etag
	r.ContentType = obj.contentType
	r.LastModified = timePtr(obj.modified)
	r.Metadata = obj.metadata
	return r, nil
}

func (a *MemoryAdapter) GenerateSignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("memory://%s/%s?expires=%d", a.name, path, time.Now().Add(ttl).Unix()), nil
}

func (a *MemoryAdapter) GetUsage(ctx context.Context) (*interfaces.OperationResult, error) {
	var objects, total int64
	a.mu.RLock()
	for _, obj := range a.objects {
		objects++
		total += int64(len(obj.data))
	}
	a.mu.RUnlock()

	r := interfaces.Success("memory", opUsage, "")
	r.Usage = buildUsage(objects, total, a.counters, Pricing{Currency: "USD"})
	return r, nil
}

func (a *MemoryAdapter) TestConnection(ctx context.Context) (*interfaces.OperationResult, error) {
	r := interfaces.Success("memory", opTest, "")
	r.Message = "Connection successful"
	return r, nil
}

func (a *MemoryAdapter) Name() string {
	return "memory"
}

func (a *MemoryAdapter) Version() string {
	return adapterVersion
}

func (a *MemoryAdapter) get(path string) (memoryObject, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	obj, ok := a.objects[path]
	return obj, ok
}
