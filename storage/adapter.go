package storage

import (
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ruteri/multicloud-gateway/interfaces"
)

// adapterVersion is reported by every adapter's Version method.
const adapterVersion = "1.0.0"

const (
	opUpload   = "upload"
	opDownload = "download"
	opDelete   = "delete"
	opList     = "list"
	opMetadata = "metadata"
	opUsage    = "usage"
	opTest     = "test_connection"
)

func providerErr(op, p string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", interfaces.ErrProvider, op, p, err)
}

func notFoundErr(op, p string) error {
	return fmt.Errorf("%w: %w: %s %s", interfaces.ErrProvider, interfaces.ErrObjectNotFound, op, p)
}

// detectContentType prefers the explicit type, then the extension, then sniffing.
func detectContentType(p string, content []byte, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		return ct
	}
	if len(content) > 0 {
		return http.DetectContentType(content)
	}
	return "application/octet-stream"
}

// joinKey prefixes an object path with the backend's key prefix.
func joinKey(prefix, p string) string {
	if prefix == "" {
		return p
	}
	return prefix + "/" + strings.TrimPrefix(p, "/")
}

// trimKey reverses joinKey.
func trimKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
}

func fileEntry(p string, size int64, etag, contentType string, modified time.Time) interfaces.FileMetadata {
	return interfaces.FileMetadata{
		Name:         path.Base(p),
		Path:         p,
		Size:         size,
		ETag:         strings.Trim(etag, `"`),
		ContentType:  contentType,
		LastModified: modified.UTC(),
	}
}

// buildUsage assembles a usage report from stored volume, request counters and pricing.
func buildUsage(objects, bytes int64, counters *requestCounters, pricing Pricing) *interfaces.UsageReport {
	requests := counters.Snapshot()
	return &interfaces.UsageReport{
		Storage: interfaces.StorageUsage{
			ObjectCount: objects,
			TotalBytes:  bytes,
			TotalHuman:  humanize.Bytes(uint64(bytes)),
		},
		Requests:    requests,
		Costs:       pricing.Estimate(bytes, requests),
		CollectedAt: time.Now().UTC(),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
