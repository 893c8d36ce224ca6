package storage

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/multicloud-gateway/interfaces"
)

// FileAdapter implements interfaces.Adapter on the local file system.
// Signed URLs point at base_url and carry an HMAC-SHA256 over path and expiry.
type FileAdapter struct {
	baseDir    string
	baseURL    string
	signingKey []byte
	counters   *requestCounters
	pricing    Pricing
	log        *slog.Logger
}

// NewFileAdapter creates an unconnected local file system adapter.
func NewFileAdapter(d Deps) *FileAdapter {
	return &FileAdapter{
		counters: newRequestCounters(),
		log:      d.Log,
	}
}

// Connect creates the root directory if needed.
func (a *FileAdapter) Connect(ctx context.Context, cfg interfaces.BackendConfig) error {
	a.baseDir = cfg.Get("root", "path")
	if a.baseDir == "" {
		return fmt.Errorf("root is required for local backend")
	}
	if err := os.MkdirAll(a.baseDir, 0755); err != nil {
		return fmt.Errorf("failed to create base directory: %w", err)
	}
	a.baseURL = strings.TrimSuffix(cfg.Get("base_url", "url"), "/")
	if key := cfg.Get("signing_key"); key != "" {
		a.signingKey = []byte(key)
	}
	a.pricing = pricingFor(cfg)

	a.log.Debug("File adapter connected", slog.String("root", a.baseDir))
	return nil
}

func (a *FileAdapter) Upload(ctx context.Context, path string, content []byte, opts interfaces.UploadOptions) (*interfaces.OperationResult, error) {
	filePath := a.filePath(path)

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, providerErr(opUpload, path, fmt.Errorf("failed to create directory: %w", err))
	}

	// Write to a temporary file first so readers never observe partial content.
	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".upload-*")
	if err != nil {
		return nil, providerErr(opUpload, path, err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, providerErr(opUpload, path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, providerErr(opUpload, path, err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		os.Remove(tmp.Name())
		return nil, providerErr(opUpload, path, err)
	}
	a.counters.put.Inc()

	a.log.Debug("Stored file",
		slog.String("path", filePath),
		slog.Int("size", len(content)))

	sum := md5.Sum(content)
	r := interfaces.Success("local", opUpload, path)
	r.Size = int64(len(content))
	r.ETag = hex.EncodeToString(sum[:])
	r.ContentType = detectContentType(path, content, opts.ContentType)
	r.URL = a.publicURL(path)
	return r, nil
}

func (a *FileAdapter) Download(ctx context.Context, path string, sink io.Writer) (*interfaces.OperationResult, error) {
	filePath := a.filePath(path)
	a.counters.get.Inc()

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFoundErr(opDownload, path)
		}
		return nil, providerErr(opDownload, path, err)
	}
	defer f.Close()

	n, err := io.Copy(sink, f)
	if err != nil {
		return nil, providerErr(opDownload, path, err)
	}

	a.log.Debug("Fetched file", slog.String("path", filePath), slog.Int64("size", n))

	r := interfaces.Success("local", opDownload, path)
	r.Size = n
	r.ContentType = detectContentType(path, nil, "")
	if info, err := f.Stat(); err == nil {
		r.LastModified = timePtr(info.ModTime())
	}
	return r, nil
}

func (a *FileAdapter) Delete(ctx context.Context, path string) (*interfaces.OperationResult, error) {
	a.counters.delete.Inc()
	if err := os.Remove(a.filePath(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, providerErr(opDelete, path, err)
	}
	return interfaces.Success("local", opDelete, path), nil
}

func (a *FileAdapter) List(ctx context.Context, prefix string, opts interfaces.ListOptions) (*interfaces.OperationResult, error) {
	a.counters.list.Inc()
	files := []interfaces.FileMetadata{}

	err := a.walk(func(rel string, info fs.FileInfo) bool {
		if !strings.HasPrefix(rel, prefix) {
			return true
		}
		files = append(files, fileEntry(rel, info.Size(), "", detectContentType(rel, nil, ""), info.ModTime()))
		return opts.Limit <= 0 || len(files) < opts.Limit
	})
	if err != nil {
		return nil, providerErr(opList, prefix, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	r := interfaces.Success("local", opList, prefix)
	r.Files = files
	r.Count = len(files)
	return r, nil
}

func (a *FileAdapter) Exists(ctx context.Context, path string) (bool, error) {
	a.counters.head.Inc()
	info, err := os.Stat(a.filePath(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, providerErr("exists", path, err)
	}
	return !info.IsDir(), nil
}

func (a *FileAdapter) GetMetadata(ctx context.Context, path string) (*interfaces.OperationResult, error) {
	a.counters.head.Inc()
	info, err := os.Stat(a.filePath(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFoundErr(opMetadata, path)
		}
		return nil, providerErr(opMetadata, path, err)
	}
	if info.IsDir() {
		return nil, notFoundErr(opMetadata, path)
	}

	r := interfaces.Success("local", opMetadata, path)
	r.Size = info.Size()
	r.ContentType = detectContentType(path, nil, "")
	r.LastModified = timePtr(info.ModTime())
	r.URL = a.publicURL(path)
	r.Details = map[string]any{"mode": info.Mode().String()}
	return r, nil
}

// GenerateSignedURL returns "" when no base_url or signing_key is configured.
func (a *FileAdapter) GenerateSignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if a.baseURL == "" || len(a.signingKey) == 0 {
		return "", nil
	}

	expires := time.Now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", a.sign(path, expires))
	return a.publicURL(path) + "?" + q.Encode(), nil
}

// VerifySignature checks a signature produced by GenerateSignedURL.
func (a *FileAdapter) VerifySignature(path string, expires int64, signature string, now time.Time) error {
	if len(a.signingKey) == 0 {
		return fmt.Errorf("signed URLs are not configured")
	}
	if now.Unix() > expires {
		return fmt.Errorf("signed URL expired")
	}
	if !hmac.Equal([]byte(a.sign(path, expires)), []byte(signature)) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

func (a *FileAdapter) GetUsage(ctx context.Context) (*interfaces.OperationResult, error) {
	var objects, total int64
	err := a.walk(func(rel string, info fs.FileInfo) bool {
		objects++
		total += info.Size()
		return true
	})
	if err != nil {
		return nil, providerErr(opUsage, a.baseDir, err)
	}

	r := interfaces.Success("local", opUsage, "")
	r.Usage = buildUsage(objects, total, a.counters, a.pricing)
	r.Usage.Extra = map[string]any{"root": a.baseDir}
	return r, nil
}

func (a *FileAdapter) TestConnection(ctx context.Context) (*interfaces.OperationResult, error) {
	info, err := os.Stat(a.baseDir)
	if err != nil {
		a.log.Debug("File backend unavailable", "err", err)
		return nil, providerErr(opTest, a.baseDir, err)
	}
	if !info.IsDir() {
		return nil, providerErr(opTest, a.baseDir, fmt.Errorf("not a directory"))
	}

	r := interfaces.Success("local", opTest, "")
	r.Message = "Connection successful"
	r.Details = map[string]any{"root": a.baseDir}
	return r, nil
}

func (a *FileAdapter) Name() string {
	return "local"
}

func (a *FileAdapter) Version() string {
	return adapterVersion
}

// filePath maps an object path below the base directory. Paths are validated
// by the gateway before they reach the adapter.
func (a *FileAdapter) filePath(path string) string {
	return filepath.Join(a.baseDir, filepath.FromSlash(path))
}

func (a *FileAdapter) publicURL(path string) string {
	if a.baseURL == "" {
		return ""
	}
	return a.baseURL + "/" + path
}

func (a *FileAdapter) sign(path string, expires int64) string {
	h := hmac.New(sha256.New, a.signingKey)
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// walk visits regular files with slash-separated paths relative to the base
// directory until fn returns false.
func (a *FileAdapter) walk(fn func(rel string, info fs.FileInfo) bool) error {
	errStop := errors.New("stop")
	err := filepath.WalkDir(a.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(a.baseDir, p)
		if err != nil {
			return err
		}
		if !fn(filepath.ToSlash(rel), info) {
			return errStop
		}
		return nil
	})
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}
