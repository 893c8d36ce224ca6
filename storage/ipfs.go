package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/multicloud-gateway/interfaces"
)

// IPFSAdapter implements interfaces.Adapter on top of an IPFS node's mutable
// file system (MFS), so objects keep stable paths while content stays
// addressed by CID.
type IPFSAdapter struct {
	shell      *shell.Shell
	apiURL     string
	gatewayURL string
	root       string
	counters   *requestCounters
	log        *slog.Logger
}

// NewIPFSAdapter creates an unconnected IPFS adapter.
func NewIPFSAdapter(d Deps) *IPFSAdapter {
	return &IPFSAdapter{
		counters: newRequestCounters(),
		log:      d.Log,
	}
}

// Connect points the shell at api_url (default localhost:5001). Objects are
// kept under the MFS directory root (default /multicloud).
func (a *IPFSAdapter) Connect(ctx context.Context, cfg interfaces.BackendConfig) error {
	a.apiURL = cfg.Get("api_url", "host")
	if a.apiURL == "" {
		a.apiURL = "localhost:5001"
	}
	a.gatewayURL = strings.TrimSuffix(cfg.Get("gateway_url"), "/")
	a.root = "/" + strings.Trim(cfg.Get("root"), "/")
	if a.root == "/" {
		a.root = "/multicloud"
	}

	a.shell = shell.NewShell(a.apiURL)
	if timeout := cfg.Get("timeout"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", timeout, err)
		}
		a.shell.SetTimeout(d)
	}

	if cfg.Bool("verify_on_connect") && !a.shell.IsUp() {
		return fmt.Errorf("IPFS node at %s is not reachable", a.apiURL)
	}

	a.log.Debug("IPFS adapter connected",
		slog.String("api", a.apiURL),
		slog.String("root", a.root))
	return nil
}

func (a *IPFSAdapter) Upload(ctx context.Context, p string, content []byte, opts interfaces.UploadOptions) (*interfaces.OperationResult, error) {
	start := time.Now()
	mfsPath := a.mfsPath(p)

	a.counters.put.Inc()
	err := a.shell.FilesWrite(ctx, mfsPath, bytes.NewReader(content),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		a.log.Error("Failed to write to IPFS",
			slog.String("path", mfsPath),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, providerErr(opUpload, p, err)
	}

	stat, err := a.shell.FilesStat(ctx, mfsPath)
	if err != nil {
		return nil, providerErr(opUpload, p, err)
	}

	a.log.Debug("Stored content in IPFS",
		slog.String("path", mfsPath),
		slog.String("cid", stat.Hash),
		slog.Int("size", len(content)),
		slog.Duration("duration", time.Since(start)))

	r := interfaces.Success("ipfs", opUpload, p)
	r.Size = int64(len(content))
	r.ETag = stat.Hash
	r.ContentType = detectContentType(p, content, opts.ContentType)
	r.URL = a.gatewayLink(stat.Hash)
	return r, nil
}

func (a *IPFSAdapter) Download(ctx context.Context, p string, sink io.Writer) (*interfaces.OperationResult, error) {
	start := time.Now()
	mfsPath := a.mfsPath(p)

	a.counters.get.Inc()
	reader, err := a.shell.FilesRead(ctx, mfsPath)
	if err != nil {
		if isIPFSNotFound(err) {
			return nil, notFoundErr(opDownload, p)
		}
		return nil, providerErr(opDownload, p, err)
	}
	defer reader.Close()

	n, err := io.Copy(sink, reader)
	if err != nil {
		return nil, providerErr(opDownload, p, fmt.Errorf("failed to read data from IPFS: %w", err))
	}

	a.log.Debug("Fetched content from IPFS",
		slog.String("path", mfsPath),
		slog.Int64("size", n),
		slog.Duration("duration", time.Since(start)))

	r := interfaces.Success("ipfs", opDownload, p)
	r.Size = n
	r.ContentType = detectContentType(p, nil, "")
	return r, nil
}

// Delete unlinks the path from MFS. The content stays pinned elsewhere until
// garbage collected by the node.
func (a *IPFSAdapter) Delete(ctx context.Context, p string) (*interfaces.OperationResult, error) {
	a.counters.delete.Inc()
	if err := a.shell.FilesRm(ctx, a.mfsPath(p), true); err != nil && !isIPFSNotFound(err) {
		return nil, providerErr(opDelete, p, err)
	}
	return interfaces.Success("ipfs", opDelete, p), nil
}

// List walks the MFS tree below prefix's directory.
func (a *IPFSAdapter) List(ctx context.Context, prefix string, opts interfaces.ListOptions) (*interfaces.OperationResult, error) {
	files := []interfaces.FileMetadata{}
	dir := path.Dir(prefix)
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		dir = strings.TrimSuffix(prefix, "/")
	}
	if dir == "." {
		dir = ""
	}

	err := a.walk(ctx, dir, func(rel string, e *shell.MfsLsEntry) bool {
		if opts.Limit > 0 && len(files) >= opts.Limit {
			return false
		}
		if strings.HasPrefix(rel, prefix) {
			entry := fileEntry(rel, int64(e.Size), e.Hash, detectContentType(rel, nil, ""), time.Time{})
			entry.Extra = map[string]any{"cid": e.Hash}
			files = append(files, entry)
		}
		return true
	})
	if err != nil && !isIPFSNotFound(err) {
		return nil, providerErr(opList, prefix, err)
	}

	r := interfaces.Success("ipfs", opList, prefix)
	r.Files = files
	r.Count = len(files)
	return r, nil
}

func (a *IPFSAdapter) Exists(ctx context.Context, p string) (bool, error) {
	a.counters.head.Inc()
	stat, err := a.shell.FilesStat(ctx, a.mfsPath(p))
	if err != nil {
		if isIPFSNotFound(err) {
			return false, nil
		}
		return false, providerErr("exists", p, err)
	}
	return stat.Type == "file", nil
}

func (a *IPFSAdapter) GetMetadata(ctx context.Context, p string) (*interfaces.OperationResult, error) {
	a.counters.head.Inc()
	stat, err := a.shell.FilesStat(ctx, a.mfsPath(p))
	if err != nil {
		if isIPFSNotFound(err) {
			return nil, notFoundErr(opMetadata, p)
		}
		return nil, providerErr(opMetadata, p, err)
	}

	r := interfaces.Success("ipfs", opMetadata, p)
	r.Size = int64(stat.Size)
	r.ETag = stat.Hash
	r.ContentType = detectContentType(p, nil, "")
	r.URL = a.gatewayLink(stat.Hash)
	r.Details = map[string]any{
		"cid":             stat.Hash,
		"cumulative_size": stat.CumulativeSize,
		"blocks":          stat.Blocks,
	}
	return r, nil
}

// GenerateSignedURL returns the gateway link of the object's CID. IPFS content
// is public and immutable, so the link does not expire; without a configured
// gateway_url no link can be produced.
func (a *IPFSAdapter) GenerateSignedURL(ctx context.Context, p string, ttl time.Duration) (string, error) {
	if a.gatewayURL == "" {
		return "", nil
	}
	stat, err := a.shell.FilesStat(ctx, a.mfsPath(p))
	if err != nil {
		if isIPFSNotFound(err) {
			return "", notFoundErr("signed_url", p)
		}
		return "", providerErr("signed_url", p, err)
	}
	return a.gatewayLink(stat.Hash) + "?filename=" + path.Base(p), nil
}

func (a *IPFSAdapter) GetUsage(ctx context.Context) (*interfaces.OperationResult, error) {
	var objects, total int64
	err := a.walk(ctx, "", func(rel string, e *shell.MfsLsEntry) bool {
		objects++
		total += int64(e.Size)
		return true
	})
	if err != nil && !isIPFSNotFound(err) {
		return nil, providerErr(opUsage, a.root, err)
	}

	r := interfaces.Success("ipfs", opUsage, "")
	r.Usage = buildUsage(objects, total, a.counters, Pricing{Currency: "USD"})
	r.Usage.Extra = map[string]any{"root": a.root, "api": a.apiURL}
	return r, nil
}

func (a *IPFSAdapter) TestConnection(ctx context.Context) (*interfaces.OperationResult, error) {
	start := time.Now()
	version, commit, err := a.shell.Version()
	if err != nil {
		a.log.Warn("IPFS node unavailable", slog.String("api", a.apiURL), "err", err)
		return nil, providerErr(opTest, a.apiURL, err)
	}

	r := interfaces.Success("ipfs", opTest, "")
	r.Message = "Connection successful"
	r.Details = map[string]any{
		"api":          a.apiURL,
		"node_version": version,
		"node_commit":  commit,
		"latency_ms":   time.Since(start).Milliseconds(),
	}
	return r, nil
}

func (a *IPFSAdapter) Name() string {
	return "ipfs"
}

func (a *IPFSAdapter) Version() string {
	return adapterVersion
}

func (a *IPFSAdapter) mfsPath(p string) string {
	return path.Join(a.root, p)
}

func (a *IPFSAdapter) gatewayLink(cid string) string {
	if a.gatewayURL == "" || cid == "" {
		return ""
	}
	return fmt.Sprintf("%s/ipfs/%s", a.gatewayURL, cid)
}

// walk visits files below dir (relative to root) depth first until fn returns false.
func (a *IPFSAdapter) walk(ctx context.Context, dir string, fn func(rel string, e *shell.MfsLsEntry) bool) error {
	a.counters.list.Inc()
	entries, err := a.shell.FilesLs(ctx, path.Join(a.root, dir), shell.FilesLs.Stat(true))
	if err != nil {
		return err
	}

	for _, e := range entries {
		rel := e.Name
		if dir != "" {
			rel = dir + "/" + e.Name
		}
		if e.Type == shell.TDirectory {
			if err := a.walk(ctx, rel, fn); err != nil {
				return err
			}
			continue
		}
		if !fn(rel, e) {
			return nil
		}
	}
	return nil
}

func isIPFSNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "file does not exist") || strings.Contains(msg, "no link named")
}
