package storage

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/multicloud-gateway/interfaces"
)

const (
	cloudinaryAPIBase      = "https://api.cloudinary.com/v1_1"
	cloudinaryDeliveryBase = "https://res.cloudinary.com"
)

// CloudinaryAdapter implements interfaces.Adapter against the Cloudinary
// Upload and Admin REST APIs. Object paths map to public IDs below folder.
type CloudinaryAdapter struct {
	httpClient   *http.Client
	cloudName    string
	apiKey       string
	apiSecret    string
	resourceType string
	folder       string
	apiBase      string
	deliveryBase string
	counters     *requestCounters
	log          *slog.Logger
	now          func() time.Time
}

// NewCloudinaryAdapter creates an unconnected Cloudinary adapter.
func NewCloudinaryAdapter(d Deps) *CloudinaryAdapter {
	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &CloudinaryAdapter{
		httpClient: client,
		counters:   newRequestCounters(),
		log:        d.Log,
		now:        time.Now,
	}
}

// Connect reads cloud_name, api_key and api_secret. resource_type defaults to
// raw so arbitrary files keep their extension in the public ID.
func (a *CloudinaryAdapter) Connect(ctx context.Context, cfg interfaces.BackendConfig) error {
	a.cloudName = cfg.Get("cloud_name")
	a.apiKey = cfg.Get("api_key", "key")
	a.apiSecret = cfg.Get("api_secret", "secret")
	if a.cloudName == "" || a.apiKey == "" || a.apiSecret == "" {
		return fmt.Errorf("cloud_name, api_key and api_secret are required for cloudinary")
	}

	a.resourceType = firstNonEmpty(cfg.Get("resource_type"), "raw")
	a.folder = strings.Trim(cfg.Get("folder", "prefix"), "/")
	a.apiBase = strings.TrimSuffix(firstNonEmpty(cfg.Get("api_base_url"), cloudinaryAPIBase), "/")
	a.deliveryBase = strings.TrimSuffix(firstNonEmpty(cfg.Get("delivery_base_url"), cloudinaryDeliveryBase), "/")

	a.log.Debug("Cloudinary adapter connected",
		slog.String("cloud", a.cloudName),
		slog.String("resource_type", a.resourceType))
	return nil
}

type cloudinaryResource struct {
	PublicID     string `json:"public_id"`
	Version      int64  `json:"version"`
	Format       string `json:"format"`
	ResourceType string `json:"resource_type"`
	Bytes        int64  `json:"bytes"`
	ETag         string `json:"etag"`
	SecureURL    string `json:"secure_url"`
	CreatedAt    string `json:"created_at"`
}

func (r cloudinaryResource) createdAt() time.Time {
	t, _ := time.Parse(time.RFC3339, r.CreatedAt)
	return t
}

func (a *CloudinaryAdapter) Upload(ctx context.Context, p string, content []byte, opts interfaces.UploadOptions) (*interfaces.OperationResult, error) {
	start := time.Now()
	params := url.Values{
		"public_id": {a.publicID(p)},
		"overwrite": {"true"},
		"timestamp": {a.timestamp()},
	}
	if len(opts.Metadata) > 0 {
		pairs := make([]string, 0, len(opts.Metadata))
		for k, v := range opts.Metadata {
			pairs = append(pairs, k+"="+v)
		}
		sort.Strings(pairs)
		params.Set("context", strings.Join(pairs, "|"))
	}
	a.sign(params)

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k := range params {
		if err := w.WriteField(k, params.Get(k)); err != nil {
			return nil, providerErr(opUpload, p, err)
		}
	}
	fw, err := w.CreateFormFile("file", path.Base(p))
	if err != nil {
		return nil, providerErr(opUpload, p, err)
	}
	if _, err := fw.Write(content); err != nil {
		return nil, providerErr(opUpload, p, err)
	}
	if err := w.Close(); err != nil {
		return nil, providerErr(opUpload, p, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.uploadAPI("upload"), body)
	if err != nil {
		return nil, providerErr(opUpload, p, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	a.counters.put.Inc()
	var res cloudinaryResource
	if _, err := a.doJSON(req, &res); err != nil {
		return nil, providerErr(opUpload, p, err)
	}

	a.log.Debug("Stored asset",
		slog.String("public_id", res.PublicID),
		slog.Int("size", len(content)),
		slog.Duration("duration", time.Since(start)))

	r := interfaces.Success("cloudinary", opUpload, p)
	r.Size = int64(len(content))
	r.ETag = res.ETag
	r.URL = res.SecureURL
	r.ContentType = detectContentType(p, content, opts.ContentType)
	r.Details = map[string]any{"public_id": res.PublicID, "version": res.Version}
	return r, nil
}

func (a *CloudinaryAdapter) Download(ctx context.Context, p string, sink io.Writer) (*interfaces.OperationResult, error) {
	u := fmt.Sprintf("%s/%s/%s/upload/%s", a.deliveryBase, a.cloudName, a.resourceType, escapeSegments(a.publicID(p)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, providerErr(opDownload, p, err)
	}

	a.counters.get.Inc()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, providerErr(opDownload, p, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, notFoundErr(opDownload, p)
	default:
		return nil, providerErr(opDownload, p, cloudinaryStatusError(resp))
	}

	n, err := io.Copy(sink, resp.Body)
	if err != nil {
		return nil, providerErr(opDownload, p, err)
	}

	r := interfaces.Success("cloudinary", opDownload, p)
	r.Size = n
	r.ContentType = resp.Header.Get("Content-Type")
	r.ETag = strings.Trim(resp.Header.Get("ETag"), `"`)
	r.LastModified = parseHTTPTime(resp.Header.Get("Last-Modified"))
	return r, nil
}

// Delete destroys the asset. A missing asset is reported by Cloudinary as
// "not found" and treated as deleted.
func (a *CloudinaryAdapter) Delete(ctx context.Context, p string) (*interfaces.OperationResult, error) {
	params := url.Values{
		"public_id":  {a.publicID(p)},
		"invalidate": {"true"},
		"timestamp":  {a.timestamp()},
	}
	a.sign(params)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.uploadAPI("destroy"), strings.NewReader(params.Encode()))
	if err != nil {
		return nil, providerErr(opDelete, p, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	a.counters.delete.Inc()
	var res struct {
		Result string `json:"result"`
	}
	if _, err := a.doJSON(req, &res); err != nil {
		return nil, providerErr(opDelete, p, err)
	}
	if res.Result != "ok" && res.Result != "not found" {
		return nil, providerErr(opDelete, p, fmt.Errorf("destroy returned %q", res.Result))
	}
	return interfaces.Success("cloudinary", opDelete, p), nil
}

func (a *CloudinaryAdapter) List(ctx context.Context, prefix string, opts interfaces.ListOptions) (*interfaces.OperationResult, error) {
	files := []interfaces.FileMetadata{}
	err := a.listResources(ctx, a.publicID(prefix), func(res cloudinaryResource) bool {
		rel := trimKey(a.folder, res.PublicID)
		entry := fileEntry(rel, res.Bytes, res.ETag, detectContentType(rel, nil, ""), res.createdAt())
		entry.Extra = map[string]any{"url": res.SecureURL, "version": res.Version}
		files = append(files, entry)
		return opts.Limit <= 0 || len(files) < opts.Limit
	})
	if err != nil {
		return nil, providerErr(opList, prefix, err)
	}

	r := interfaces.Success("cloudinary", opList, prefix)
	r.Files = files
	r.Count = len(files)
	return r, nil
}

func (a *CloudinaryAdapter) Exists(ctx context.Context, p string) (bool, error) {
	_, found, err := a.resource(ctx, p)
	if err != nil {
		return false, providerErr("exists", p, err)
	}
	return found, nil
}

func (a *CloudinaryAdapter) GetMetadata(ctx context.Context, p string) (*interfaces.OperationResult, error) {
	res, found, err := a.resource(ctx, p)
	if err != nil {
		return nil, providerErr(opMetadata, p, err)
	}
	if !found {
		return nil, notFoundErr(opMetadata, p)
	}

	r := interfaces.Success("cloudinary", opMetadata, p)
	r.Size = res.Bytes
	r.ETag = res.ETag
	r.URL = res.SecureURL
	r.ContentType = detectContentType(p, nil, "")
	r.LastModified = timePtr(res.createdAt())
	r.Details = map[string]any{
		"public_id":     res.PublicID,
		"version":       res.Version,
		"format":        res.Format,
		"resource_type": res.ResourceType,
	}
	return r, nil
}

// GenerateSignedURL returns a private download URL that Cloudinary rejects
// after expires_at.
func (a *CloudinaryAdapter) GenerateSignedURL(ctx context.Context, p string, ttl time.Duration) (string, error) {
	now := a.now()
	params := url.Values{
		"public_id":  {a.publicID(p)},
		"timestamp":  {strconv.FormatInt(now.Unix(), 10)},
		"expires_at": {strconv.FormatInt(now.Add(ttl).Unix(), 10)},
	}
	a.sign(params)
	return a.uploadAPI("download") + "?" + params.Encode(), nil
}

func (a *CloudinaryAdapter) GetUsage(ctx context.Context) (*interfaces.OperationResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s/usage", a.apiBase, a.cloudName), nil)
	if err != nil {
		return nil, providerErr(opUsage, a.cloudName, err)
	}
	req.SetBasicAuth(a.apiKey, a.apiSecret)

	var res struct {
		Plan      string `json:"plan"`
		Resources int64  `json:"resources"`
		Requests  int64  `json:"requests"`
		Storage   struct {
			Usage int64 `json:"usage"`
		} `json:"storage"`
		Bandwidth struct {
			Usage int64 `json:"usage"`
		} `json:"bandwidth"`
		Credits struct {
			Usage float64 `json:"usage"`
		} `json:"credits"`
	}
	if _, err := a.doJSON(req, &res); err != nil {
		return nil, providerErr(opUsage, a.cloudName, err)
	}

	r := interfaces.Success("cloudinary", opUsage, "")
	r.Usage = buildUsage(res.Resources, res.Storage.Usage, a.counters, Pricing{Currency: "USD"})
	r.Usage.Requests["api_requests"] = res.Requests
	r.Usage.Extra = map[string]any{
		"plan":            res.Plan,
		"bandwidth_bytes": res.Bandwidth.Usage,
		"credits_used":    res.Credits.Usage,
	}
	return r, nil
}

func (a *CloudinaryAdapter) TestConnection(ctx context.Context) (*interfaces.OperationResult, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s/ping", a.apiBase, a.cloudName), nil)
	if err != nil {
		return nil, providerErr(opTest, a.cloudName, err)
	}
	req.SetBasicAuth(a.apiKey, a.apiSecret)

	var res struct {
		Status string `json:"status"`
	}
	if _, err := a.doJSON(req, &res); err != nil {
		a.log.Warn("Cloudinary unavailable", slog.String("cloud", a.cloudName), "err", err)
		return nil, providerErr(opTest, a.cloudName, err)
	}
	if res.Status != "ok" {
		return nil, providerErr(opTest, a.cloudName, fmt.Errorf("ping returned %q", res.Status))
	}

	r := interfaces.Success("cloudinary", opTest, "")
	r.Message = "Connection successful"
	r.Details = map[string]any{
		"cloud_name": a.cloudName,
		"latency_ms": time.Since(start).Milliseconds(),
	}
	return r, nil
}

func (a *CloudinaryAdapter) Name() string {
	return "cloudinary"
}

func (a *CloudinaryAdapter) Version() string {
	return adapterVersion
}

// resource fetches one asset through the Admin API.
func (a *CloudinaryAdapter) resource(ctx context.Context, p string) (cloudinaryResource, bool, error) {
	var res cloudinaryResource
	u := fmt.Sprintf("%s/%s/resources/%s/upload/%s", a.apiBase, a.cloudName, a.resourceType, escapeSegments(a.publicID(p)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return res, false, err
	}
	req.SetBasicAuth(a.apiKey, a.apiSecret)

	a.counters.head.Inc()
	status, err := a.doJSON(req, &res)
	if status == http.StatusNotFound {
		return res, false, nil
	}
	if err != nil {
		return res, false, err
	}
	return res, true, nil
}

// listResources pages through the Admin API until fn returns false.
func (a *CloudinaryAdapter) listResources(ctx context.Context, prefix string, fn func(cloudinaryResource) bool) error {
	cursor := ""
	for {
		q := url.Values{"max_results": {"500"}}
		if prefix != "" {
			q.Set("prefix", prefix)
		}
		if cursor != "" {
			q.Set("next_cursor", cursor)
		}
		u := fmt.Sprintf("%s/%s/resources/%s/upload?%s", a.apiBase, a.cloudName, a.resourceType, q.Encode())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.SetBasicAuth(a.apiKey, a.apiSecret)

		a.counters.list.Inc()
		var page struct {
			Resources  []cloudinaryResource `json:"resources"`
			NextCursor string               `json:"next_cursor"`
		}
		if _, err := a.doJSON(req, &page); err != nil {
			return err
		}
		for _, res := range page.Resources {
			if !fn(res) {
				return nil
			}
		}
		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

// doJSON performs req and decodes a 2xx body into out. The status code is
// returned even when the request failed.
func (a *CloudinaryAdapter) doJSON(req *http.Request, out any) (int, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, cloudinaryStatusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode cloudinary response: %w", err)
	}
	return resp.StatusCode, nil
}

// sign adds api_key and the request signature: the SHA-1 of the sorted
// key=value pairs joined by '&' followed by the API secret.
func (a *CloudinaryAdapter) sign(params url.Values) {
	params.Set("signature", cloudinarySignature(params, a.apiSecret))
	params.Set("api_key", a.apiKey)
}

func cloudinarySignature(params url.Values, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		switch k {
		case "file", "api_key", "resource_type", "cloud_name", "signature":
			continue
		}
		if params.Get(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + params.Get(k)
	}
	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + secret))
	return hex.EncodeToString(sum[:])
}

func (a *CloudinaryAdapter) uploadAPI(action string) string {
	return fmt.Sprintf("%s/%s/%s/%s", a.apiBase, a.cloudName, a.resourceType, action)
}

func (a *CloudinaryAdapter) publicID(p string) string {
	return joinKey(a.folder, p)
}

func (a *CloudinaryAdapter) timestamp() string {
	return strconv.FormatInt(a.now().Unix(), 10)
}

func cloudinaryStatusError(resp *http.Response) error {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return fmt.Errorf("cloudinary returned %d: %s", resp.StatusCode, e.Error.Message)
	}
	return fmt.Errorf("cloudinary returned %d", resp.StatusCode)
}

func escapeSegments(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
