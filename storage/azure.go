package storage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/multicloud-gateway/interfaces"
)

const azureAPIVersion = "2021-06-08"

// AzureAdapter implements interfaces.Adapter against the Azure Blob Storage
// REST API. Requests are authorized with the configured SAS token, or with a
// short-lived container SAS derived from the account key.
type AzureAdapter struct {
	httpClient *http.Client
	account    string
	accountKey []byte
	container  string
	endpoint   string
	sasToken   string
	prefix     string
	counters   *requestCounters
	pricing    Pricing
	log        *slog.Logger
	now        func() time.Time
}

// NewAzureAdapter creates an unconnected Azure Blob adapter.
func NewAzureAdapter(d Deps) *AzureAdapter {
	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &AzureAdapter{
		httpClient: client,
		counters:   newRequestCounters(),
		log:        d.Log,
		now:        time.Now,
	}
}

// Connect reads account_name, account_key, container, sas_token and endpoint,
// or a connection_string carrying the same values.
func (a *AzureAdapter) Connect(ctx context.Context, cfg interfaces.BackendConfig) error {
	conn := parseConnectionString(cfg.Get("connection_string"))

	a.account = firstNonEmpty(cfg.Get("account_name", "account"), conn["AccountName"])
	a.container = cfg.Get("container")
	a.prefix = strings.Trim(cfg.Get("prefix"), "/")
	a.sasToken = strings.TrimPrefix(firstNonEmpty(cfg.Get("sas_token"), conn["SharedAccessSignature"]), "?")
	a.pricing = pricingFor(cfg)

	if a.account == "" || a.container == "" {
		return fmt.Errorf("account_name and container are required for azure")
	}

	if key := firstNonEmpty(cfg.Get("account_key", "key"), conn["AccountKey"]); key != "" {
		decoded, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			return fmt.Errorf("account_key is not valid base64: %w", err)
		}
		a.accountKey = decoded
	}
	if a.accountKey == nil && a.sasToken == "" {
		return fmt.Errorf("account_key or sas_token is required for azure")
	}

	a.endpoint = firstNonEmpty(cfg.Get("endpoint"), conn["BlobEndpoint"])
	if a.endpoint == "" {
		suffix := firstNonEmpty(conn["EndpointSuffix"], "core.windows.net")
		a.endpoint = fmt.Sprintf("https://%s.blob.%s", a.account, suffix)
	}
	a.endpoint = strings.TrimSuffix(a.endpoint, "/")

	a.log.Debug("Azure adapter connected",
		slog.String("account", a.account),
		slog.String("container", a.container),
		slog.String("endpoint", a.endpoint))
	return nil
}

func (a *AzureAdapter) Upload(ctx context.Context, path string, content []byte, opts interfaces.UploadOptions) (*interfaces.OperationResult, error) {
	start := time.Now()
	key := joinKey(a.prefix, path)
	contentType := detectContentType(path, content, opts.ContentType)

	headers := http.Header{}
	headers.Set("x-ms-blob-type", "BlockBlob")
	headers.Set("Content-Type", contentType)
	headers.Set("x-ms-blob-content-type", contentType)
	if opts.CacheControl != "" {
		headers.Set("x-ms-blob-cache-control", opts.CacheControl)
	}
	for k, v := range opts.Metadata {
		headers.Set("x-ms-meta-"+k, v)
	}

	a.counters.put.Inc()
	resp, err := a.do(ctx, http.MethodPut, key, nil, content, headers)
	if err != nil {
		return nil, providerErr(opUpload, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, providerErr(opUpload, path, azureStatusError(resp))
	}

	a.log.Debug("Stored blob",
		slog.String("container", a.container),
		slog.String("blob", key),
		slog.Int("size", len(content)),
		slog.Duration("duration", time.Since(start)))

	r := interfaces.Success("azure", opUpload, path)
	r.Size = int64(len(content))
	r.ETag = strings.Trim(resp.Header.Get("ETag"), `"`)
	r.ContentType = contentType
	r.URL = a.blobURL(key)
	return r, nil
}

func (a *AzureAdapter) Download(ctx context.Context, path string, sink io.Writer) (*interfaces.OperationResult, error) {
	key := joinKey(a.prefix, path)

	a.counters.get.Inc()
	resp, err := a.do(ctx, http.MethodGet, key, nil, nil, nil)
	if err != nil {
		return nil, providerErr(opDownload, path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, notFoundErr(opDownload, path)
	default:
		return nil, providerErr(opDownload, path, azureStatusError(resp))
	}

	n, err := io.Copy(sink, resp.Body)
	if err != nil {
		return nil, providerErr(opDownload, path, err)
	}

	r := interfaces.Success("azure", opDownload, path)
	r.Size = n
	r.ETag = strings.Trim(resp.Header.Get("ETag"), `"`)
	r.ContentType = resp.Header.Get("Content-Type")
	r.LastModified = parseHTTPTime(resp.Header.Get("Last-Modified"))
	return r, nil
}

func (a *AzureAdapter) Delete(ctx context.Context, path string) (*interfaces.OperationResult, error) {
	a.counters.delete.Inc()
	resp, err := a.do(ctx, http.MethodDelete, joinKey(a.prefix, path), nil, nil, nil)
	if err != nil {
		return nil, providerErr(opDelete, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNotFound {
		return nil, providerErr(opDelete, path, azureStatusError(resp))
	}
	return interfaces.Success("azure", opDelete, path), nil
}

func (a *AzureAdapter) List(ctx context.Context, prefix string, opts interfaces.ListOptions) (*interfaces.OperationResult, error) {
	files := []interfaces.FileMetadata{}
	err := a.listBlobs(ctx, joinKey(a.prefix, prefix), func(b azureBlob) bool {
		p := trimKey(a.prefix, b.Name)
		modified, _ := http.ParseTime(b.Properties.LastModified)
		files = append(files, fileEntry(p, b.Properties.ContentLength, b.Properties.Etag, b.Properties.ContentType, modified))
		return opts.Limit <= 0 || len(files) < opts.Limit
	})
	if err != nil {
		return nil, providerErr(opList, prefix, err)
	}

	r := interfaces.Success("azure", opList, prefix)
	r.Files = files
	r.Count = len(files)
	return r, nil
}

func (a *AzureAdapter) Exists(ctx context.Context, path string) (bool, error) {
	resp, err := a.head(ctx, path)
	if err != nil {
		return false, providerErr("exists", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, providerErr("exists", path, azureStatusError(resp))
	}
}

func (a *AzureAdapter) GetMetadata(ctx context.Context, path string) (*interfaces.OperationResult, error) {
	resp, err := a.head(ctx, path)
	if err != nil {
		return nil, providerErr(opMetadata, path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, notFoundErr(opMetadata, path)
	default:
		return nil, providerErr(opMetadata, path, azureStatusError(resp))
	}

	size := resp.ContentLength
	if size < 0 {
		size, _ = strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	}
	meta := map[string]string{}
	for k := range resp.Header {
		if lk := strings.ToLower(k); strings.HasPrefix(lk, "x-ms-meta-") {
			meta[strings.TrimPrefix(lk, "x-ms-meta-")] = resp.Header.Get(k)
		}
	}

	r := interfaces.Success("azure", opMetadata, path)
	r.Size = size
	r.ETag = strings.Trim(resp.Header.Get("ETag"), `"`)
	r.ContentType = resp.Header.Get("Content-Type")
	r.LastModified = parseHTTPTime(resp.Header.Get("Last-Modified"))
	r.Metadata = meta
	r.URL = a.blobURL(joinKey(a.prefix, path))
	r.Details = map[string]any{"blob_type": resp.Header.Get("x-ms-blob-type")}
	return r, nil
}

// GenerateSignedURL issues a read-only blob SAS. Without an account key the
// adapter cannot bound the lifetime of a URL and returns "".
func (a *AzureAdapter) GenerateSignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if a.accountKey == nil {
		return "", nil
	}
	key := joinKey(a.prefix, path)
	canonical := fmt.Sprintf("/blob/%s/%s/%s", a.account, a.container, key)
	q := a.sas(canonical, "b", "r", a.now().Add(ttl))
	return a.blobURL(key) + "?" + q.Encode(), nil
}

func (a *AzureAdapter) GetUsage(ctx context.Context) (*interfaces.OperationResult, error) {
	var objects, total int64
	prefix := ""
	if a.prefix != "" {
		prefix = a.prefix + "/"
	}
	err := a.listBlobs(ctx, prefix, func(b azureBlob) bool {
		objects++
		total += b.Properties.ContentLength
		return true
	})
	if err != nil {
		return nil, providerErr(opUsage, a.container, err)
	}

	r := interfaces.Success("azure", opUsage, "")
	r.Usage = buildUsage(objects, total, a.counters, a.pricing)
	r.Usage.Extra = map[string]any{"account": a.account, "container": a.container}
	return r, nil
}

func (a *AzureAdapter) TestConnection(ctx context.Context) (*interfaces.OperationResult, error) {
	start := time.Now()
	u := a.containerURL(url.Values{"restype": {"container"}})

	a.counters.head.Inc()
	resp, err := a.send(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, providerErr(opTest, a.container, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := azureStatusError(resp)
		a.log.Warn("Azure backend unavailable", slog.String("container", a.container), "err", err)
		return nil, providerErr(opTest, a.container, err)
	}

	r := interfaces.Success("azure", opTest, "")
	r.Message = "Connection successful"
	r.Details = map[string]any{
		"account":    a.account,
		"container":  a.container,
		"latency_ms": time.Since(start).Milliseconds(),
	}
	return r, nil
}

func (a *AzureAdapter) Name() string {
	return "azure"
}

func (a *AzureAdapter) Version() string {
	return adapterVersion
}

type azureBlob struct {
	Name       string `xml:"Name"`
	Properties struct {
		LastModified  string `xml:"Last-Modified"`
		Etag          string `xml:"Etag"`
		ContentLength int64  `xml:"Content-Length"`
		ContentType   string `xml:"Content-Type"`
	} `xml:"Properties"`
}

type azureEnumerationResults struct {
	XMLName    xml.Name    `xml:"EnumerationResults"`
	Blobs      []azureBlob `xml:"Blobs>Blob"`
	NextMarker string      `xml:"NextMarker"`
}

// listBlobs follows NextMarker until fn returns false or the listing ends.
func (a *AzureAdapter) listBlobs(ctx context.Context, prefix string, fn func(azureBlob) bool) error {
	marker := ""
	for {
		q := url.Values{
			"restype": {"container"},
			"comp":    {"list"},
		}
		if prefix != "" {
			q.Set("prefix", prefix)
		}
		if marker != "" {
			q.Set("marker", marker)
		}

		a.counters.list.Inc()
		resp, err := a.send(ctx, http.MethodGet, a.containerURL(q), nil, nil)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			err := azureStatusError(resp)
			resp.Body.Close()
			return err
		}

		var page azureEnumerationResults
		err = xml.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to decode blob listing: %w", err)
		}

		for _, b := range page.Blobs {
			if !fn(b) {
				return nil
			}
		}
		if page.NextMarker == "" {
			return nil
		}
		marker = page.NextMarker
	}
}

func (a *AzureAdapter) head(ctx context.Context, path string) (*http.Response, error) {
	a.counters.head.Inc()
	return a.do(ctx, http.MethodHead, joinKey(a.prefix, path), nil, nil, nil)
}

func (a *AzureAdapter) do(ctx context.Context, method, key string, query url.Values, body []byte, headers http.Header) (*http.Response, error) {
	u, err := url.Parse(a.blobURL(key))
	if err != nil {
		return nil, err
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return a.send(ctx, method, u, body, headers)
}

// send authorizes u and performs the request.
func (a *AzureAdapter) send(ctx context.Context, method string, u *url.URL, body []byte, headers http.Header) (*http.Response, error) {
	auth := a.sasToken
	if auth == "" {
		canonical := fmt.Sprintf("/blob/%s/%s", a.account, a.container)
		auth = a.sas(canonical, "c", "racwdl", a.now().Add(15*time.Minute)).Encode()
	}
	if u.RawQuery == "" {
		u.RawQuery = auth
	} else {
		u.RawQuery += "&" + auth
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("x-ms-version", azureAPIVersion)
	req.Header.Set("x-ms-date", a.now().UTC().Format(http.TimeFormat))

	return a.httpClient.Do(req)
}

// sas builds service SAS query parameters for the canonicalized resource.
func (a *AzureAdapter) sas(canonical, resource, permissions string, expiry time.Time) url.Values {
	se := expiry.UTC().Format("2006-01-02T15:04:05Z")
	protocol := "https"
	if strings.HasPrefix(a.endpoint, "http://") {
		protocol = "https,http"
	}

	stringToSign := strings.Join([]string{
		permissions,
		"", // signed start
		se,
		canonical,
		"", // signed identifier
		"", // signed IP
		protocol,
		azureAPIVersion,
		resource,
		"", // snapshot time
		"", // encryption scope
		"", "", "", "", "", // response header overrides
	}, "\n")

	mac := hmac.New(sha256.New, a.accountKey)
	mac.Write([]byte(stringToSign))

	return url.Values{
		"sv":  {azureAPIVersion},
		"sr":  {resource},
		"sp":  {permissions},
		"se":  {se},
		"spr": {protocol},
		"sig": {base64.StdEncoding.EncodeToString(mac.Sum(nil))},
	}
}

func (a *AzureAdapter) blobURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", a.endpoint, a.container, escapeSegments(key))
}

func (a *AzureAdapter) containerURL(q url.Values) *url.URL {
	u, _ := url.Parse(fmt.Sprintf("%s/%s", a.endpoint, a.container))
	u.RawQuery = q.Encode()
	return u
}

func azureStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	var e struct {
		Code    string `xml:"Code"`
		Message string `xml:"Message"`
	}
	if xml.Unmarshal(body, &e) == nil && e.Code != "" {
		return fmt.Errorf("azure returned %d %s: %s", resp.StatusCode, e.Code, strings.TrimSpace(e.Message))
	}
	return fmt.Errorf("azure returned %d", resp.StatusCode)
}

func parseConnectionString(s string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(part, "=")
		if ok {
			out[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return out
}

func parseHTTPTime(v string) *time.Time {
	t, err := http.ParseTime(v)
	if err != nil {
		return nil
	}
	return timePtr(t)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
