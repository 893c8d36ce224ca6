package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/ruteri/multicloud-gateway/interfaces"
)

// s3Flavor describes how one S3-compatible service is addressed: where its
// credentials live in the backend settings, which endpoint to talk to, and what
// the public object URL looks like.
type s3Flavor struct {
	driver         string
	defaultRegion  string
	accessKeys     []string
	secretKeys     []string
	forcePathStyle bool
	supportsACL    bool
	endpoint       func(a *S3Adapter, cfg interfaces.BackendConfig) string
	objectURL      func(a *S3Adapter, key string) string
}

var awsFlavor = s3Flavor{
	driver:        "aws",
	defaultRegion: "us-east-1",
	accessKeys:    []string{"key", "access_key_id"},
	secretKeys:    []string{"secret", "secret_access_key"},
	supportsACL:   true,
	endpoint: func(a *S3Adapter, cfg interfaces.BackendConfig) string {
		return cfg.Get("endpoint")
	},
	objectURL: func(a *S3Adapter, key string) string {
		if a.endpoint != "" || a.pathStyle {
			return a.pathStyleURL(key)
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", a.bucket, a.region, key)
	},
}

// gcpFlavor talks to Cloud Storage through its S3-interoperable XML API with HMAC keys.
var gcpFlavor = s3Flavor{
	driver:         "gcp",
	defaultRegion:  "auto",
	accessKeys:     []string{"hmac_key", "access_key_id"},
	secretKeys:     []string{"hmac_secret", "secret_access_key"},
	forcePathStyle: true,
	supportsACL:    true,
	endpoint: func(a *S3Adapter, cfg interfaces.BackendConfig) string {
		if ep := cfg.Get("endpoint"); ep != "" {
			return ep
		}
		return "https://storage.googleapis.com"
	},
	objectURL: func(a *S3Adapter, key string) string {
		return fmt.Sprintf("https://storage.googleapis.com/%s/%s", a.bucket, key)
	},
}

var alibabaFlavor = s3Flavor{
	driver:        "alibaba",
	defaultRegion: "cn-hangzhou",
	accessKeys:    []string{"access_key_id"},
	secretKeys:    []string{"access_key_secret"},
	supportsACL:   true,
	endpoint: func(a *S3Adapter, cfg interfaces.BackendConfig) string {
		ep := cfg.Get("endpoint")
		if ep == "" {
			ep = "oss-" + a.region + ".aliyuncs.com"
		}
		return withScheme(ep)
	},
	objectURL: func(a *S3Adapter, key string) string {
		return fmt.Sprintf("https://%s.%s/%s", a.bucket, hostOf(a.endpoint), key)
	},
}

var ibmFlavor = s3Flavor{
	driver:        "ibm",
	defaultRegion: "us-south",
	accessKeys:    []string{"access_key_id", "hmac_access_key_id"},
	secretKeys:    []string{"secret_access_key", "hmac_secret_access_key"},
	supportsACL:   true,
	endpoint: func(a *S3Adapter, cfg interfaces.BackendConfig) string {
		ep := cfg.Get("endpoint")
		if ep == "" {
			ep = "s3." + a.region + ".cloud-object-storage.appdomain.cloud"
		}
		return withScheme(ep)
	},
	objectURL: func(a *S3Adapter, key string) string {
		return fmt.Sprintf("https://%s.%s/%s", a.bucket, hostOf(a.endpoint), key)
	},
}

var digitalOceanFlavor = s3Flavor{
	driver:        "digitalocean",
	defaultRegion: "nyc3",
	accessKeys:    []string{"access_key", "key"},
	secretKeys:    []string{"secret_key", "secret"},
	supportsACL:   true,
	endpoint: func(a *S3Adapter, cfg interfaces.BackendConfig) string {
		if ep := cfg.Get("endpoint"); ep != "" {
			return withScheme(ep)
		}
		return fmt.Sprintf("https://%s.digitaloceanspaces.com", a.region)
	},
	objectURL: func(a *S3Adapter, key string) string {
		if cdn := a.customDomain; cdn != "" {
			return fmt.Sprintf("https://%s/%s", cdn, key)
		}
		return fmt.Sprintf("https://%s.%s.digitaloceanspaces.com/%s", a.bucket, a.region, key)
	},
}

// oracleFlavor uses the Amazon S3 Compatibility API with customer secret keys.
var oracleFlavor = s3Flavor{
	driver:         "oracle",
	defaultRegion:  "us-ashburn-1",
	accessKeys:     []string{"access_key", "customer_access_key"},
	secretKeys:     []string{"secret_key", "customer_secret_key"},
	forcePathStyle: true,
	endpoint: func(a *S3Adapter, cfg interfaces.BackendConfig) string {
		if ep := cfg.Get("endpoint"); ep != "" {
			return withScheme(ep)
		}
		return fmt.Sprintf("https://%s.compat.objectstorage.%s.oraclecloud.com", a.namespace, a.region)
	},
	objectURL: func(a *S3Adapter, key string) string {
		return fmt.Sprintf("https://objectstorage.%s.oraclecloud.com/n/%s/b/%s/o/%s", a.region, a.namespace, a.bucket, key)
	},
}

var cloudflareFlavor = s3Flavor{
	driver:         "cloudflare",
	defaultRegion:  "auto",
	accessKeys:     []string{"access_key_id"},
	secretKeys:     []string{"secret_access_key"},
	forcePathStyle: true,
	endpoint: func(a *S3Adapter, cfg interfaces.BackendConfig) string {
		if ep := cfg.Get("endpoint"); ep != "" {
			return withScheme(ep)
		}
		return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.Get("account_id"))
	},
	objectURL: func(a *S3Adapter, key string) string {
		if cdn := a.customDomain; cdn != "" {
			return fmt.Sprintf("https://%s/%s", cdn, key)
		}
		return fmt.Sprintf("https://%s.r2.cloudflarestorage.com/%s", a.bucket, key)
	},
}

// genericS3Flavor covers any other S3-compatible endpoint (MinIO, Ceph, ...).
var genericS3Flavor = s3Flavor{
	driver:        "s3",
	defaultRegion: "us-east-1",
	accessKeys:    []string{"key", "access_key_id", "access_key"},
	secretKeys:    []string{"secret", "secret_access_key", "secret_key"},
	supportsACL:   true,
	endpoint: func(a *S3Adapter, cfg interfaces.BackendConfig) string {
		return cfg.Get("endpoint")
	},
	objectURL: func(a *S3Adapter, key string) string {
		return a.pathStyleURL(key)
	},
}

func newS3Constructor(f s3Flavor) Constructor {
	return func(d Deps) interfaces.Adapter {
		return NewS3Adapter(f, d)
	}
}

// S3Adapter implements interfaces.Adapter for Amazon S3 and S3-compatible services.
type S3Adapter struct {
	flavor       s3Flavor
	client       s3iface.S3API
	httpClient   *http.Client
	backend      string
	bucket       string
	prefix       string
	region       string
	endpoint     string
	namespace    string
	customDomain string
	pathStyle    bool
	acl          string
	counters     *requestCounters
	pricing      Pricing
	log          *slog.Logger
}

// NewS3Adapter creates an unconnected S3 adapter for the given flavor.
func NewS3Adapter(f s3Flavor, d Deps) *S3Adapter {
	return &S3Adapter{
		flavor:     f,
		httpClient: d.HTTPClient,
		counters:   newRequestCounters(),
		log:        d.Log,
	}
}

// Connect builds the SDK client from the backend settings. With the
// verify_on_connect setting the bucket is also checked with HeadBucket.
func (a *S3Adapter) Connect(ctx context.Context, cfg interfaces.BackendConfig) error {
	a.backend = cfg.Name
	a.bucket = cfg.Get("bucket")
	if a.bucket == "" {
		return fmt.Errorf("bucket is required for %s", a.flavor.driver)
	}
	a.prefix = strings.Trim(cfg.Get("prefix", "root"), "/")
	a.region = cfg.Get("region")
	if a.region == "" {
		a.region = a.flavor.defaultRegion
	}
	a.namespace = cfg.Get("namespace")
	a.customDomain = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(cfg.Get("custom_domain", "cdn_endpoint"), "https://"), "http://"), "/")
	a.pathStyle = a.flavor.forcePathStyle || cfg.Bool("use_path_style_endpoint")
	a.acl = cfg.Option("ACL")
	a.endpoint = a.flavor.endpoint(a, cfg)
	a.pricing = pricingFor(cfg)

	if a.flavor.driver == "oracle" && a.namespace == "" && cfg.Get("endpoint") == "" {
		return fmt.Errorf("namespace is required for oracle")
	}
	if a.flavor.driver == "cloudflare" && cfg.Get("account_id") == "" && cfg.Get("endpoint") == "" {
		return fmt.Errorf("account_id is required for cloudflare")
	}

	awsCfg := aws.Config{
		Region:           aws.String(a.region),
		S3ForcePathStyle: aws.Bool(a.pathStyle),
	}
	if a.endpoint != "" {
		awsCfg.Endpoint = aws.String(a.endpoint)
	}
	if a.httpClient != nil {
		awsCfg.HTTPClient = a.httpClient
	}

	accessKey := cfg.Get(a.flavor.accessKeys...)
	secretKey := cfg.Get(a.flavor.secretKeys...)
	if accessKey != "" && secretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, cfg.Get("session_token", "token"))
	} else {
		a.log.Warn("No static credentials configured, falling back to the default credential chain",
			slog.String("driver", a.flavor.driver))
	}

	sess, err := session.NewSession(&awsCfg)
	if err != nil {
		return fmt.Errorf("failed to create AWS session: %w", err)
	}
	a.client = s3.New(sess)

	if cfg.Bool("verify_on_connect") {
		if _, err := a.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
			return fmt.Errorf("bucket %s is not accessible: %w", a.bucket, err)
		}
	}

	a.log.Debug("S3 adapter connected",
		slog.String("driver", a.flavor.driver),
		slog.String("bucket", a.bucket),
		slog.String("region", a.region),
		slog.String("endpoint", a.endpoint))
	return nil
}

// Upload stores content with the configured ACL, cache control and metadata.
func (a *S3Adapter) Upload(ctx context.Context, path string, content []byte, opts interfaces.UploadOptions) (*interfaces.OperationResult, error) {
	start := time.Now()
	key := joinKey(a.prefix, path)
	contentType := detectContentType(path, content, opts.ContentType)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType),
	}
	if opts.CacheControl != "" {
		input.CacheControl = aws.String(opts.CacheControl)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = aws.StringMap(opts.Metadata)
	}
	if acl := a.objectACL(opts.Visibility); acl != "" {
		input.ACL = aws.String(acl)
	}

	a.counters.put.Inc()
	out, err := a.client.PutObjectWithContext(ctx, input)
	if err != nil {
		a.log.Error("Failed to put object",
			slog.String("bucket", a.bucket),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, providerErr(opUpload, path, err)
	}

	a.log.Debug("Stored object",
		slog.String("bucket", a.bucket),
		slog.String("key", key),
		slog.Int("size", len(content)),
		slog.Duration("duration", time.Since(start)))

	r := interfaces.Success(a.flavor.driver, opUpload, path)
	r.Size = int64(len(content))
	r.ETag = strings.Trim(aws.StringValue(out.ETag), `"`)
	r.ContentType = contentType
	r.URL = a.flavor.objectURL(a, key)
	return r, nil
}

// Download streams the object body into sink.
func (a *S3Adapter) Download(ctx context.Context, path string, sink io.Writer) (*interfaces.OperationResult, error) {
	start := time.Now()
	key := joinKey(a.prefix, path)

	a.counters.get.Inc()
	out, err := a.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			a.log.Debug("Object not found",
				slog.String("bucket", a.bucket),
				slog.String("key", key),
				slog.Duration("duration", time.Since(start)))
			return nil, notFoundErr(opDownload, path)
		}
		return nil, providerErr(opDownload, path, err)
	}
	defer out.Body.Close()

	n, err := io.Copy(sink, out.Body)
	if err != nil {
		return nil, providerErr(opDownload, path, fmt.Errorf("failed to read object body: %w", err))
	}

	a.log.Debug("Fetched object",
		slog.String("bucket", a.bucket),
		slog.String("key", key),
		slog.Int64("size", n),
		slog.Duration("duration", time.Since(start)))

	r := interfaces.Success(a.flavor.driver, opDownload, path)
	r.Size = n
	r.ETag = strings.Trim(aws.StringValue(out.ETag), `"`)
	r.ContentType = aws.StringValue(out.ContentType)
	r.LastModified = timePtr(aws.TimeValue(out.LastModified))
	return r, nil
}

// Delete removes the object. S3 reports success for missing keys and so does
// this adapter for services that do not.
func (a *S3Adapter) Delete(ctx context.Context, path string) (*interfaces.OperationResult, error) {
	key := joinKey(a.prefix, path)

	a.counters.delete.Inc()
	_, err := a.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFound(err) {
		return nil, providerErr(opDelete, path, err)
	}

	a.log.Debug("Deleted object", slog.String("bucket", a.bucket), slog.String("key", key))
	return interfaces.Success(a.flavor.driver, opDelete, path), nil
}

// List pages through objects under prefix until opts.Limit entries are collected.
func (a *S3Adapter) List(ctx context.Context, prefix string, opts interfaces.ListOptions) (*interfaces.OperationResult, error) {
	files := []interfaces.FileMetadata{}
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(joinKey(a.prefix, prefix)),
	}

	err := a.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		a.counters.list.Inc()
		for _, obj := range page.Contents {
			p := trimKey(a.prefix, aws.StringValue(obj.Key))
			files = append(files, fileEntry(p, aws.Int64Value(obj.Size), aws.StringValue(obj.ETag), "", aws.TimeValue(obj.LastModified)))
			if opts.Limit > 0 && len(files) >= opts.Limit {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, providerErr(opList, prefix, err)
	}

	r := interfaces.Success(a.flavor.driver, opList, prefix)
	r.Files = files
	r.Count = len(files)
	return r, nil
}

// Exists issues a HEAD request; a 404 means false.
func (a *S3Adapter) Exists(ctx context.Context, path string) (bool, error) {
	_, err := a.head(ctx, path)
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, providerErr("exists", path, err)
	}
	return true, nil
}

// GetMetadata returns the object's HEAD attributes and user metadata.
func (a *S3Adapter) GetMetadata(ctx context.Context, path string) (*interfaces.OperationResult, error) {
	out, err := a.head(ctx, path)
	if err != nil {
		if isS3NotFound(err) {
			return nil, notFoundErr(opMetadata, path)
		}
		return nil, providerErr(opMetadata, path, err)
	}

	r := interfaces.Success(a.flavor.driver, opMetadata, path)
	r.Size = aws.Int64Value(out.ContentLength)
	r.ETag = strings.Trim(aws.StringValue(out.ETag), `"`)
	r.ContentType = aws.StringValue(out.ContentType)
	r.LastModified = timePtr(aws.TimeValue(out.LastModified))
	r.Metadata = aws.StringValueMap(out.Metadata)
	r.URL = a.flavor.objectURL(a, joinKey(a.prefix, path))
	if cc := aws.StringValue(out.CacheControl); cc != "" {
		r.Details = map[string]any{"cache_control": cc}
	}
	return r, nil
}

// GenerateSignedURL presigns a GET request with SigV4.
func (a *S3Adapter) GenerateSignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	req, _ := a.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(joinKey(a.prefix, path)),
	})
	req.SetContext(ctx)

	url, err := req.Presign(ttl)
	if err != nil {
		a.log.Warn("Failed to presign URL", slog.String("key", path), "err", err)
		return "", fmt.Errorf("%w: %v", interfaces.ErrSigningFailed, err)
	}
	return url, nil
}

// GetUsage lists every object under the backend prefix to measure stored volume.
func (a *S3Adapter) GetUsage(ctx context.Context) (*interfaces.OperationResult, error) {
	var objects, total int64
	input := &s3.ListObjectsV2Input{Bucket: aws.String(a.bucket)}
	if a.prefix != "" {
		input.Prefix = aws.String(a.prefix + "/")
	}

	err := a.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		a.counters.list.Inc()
		for _, obj := range page.Contents {
			objects++
			total += aws.Int64Value(obj.Size)
		}
		return true
	})
	if err != nil {
		return nil, providerErr(opUsage, a.bucket, err)
	}

	r := interfaces.Success(a.flavor.driver, opUsage, "")
	r.Usage = buildUsage(objects, total, a.counters, a.pricing)
	r.Usage.Extra = map[string]any{"bucket": a.bucket, "region": a.region}
	return r, nil
}

// TestConnection checks that the bucket is reachable with HeadBucket.
func (a *S3Adapter) TestConnection(ctx context.Context) (*interfaces.OperationResult, error) {
	start := time.Now()
	a.counters.head.Inc()
	_, err := a.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	if err != nil {
		a.log.Warn("S3 backend unavailable",
			slog.String("bucket", a.bucket),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, providerErr(opTest, a.bucket, err)
	}

	r := interfaces.Success(a.flavor.driver, opTest, "")
	r.Message = "Connection successful"
	r.Details = map[string]any{
		"bucket":     a.bucket,
		"region":     a.region,
		"endpoint":   a.endpoint,
		"latency_ms": time.Since(start).Milliseconds(),
	}
	return r, nil
}

func (a *S3Adapter) Name() string {
	return a.flavor.driver
}

func (a *S3Adapter) Version() string {
	return adapterVersion
}

// ObjectURL returns the public (unsigned) URL of path.
func (a *S3Adapter) ObjectURL(path string) string {
	return a.flavor.objectURL(a, joinKey(a.prefix, path))
}

func (a *S3Adapter) head(ctx context.Context, path string) (*s3.HeadObjectOutput, error) {
	a.counters.head.Inc()
	return a.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(joinKey(a.prefix, path)),
	})
}

func (a *S3Adapter) objectACL(visibility string) string {
	if !a.flavor.supportsACL {
		return ""
	}
	switch visibility {
	case "public":
		return s3.ObjectCannedACLPublicRead
	case "private":
		return s3.ObjectCannedACLPrivate
	}
	return a.acl
}

func (a *S3Adapter) pathStyleURL(key string) string {
	base := a.endpoint
	if base == "" {
		base = fmt.Sprintf("https://s3.%s.amazonaws.com", a.region)
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(base, "/"), a.bucket, key)
}

func isS3NotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

func withScheme(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return "https://" + endpoint
}

func hostOf(endpoint string) string {
	return strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
}
