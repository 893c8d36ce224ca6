package storage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/multicloud-gateway/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBlob struct {
	body        []byte
	contentType string
	meta        map[string]string
}

// fakeBlobService emulates the subset of the Blob REST API the adapter uses,
// for a single container named "media". It serves two blobs per list page.
type fakeBlobService struct {
	mu    sync.Mutex
	blobs map[string]fakeBlob
}

func (f *fakeBlobService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("sig") == "" || q.Get("sv") != azureAPIVersion {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `<?xml version="1.0"?><Error><Code>AuthenticationFailed</Code><Message>no signature</Message></Error>`)
		return
	}
	if r.Header.Get("x-ms-version") != azureAPIVersion {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(r.URL.Path, "/media") {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	name := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/media"), "/")
	if name == "" {
		if q.Get("comp") == "list" {
			f.list(w, q.Get("prefix"), q.Get("marker"))
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	blob, ok := f.blobs[name]
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		meta := map[string]string{}
		for k := range r.Header {
			if lk := strings.ToLower(k); strings.HasPrefix(lk, "x-ms-meta-") {
				meta[strings.TrimPrefix(lk, "x-ms-meta-")] = r.Header.Get(k)
			}
		}
		f.blobs[name] = fakeBlob{body: body, contentType: r.Header.Get("x-ms-blob-content-type"), meta: meta}
		w.Header().Set("ETag", `"0x8D1"`)
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet, http.MethodHead:
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", blob.contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(blob.body)))
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		w.Header().Set("ETag", `"0x8D1"`)
		w.Header().Set("x-ms-blob-type", "BlockBlob")
		for k, v := range blob.meta {
			w.Header().Set("x-ms-meta-"+k, v)
		}
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(blob.body)
		}
	case http.MethodDelete:
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.blobs, name)
		w.WriteHeader(http.StatusAccepted)
	}
}

func (f *fakeBlobService) blob(name string) (fakeBlob, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[name]
	return b, ok
}

func (f *fakeBlobService) list(w http.ResponseWriter, prefix, marker string) {
	var names []string
	for n := range f.blobs {
		if strings.HasPrefix(n, prefix) {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	start, _ := strconv.Atoi(marker)
	end := start + 2
	next := strconv.Itoa(end)
	if end >= len(names) {
		end = len(names)
		next = ""
	}

	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?><EnumerationResults ContainerName="media"><Blobs>`)
	for _, n := range names[start:end] {
		fmt.Fprintf(&b, `<Blob><Name>%s</Name><Properties><Last-Modified>Mon, 02 Jan 2006 15:04:05 GMT</Last-Modified><Etag>0x8D1</Etag><Content-Length>%d</Content-Length><Content-Type>%s</Content-Type></Properties></Blob>`,
			n, len(f.blobs[n].body), f.blobs[n].contentType)
	}
	fmt.Fprintf(&b, `</Blobs><NextMarker>%s</NextMarker></EnumerationResults>`, next)
	w.Header().Set("Content-Type", "application/xml")
	w.Write(b.Bytes())
}

var testAccountKey = base64.StdEncoding.EncodeToString([]byte("azure-test-key"))

func newTestAzureAdapter(t *testing.T, settings map[string]string) (*AzureAdapter, *fakeBlobService) {
	t.Helper()
	svc := &fakeBlobService{blobs: map[string]fakeBlob{}}
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)

	base := map[string]string{
		"account_name": "acct",
		"container":    "media",
		"endpoint":     srv.URL,
	}
	for k, v := range settings {
		base[k] = v
	}

	a := NewAzureAdapter(Deps{Log: testDeps().Log, HTTPClient: srv.Client()})
	require.NoError(t, a.Connect(context.Background(), interfaces.BackendConfig{
		Name: "azure", Driver: "azure", Settings: base,
	}))
	return a, svc
}

func TestAzureAdapter_Connect(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]string
		errMsg   string
	}{
		{"missing container", map[string]string{"account_name": "a", "account_key": testAccountKey}, "container"},
		{"missing credentials", map[string]string{"account_name": "a", "container": "c"}, "account_key or sas_token"},
		{"bad key", map[string]string{"account_name": "a", "container": "c", "account_key": "not base64!"}, "base64"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewAzureAdapter(testDeps()).Connect(context.Background(), interfaces.BackendConfig{
				Name: "azure", Driver: "azure", Settings: tt.settings,
			})
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestAzureAdapter_ConnectionString(t *testing.T) {
	a := NewAzureAdapter(testDeps())
	err := a.Connect(context.Background(), interfaces.BackendConfig{
		Name:   "azure",
		Driver: "azure",
		Settings: map[string]string{
			"container":         "media",
			"connection_string": "DefaultEndpointsProtocol=https;AccountName=acct;AccountKey=" + testAccountKey + ";EndpointSuffix=core.chinacloudapi.cn",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "acct", a.account)
	assert.Equal(t, "https://acct.blob.core.chinacloudapi.cn", a.endpoint)
	assert.Equal(t, "https://acct.blob.core.chinacloudapi.cn/media/a%20b/c.txt", a.blobURL("a b/c.txt"))
}

func TestAzureAdapter_Operations(t *testing.T) {
	ctx := context.Background()
	a, svc := newTestAzureAdapter(t, map[string]string{"account_key": testAccountKey})

	res, err := a.Upload(ctx, "docs/a.txt", []byte("hello"), interfaces.UploadOptions{
		Metadata: map[string]string{"owner": "ops"},
	})
	require.NoError(t, err)
	assert.Equal(t, "azure", res.Provider)
	assert.Equal(t, "0x8D1", res.ETag)
	blob, ok := svc.blob("docs/a.txt")
	require.True(t, ok)
	assert.Contains(t, blob.contentType, "text/plain")

	var buf bytes.Buffer
	res, err = a.Download(ctx, "docs/a.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", buf.String())
	require.NotNil(t, res.LastModified)
	assert.Equal(t, 2006, res.LastModified.Year())

	_, err = a.Download(ctx, "docs/missing.txt", &buf)
	assert.ErrorIs(t, err, interfaces.ErrObjectNotFound)

	exists, err := a.Exists(ctx, "docs/a.txt")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = a.Exists(ctx, "docs/missing.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	meta, err := a.GetMetadata(ctx, "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), meta.Size)
	assert.Equal(t, "ops", meta.Metadata["owner"])
	assert.Equal(t, "BlockBlob", meta.Details["blob_type"])

	for _, p := range []string{"docs/b.txt", "docs/c.txt", "img/d.png"} {
		_, err := a.Upload(ctx, p, []byte("xy"), interfaces.UploadOptions{})
		require.NoError(t, err)
	}

	list, err := a.List(ctx, "docs/", interfaces.ListOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, list.Count, "listing follows NextMarker")
	assert.Equal(t, "docs/a.txt", list.Files[0].Path)
	assert.Equal(t, "a.txt", list.Files[0].Name)

	list, err = a.List(ctx, "", interfaces.ListOptions{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, list.Count)

	usage, err := a.GetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), usage.Usage.Storage.ObjectCount)
	assert.Equal(t, int64(11), usage.Usage.Storage.TotalBytes)

	_, err = a.Delete(ctx, "docs/a.txt")
	require.NoError(t, err)
	_, err = a.Delete(ctx, "docs/a.txt")
	require.NoError(t, err, "a missing blob counts as deleted")

	test, err := a.TestConnection(ctx)
	require.NoError(t, err)
	assert.Equal(t, "media", test.Details["container"])
}

func TestAzureAdapter_SASToken(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAzureAdapter(t, map[string]string{"sas_token": "?sv=" + azureAPIVersion + "&sr=c&sp=racwdl&sig=abc"})

	_, err := a.Upload(ctx, "a.txt", []byte("a"), interfaces.UploadOptions{})
	require.NoError(t, err)

	signed, err := a.GenerateSignedURL(ctx, "a.txt", time.Hour)
	require.NoError(t, err)
	assert.Empty(t, signed, "no signed URL without the account key")
}

func TestAzureAdapter_RejectedRequest(t *testing.T) {
	a, _ := newTestAzureAdapter(t, map[string]string{"sas_token": "sv=2019-01-01&sig=abc"})
	_, err := a.Upload(context.Background(), "a.txt", []byte("a"), interfaces.UploadOptions{})
	assert.ErrorIs(t, err, interfaces.ErrProvider)
	assert.ErrorContains(t, err, "AuthenticationFailed")
}

func TestAzureAdapter_SignedURL(t *testing.T) {
	a, _ := newTestAzureAdapter(t, map[string]string{"account_key": testAccountKey})
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	signed, err := a.GenerateSignedURL(context.Background(), "docs/a.txt", 2*time.Hour)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "/media/docs/a.txt", u.Path)

	q := u.Query()
	assert.Equal(t, "b", q.Get("sr"))
	assert.Equal(t, "r", q.Get("sp"))
	assert.Equal(t, "2025-03-01T14:00:00Z", q.Get("se"))
	assert.Equal(t, "https,http", q.Get("spr"))

	stringToSign := "r\n\n2025-03-01T14:00:00Z\n/blob/acct/media/docs/a.txt\n\n\nhttps,http\n" + azureAPIVersion + "\nb\n\n\n\n\n\n\n"
	mac := hmac.New(sha256.New, []byte("azure-test-key"))
	mac.Write([]byte(stringToSign))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), q.Get("sig"))
}
