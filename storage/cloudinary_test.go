package storage

import (
	"bytes"
	"context"
	"encoding/json"
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

const (
	testCloud  = "demo"
	testKey    = "123456"
	testSecret = "shh"
)

// fakeCloudinary serves the upload, admin and delivery endpoints for one
// cloud from memory. Resource listings return two assets per page.
type fakeCloudinary struct {
	mu     sync.Mutex
	assets map[string][]byte
	down   bool
}

func (f *fakeCloudinary) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	if id, ok := strings.CutPrefix(r.URL.Path, "/res/"+testCloud+"/raw/upload/"); ok {
		body, found := f.assets[id]
		if !found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write(body)
		return
	}

	api := strings.TrimPrefix(r.URL.Path, "/v1_1/"+testCloud)
	switch {
	case api == "/raw/upload" || api == "/raw/destroy":
		f.signed(w, r, api)
	case api == "/ping" || api == "/usage" || strings.HasPrefix(api, "/resources/raw/upload"):
		if user, pass, ok := r.BasicAuth(); !ok || user != testKey || pass != testSecret {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]string{"message": "Invalid credentials"}})
			return
		}
		f.admin(w, r, api)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeCloudinary) signed(w http.ResponseWriter, r *http.Request, api string) {
	var params url.Values
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		params = url.Values(r.MultipartForm.Value)
	} else {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		params = r.PostForm
	}

	if params.Get("api_key") != testKey || params.Get("signature") != cloudinarySignature(params, testSecret) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]string{"message": "Invalid Signature"}})
		return
	}

	id := params.Get("public_id")
	if api == "/raw/destroy" {
		if _, ok := f.assets[id]; !ok {
			writeJSON(w, http.StatusOK, map[string]string{"result": "not found"})
			return
		}
		delete(f.assets, id)
		writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	body, _ := io.ReadAll(file)
	f.assets[id] = body
	writeJSON(w, http.StatusOK, f.resource(id))
}

func (f *fakeCloudinary) admin(w http.ResponseWriter, r *http.Request, api string) {
	switch api {
	case "/ping":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case "/usage":
		var total int
		for _, b := range f.assets {
			total += len(b)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"plan":      "Free",
			"resources": len(f.assets),
			"requests":  42,
			"storage":   map[string]int{"usage": total},
			"bandwidth": map[string]int{"usage": 1000},
		})
	case "/resources/raw/upload":
		var ids []string
		for id := range f.assets {
			if strings.HasPrefix(id, r.URL.Query().Get("prefix")) {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		start, _ := strconv.Atoi(r.URL.Query().Get("next_cursor"))
		end, next := start+2, strconv.Itoa(start+2)
		if end >= len(ids) {
			end, next = len(ids), ""
		}
		page := map[string]any{"resources": []map[string]any{}}
		var resources []map[string]any
		for _, id := range ids[start:end] {
			resources = append(resources, f.resource(id))
		}
		if resources != nil {
			page["resources"] = resources
		}
		if next != "" {
			page["next_cursor"] = next
		}
		writeJSON(w, http.StatusOK, page)
	default:
		id := strings.TrimPrefix(api, "/resources/raw/upload/")
		if _, ok := f.assets[id]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]string{"message": "Resource not found - " + id}})
			return
		}
		writeJSON(w, http.StatusOK, f.resource(id))
	}
}

func (f *fakeCloudinary) resource(id string) map[string]any {
	return map[string]any{
		"public_id":     id,
		"version":       1700000000,
		"resource_type": "raw",
		"bytes":         len(f.assets[id]),
		"etag":          "etag-" + id,
		"secure_url":    "https://res.cloudinary.com/" + testCloud + "/raw/upload/v1700000000/" + id,
		"created_at":    "2024-01-02T03:04:05Z",
	}
}

func (f *fakeCloudinary) asset(id string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assets[id]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newTestCloudinaryAdapter(t *testing.T, settings map[string]string) (*CloudinaryAdapter, *fakeCloudinary) {
	t.Helper()
	fake := &fakeCloudinary{assets: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	base := map[string]string{
		"cloud_name":        testCloud,
		"api_key":           testKey,
		"api_secret":        testSecret,
		"api_base_url":      srv.URL + "/v1_1",
		"delivery_base_url": srv.URL + "/res",
	}
	for k, v := range settings {
		base[k] = v
	}

	a := NewCloudinaryAdapter(Deps{Log: testDeps().Log, HTTPClient: srv.Client()})
	require.NoError(t, a.Connect(context.Background(), interfaces.BackendConfig{
		Name: "cloudinary", Driver: "cloudinary", Settings: base,
	}))
	return a, fake
}

func TestCloudinarySignature(t *testing.T) {
	params := url.Values{
		"timestamp": {"1315060510"},
		"public_id": {"sample_image"},
		"eager":     {"w_400,h_300,c_pad|w_260,h_200,c_crop"},
		"api_key":   {"ignored"},
		"file":      {"ignored"},
	}
	assert.Equal(t, "bfd09f95f331f558cbd1320e67aa8d488770583e", cloudinarySignature(params, "abcd"))
}

func TestCloudinaryAdapter_Connect(t *testing.T) {
	err := NewCloudinaryAdapter(testDeps()).Connect(context.Background(), interfaces.BackendConfig{
		Name: "cloudinary", Driver: "cloudinary", Settings: map[string]string{"cloud_name": "demo"},
	})
	assert.ErrorContains(t, err, "api_secret")
}

func TestCloudinaryAdapter_Operations(t *testing.T) {
	ctx := context.Background()
	a, fake := newTestCloudinaryAdapter(t, map[string]string{"folder": "site"})

	res, err := a.Upload(ctx, "docs/a.txt", []byte("hello"), interfaces.UploadOptions{
		Metadata: map[string]string{"owner": "web"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cloudinary", res.Provider)
	assert.Equal(t, "site/docs/a.txt", res.Details["public_id"])
	assert.Contains(t, res.URL, "site/docs/a.txt")
	assert.Equal(t, []byte("hello"), fake.asset("site/docs/a.txt"))

	var buf bytes.Buffer
	_, err = a.Download(ctx, "docs/a.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", buf.String())

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
	assert.Equal(t, 2024, meta.LastModified.Year())

	_, err = a.GetMetadata(ctx, "docs/missing.txt")
	assert.ErrorIs(t, err, interfaces.ErrObjectNotFound)

	for _, p := range []string{"docs/b.txt", "docs/c.txt"} {
		_, err := a.Upload(ctx, p, []byte("xy"), interfaces.UploadOptions{})
		require.NoError(t, err)
	}

	list, err := a.List(ctx, "docs/", interfaces.ListOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, list.Count, "listing follows next_cursor")
	assert.Equal(t, "docs/a.txt", list.Files[0].Path)

	list, err = a.List(ctx, "docs/", interfaces.ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, list.Count)

	usage, err := a.GetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage.Usage.Storage.ObjectCount)
	assert.Equal(t, int64(9), usage.Usage.Storage.TotalBytes)
	assert.Equal(t, int64(42), usage.Usage.Requests["api_requests"])
	assert.Equal(t, "Free", usage.Usage.Extra["plan"])

	_, err = a.Delete(ctx, "docs/a.txt")
	require.NoError(t, err)
	_, err = a.Delete(ctx, "docs/a.txt")
	require.NoError(t, err, "destroying a missing asset succeeds")

	test, err := a.TestConnection(ctx)
	require.NoError(t, err)
	assert.Equal(t, testCloud, test.Details["cloud_name"])

	fake.mu.Lock()
	fake.down = true
	fake.mu.Unlock()
	_, err = a.TestConnection(ctx)
	assert.ErrorIs(t, err, interfaces.ErrProvider)
}

func TestCloudinaryAdapter_BadCredentials(t *testing.T) {
	a, _ := newTestCloudinaryAdapter(t, map[string]string{"api_secret": "wrong"})

	_, err := a.Upload(context.Background(), "a.txt", []byte("a"), interfaces.UploadOptions{})
	assert.ErrorIs(t, err, interfaces.ErrProvider)
	assert.ErrorContains(t, err, "Invalid Signature")

	_, err = a.Exists(context.Background(), "a.txt")
	assert.ErrorContains(t, err, "Invalid credentials")
}

func TestCloudinaryAdapter_SignedURL(t *testing.T) {
	a, _ := newTestCloudinaryAdapter(t, nil)
	now := time.Unix(1700000000, 0)
	a.now = func() time.Time { return now }

	signed, err := a.GenerateSignedURL(context.Background(), "docs/a.txt", time.Hour)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u.Path, "/v1_1/demo/raw/download"))

	q := u.Query()
	assert.Equal(t, "docs/a.txt", q.Get("public_id"))
	assert.Equal(t, "1700000000", q.Get("timestamp"))
	assert.Equal(t, "1700003600", q.Get("expires_at"))
	assert.Equal(t, testKey, q.Get("api_key"))
	assert.Equal(t, cloudinarySignature(q, testSecret), q.Get("signature"))
}
