package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ruteri/multicloud-gateway/gateway"
	"github.com/ruteri/multicloud-gateway/interfaces"
	"github.com/ruteri/multicloud-gateway/registry"
	"github.com/ruteri/multicloud-gateway/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func testHandlerOptions() HandlerOptions {
	return HandlerOptions{
		MaxFileSize:       1024,
		AllowedExtensions: []string{"txt", "json", "png"},
	}
}

// newTestHandler serves two in-memory backends, aws falling back to azure,
// plus a disabled gcp entry.
func newTestHandler(t *testing.T, opts HandlerOptions) *Handler {
	t.Helper()
	reg, err := registry.New([]interfaces.BackendConfig{
		{Name: "aws", Driver: "memory", DisplayName: "Amazon Web Services", Enabled: true},
		{Name: "azure", Driver: "memory", DisplayName: "Microsoft Azure", Enabled: true},
		{Name: "gcp", Driver: "memory", DisplayName: "Google Cloud Platform", Enabled: false},
	}, "aws", storage.NewFactory(testLog), testLog)
	require.NoError(t, err)

	gw, err := gateway.New(gateway.Options{
		Registry: reg,
		Fallback: gateway.FallbackPolicy{
			Enabled:    true,
			Chains:     map[string][]string{"aws": {"azure"}},
			MaxRetries: 1,
		},
		Log: testLog,
	})
	require.NoError(t, err)
	return NewHandler(gw, opts, testLog)
}

func multipartUpload(t *testing.T, fields map[string]string, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestHandleUpload_RoundTrip(t *testing.T) {
	router := newTestHandler(t, testHandlerOptions()).Router()

	w := serve(router, multipartUpload(t, map[string]string{"path": "notes/hello.txt", "visibility": "public"}, "hello.txt", []byte("hello world")))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "aws", w.Header().Get(ServedByHeader))
	body := decode(t, w)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "aws", body["served_by"])

	w = serve(router, httptest.NewRequest(http.MethodGet, "/download?path=notes/hello.txt", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello world", w.Body.String())
	assert.Equal(t, "aws", w.Header().Get(ServedByHeader))
	assert.Equal(t, "1", w.Header().Get(AttemptsHeader))
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))

	w = serve(router, httptest.NewRequest(http.MethodGet, "/exists?path=notes/hello.txt", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["exists"])

	w = serve(router, httptest.NewRequest(http.MethodGet, "/metadata?path=notes/hello.txt", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 11, decode(t, w)["size"])

	w = serve(router, httptest.NewRequest(http.MethodGet, "/list?path=notes&limit=10", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = serve(router, httptest.NewRequest(http.MethodDelete, "/delete?path=notes/hello.txt", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = serve(router, httptest.NewRequest(http.MethodDelete, "/delete?path=notes/hello.txt", nil))
	assert.Equal(t, http.StatusOK, w.Code, "deleting a missing object succeeds")
}

func TestHandleUpload_Validation(t *testing.T) {
	router := newTestHandler(t, testHandlerOptions()).Router()

	tests := []struct {
		name     string
		fields   map[string]string
		filename string
		content  []byte
		field    string
	}{
		{"missing path", map[string]string{}, "a.txt", []byte("x"), "path"},
		{"long path", map[string]string{"path": strings.Repeat("p", 256)}, "a.txt", []byte("x"), "path"},
		{"missing file", map[string]string{"path": "a.txt"}, "", nil, "file"},
		{"unknown provider", map[string]string{"path": "a.txt", "provider": "dropbox"}, "a.txt", []byte("x"), "provider"},
		{"disabled provider", map[string]string{"path": "a.txt", "provider": "gcp"}, "a.txt", []byte("x"), "provider"},
		{"bad visibility", map[string]string{"path": "a.txt", "visibility": "world"}, "a.txt", []byte("x"), "visibility"},
		{"extension", map[string]string{"path": "a.sh"}, "a.sh", []byte("x"), "file"},
		{"too large", map[string]string{"path": "a.txt"}, "a.txt", bytes.Repeat([]byte("x"), 2048), "file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, multipartUpload(t, tt.fields, tt.filename, tt.content))
			require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

			body := decode(t, w)
			assert.Equal(t, "Validation failed", body["message"])
			errs, ok := body["errors"].(map[string]any)
			require.True(t, ok)
			assert.Contains(t, errs, tt.field)
		})
	}

	w := serve(router, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("not a form")))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandleUpload_GatewayValidation(t *testing.T) {
	router := newTestHandler(t, testHandlerOptions()).Router()

	w := serve(router, multipartUpload(t, map[string]string{"path": "../etc/passwd.txt"}, "a.txt", []byte("x")))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "validation", decode(t, w)["error_kind"])
}

func TestHandleDownload_NotFoundEverywhere(t *testing.T) {
	router := newTestHandler(t, testHandlerOptions()).Router()

	w := serve(router, httptest.NewRequest(http.MethodGet, "/download?path=missing.txt", nil))
	require.Equal(t, http.StatusNotFound, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "fallback_exhausted", body["error_kind"])
	assert.Equal(t, []any{"aws", "azure"}, body["tried"])

	w = serve(router, httptest.NewRequest(http.MethodGet, "/download", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandleSignedURL(t *testing.T) {
	router := newTestHandler(t, testHandlerOptions()).Router()

	w := serve(router, httptest.NewRequest(http.MethodGet, "/signed-url?path=a.txt&provider=azure", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.EqualValues(t, 3600, body["expiration"])
	assert.Equal(t, "azure", body["provider"])
	assert.True(t, strings.HasPrefix(body["signed_url"].(string), "memory://azure/a.txt?expires="))
	assert.NotEmpty(t, body["expires_at"])

	for _, q := range []string{"expiration=59", "expiration=604801", "expiration=soon"} {
		w := serve(router, httptest.NewRequest(http.MethodGet, "/signed-url?path=a.txt&"+q, nil))
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code, q)
	}
}

func TestHandleUsage(t *testing.T) {
	h := newTestHandler(t, testHandlerOptions())
	router := h.Router()

	_, err := h.gateway.Upload(context.Background(), "azure", "a.txt", []byte("12345"), interfaces.UploadOptions{})
	require.NoError(t, err)

	w := serve(router, httptest.NewRequest(http.MethodGet, "/usage?provider=azure&provider=aws", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	raw := w.Body.String()
	assert.Less(t, strings.Index(raw, `"azure"`), strings.Index(raw, `"aws"`), "entries follow request order")

	body := decode(t, w)
	totals := body["totals"].(map[string]any)
	assert.EqualValues(t, 5, totals["total_size_bytes"])
	assert.EqualValues(t, 2, totals["backends"])

	w = serve(router, httptest.NewRequest(http.MethodGet, "/usage?all=true&provider=nope", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(router, httptest.NewRequest(http.MethodGet, "/usage?provider=nope", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandleProvidersAndTestConnection(t *testing.T) {
	router := newTestHandler(t, testHandlerOptions()).Router()

	w := serve(router, httptest.NewRequest(http.MethodGet, "/providers", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "aws", body["default"])
	providers := body["providers"].([]any)
	require.Len(t, providers, 3)
	assert.Equal(t, "Google Cloud Platform", providers[2].(map[string]any)["name"])
	assert.Equal(t, false, providers[2].(map[string]any)["enabled"])

	w = serve(router, httptest.NewRequest(http.MethodGet, "/test-connection?provider=azure", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "azure", w.Header().Get(ServedByHeader))
}

func TestRequireAPIKey(t *testing.T) {
	opts := testHandlerOptions()
	opts.APIKeys = []string{"k1", "k2"}
	router := newTestHandler(t, opts).Router()

	w := serve(router, httptest.NewRequest(http.MethodGet, "/providers", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/providers", nil)
	req.Header.Set(APIKeyHeader, "wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(router, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/providers", nil)
	req.Header.Set(APIKeyHeader, "k2")
	assert.Equal(t, http.StatusOK, serve(router, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/providers", nil)
	req.Header.Set("Authorization", "Bearer k1")
	assert.Equal(t, http.StatusOK, serve(router, req).Code)
}

func TestStatusFor(t *testing.T) {
	notFound := fmt.Errorf("%w: %w: download a", interfaces.ErrProvider, interfaces.ErrObjectNotFound)
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", interfaces.Validationf("bad"), http.StatusUnprocessableEntity},
		{"unknown backend", interfaces.ErrUnknownBackend, http.StatusNotFound},
		{"connection", interfaces.ErrConnection, http.StatusBadGateway},
		{"provider", interfaces.ErrProvider, http.StatusBadGateway},
		{"not found", notFound, http.StatusNotFound},
		{"signing", interfaces.ErrSigningFailed, http.StatusBadGateway},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable},
		{"exhausted", &interfaces.FallbackError{Failures: []interfaces.BackendFailure{
			{Backend: "a", Attempts: 1, Err: notFound},
			{Backend: "b", Attempts: 1, Err: interfaces.ErrProvider},
		}}, http.StatusServiceUnavailable},
		{"exhausted not found", &interfaces.FallbackError{Failures: []interfaces.BackendFailure{
			{Backend: "a", Attempts: 1, Err: notFound},
		}}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, statusFor(tt.err))
		})
	}
}
