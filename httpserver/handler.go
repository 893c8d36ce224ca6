package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/multicloud-gateway/config"
	"github.com/ruteri/multicloud-gateway/gateway"
	"github.com/ruteri/multicloud-gateway/interfaces"
)

// Header constants used in HTTP requests and responses.
const (
	// ServedByHeader names the backend that served the request.
	ServedByHeader = "X-Served-By"
	// AttemptsHeader is the number of adapter calls the request took.
	AttemptsHeader = "X-Attempts"
	// APIKeyHeader carries the caller's API key when authentication is required.
	APIKeyHeader = "X-API-Key"

	maxPathLength = 255

	defaultExpiration = 3600
	minExpiration     = 60
	maxExpiration     = 604800

	// multipartOverhead is allowed on top of the file size limit for form fields.
	multipartOverhead = 1 << 20
)

// HandlerOptions holds the request limits enforced at the boundary.
type HandlerOptions struct {
	MaxFileSize       int64
	AllowedExtensions []string
	// APIKeys, when non-empty, are required on every storage request.
	APIKeys []string
}

// HandlerOptionsFromConfig derives handler limits from the loaded configuration.
func HandlerOptionsFromConfig(cfg *config.Config) HandlerOptions {
	opts := HandlerOptions{
		MaxFileSize:       cfg.Settings.Upload.MaxFileSize,
		AllowedExtensions: cfg.Settings.Upload.AllowedExtensions,
	}
	if cfg.Settings.Security.RequireAuthentication {
		opts.APIKeys = cfg.Settings.Security.APIKeys
	}
	return opts
}

// Handler serves the storage API on top of a Gateway.
type Handler struct {
	gateway *gateway.Gateway
	opts    HandlerOptions
	log     *slog.Logger
}

func NewHandler(gw *gateway.Gateway, opts HandlerOptions, log *slog.Logger) *Handler {
	return &Handler{
		gateway: gw,
		opts:    opts,
		log:     log,
	}
}

// Router returns the storage routes, relative to the API prefix.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	if len(h.opts.APIKeys) > 0 {
		r.Use(h.requireAPIKey)
	}
	r.Post("/upload", h.HandleUpload)
	r.Get("/download", h.HandleDownload)
	r.Delete("/delete", h.HandleDelete)
	r.Get("/list", h.HandleList)
	r.Get("/exists", h.HandleExists)
	r.Get("/metadata", h.HandleMetadata)
	r.Get("/signed-url", h.HandleSignedURL)
	r.Get("/usage", h.HandleUsage)
	r.Get("/test-connection", h.HandleTestConnection)
	r.Get("/providers", h.HandleProviders)
	return r
}

// validationErrors collects per-field messages.
type validationErrors map[string][]string

func (v validationErrors) add(field, format string, args ...any) {
	v[field] = append(v[field], fmt.Sprintf(format, args...))
}

// HandleUpload stores a multipart file.
//
// Form fields: file (required), path (required), provider, visibility
// (public|private), content_type, cache_control.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	errs := validationErrors{}

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxFileSize+multipartOverhead)
	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errs.add("file", "The file may not be greater than %d bytes.", h.opts.MaxFileSize)
		} else {
			errs.add("file", "The request must be multipart/form-data.")
		}
		h.writeValidation(w, errs)
		return
	}
	defer r.MultipartForm.RemoveAll()

	path := h.requirePath(errs, r.FormValue("path"))
	provider := h.checkProvider(errs, r.FormValue("provider"))

	visibility := r.FormValue("visibility")
	if visibility != "" && visibility != "public" && visibility != "private" {
		errs.add("visibility", "The selected visibility is invalid.")
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		errs.add("file", "The file field is required.")
	} else {
		defer file.Close()
		if header.Size > h.opts.MaxFileSize {
			errs.add("file", "The file may not be greater than %d bytes.", h.opts.MaxFileSize)
		}
		if !config.ExtensionAllowed(h.opts.AllowedExtensions, header.Filename) {
			errs.add("file", "The file must be a file of type: %s.", strings.Join(h.opts.AllowedExtensions, ", "))
		}
	}

	if len(errs) > 0 {
		h.writeValidation(w, errs)
		return
	}

	content, err := io.ReadAll(file)
	if err != nil {
		h.log.Error("Failed to read uploaded file", "err", err)
		writeJSON(w, http.StatusBadRequest, errorBody{Status: interfaces.StatusError, Message: "Failed to read uploaded file"})
		return
	}

	opts := interfaces.UploadOptions{
		ContentType:  r.FormValue("content_type"),
		Visibility:   visibility,
		CacheControl: r.FormValue("cache_control"),
	}
	if ct := header.Header.Get("Content-Type"); opts.ContentType == "" && ct != "application/octet-stream" {
		opts.ContentType = ct
	}

	res, err := h.gateway.Upload(r.Context(), provider, path, content, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResult(w, http.StatusCreated, res)
}

// HandleDownload writes the raw object bytes.
func (h *Handler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	errs := validationErrors{}
	path := h.requirePath(errs, r.URL.Query().Get("path"))
	provider := h.checkProvider(errs, r.URL.Query().Get("provider"))
	if len(errs) > 0 {
		h.writeValidation(w, errs)
		return
	}

	res, err := h.gateway.Download(r.Context(), provider, path, nil)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	setServedBy(w, res)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Content)))
	if res.ETag != "" {
		w.Header().Set("ETag", res.ETag)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Content); err != nil {
		h.log.Warn("Failed to write download body", "err", err)
	}
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	errs := validationErrors{}
	path := h.requirePath(errs, r.URL.Query().Get("path"))
	provider := h.checkProvider(errs, r.URL.Query().Get("provider"))
	if len(errs) > 0 {
		h.writeValidation(w, errs)
		return
	}

	res, err := h.gateway.Delete(r.Context(), provider, path)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResult(w, http.StatusOK, res)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	errs := validationErrors{}
	q := r.URL.Query()

	prefix := q.Get("path")
	if len(prefix) > maxPathLength {
		errs.add("path", "The path may not be greater than %d characters.", maxPathLength)
	}
	provider := h.checkProvider(errs, q.Get("provider"))

	var opts interfaces.ListOptions
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			errs.add("limit", "The limit must be a non-negative integer.")
		}
		opts.Limit = limit
	}
	if len(errs) > 0 {
		h.writeValidation(w, errs)
		return
	}

	res, err := h.gateway.List(r.Context(), provider, prefix, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResult(w, http.StatusOK, res)
}

func (h *Handler) HandleExists(w http.ResponseWriter, r *http.Request) {
	errs := validationErrors{}
	path := h.requirePath(errs, r.URL.Query().Get("path"))
	provider := h.checkProvider(errs, r.URL.Query().Get("provider"))
	if len(errs) > 0 {
		h.writeValidation(w, errs)
		return
	}

	res, err := h.gateway.Exists(r.Context(), provider, path)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResult(w, http.StatusOK, res)
}

func (h *Handler) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	errs := validationErrors{}
	path := h.requirePath(errs, r.URL.Query().Get("path"))
	provider := h.checkProvider(errs, r.URL.Query().Get("provider"))
	if len(errs) > 0 {
		h.writeValidation(w, errs)
		return
	}

	res, err := h.gateway.GetMetadata(r.Context(), provider, path)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResult(w, http.StatusOK, res)
}

// HandleSignedURL returns a signed URL. expiration is in seconds, between
// 60 and 604800, defaulting to 3600.
func (h *Handler) HandleSignedURL(w http.ResponseWriter, r *http.Request) {
	errs := validationErrors{}
	q := r.URL.Query()
	path := h.requirePath(errs, q.Get("path"))
	provider := h.checkProvider(errs, q.Get("provider"))

	expiration := defaultExpiration
	if v := q.Get("expiration"); v != "" {
		n, err := strconv.Atoi(v)
		switch {
		case err != nil:
			errs.add("expiration", "The expiration must be an integer.")
		case n < minExpiration || n > maxExpiration:
			errs.add("expiration", "The expiration must be between %d and %d.", minExpiration, maxExpiration)
		default:
			expiration = n
		}
	}
	if len(errs) > 0 {
		h.writeValidation(w, errs)
		return
	}

	signed, err := h.gateway.SignedURL(r.Context(), provider, path, time.Duration(expiration)*time.Second)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set(ServedByHeader, signed.Backend)
	writeJSON(w, http.StatusOK, struct {
		Status     interfaces.Status `json:"status"`
		Expiration int64             `json:"expiration"`
		*interfaces.SignedURL
	}{interfaces.StatusSuccess, int64(signed.TTL / time.Second), signed})
}

// HandleUsage reports usage for the backends named by repeated provider
// parameters, or for every enabled backend.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	errs := validationErrors{}
	var names []string
	if q := r.URL.Query(); q.Get("all") == "" || q.Get("all") == "false" {
		for _, p := range q["provider"] {
			if name := h.checkProvider(errs, p); name != "" {
				names = append(names, name)
			}
		}
	}
	if len(errs) > 0 {
		h.writeValidation(w, errs)
		return
	}

	summary, err := h.gateway.Usage(r.Context(), names...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status interfaces.Status     `json:"status"`
		Usage  *gateway.UsageSummary `json:"usage"`
		Totals gateway.UsageTotals   `json:"totals"`
	}{interfaces.StatusSuccess, summary, summary.Totals()})
}

func (h *Handler) HandleTestConnection(w http.ResponseWriter, r *http.Request) {
	errs := validationErrors{}
	provider := h.checkProvider(errs, r.URL.Query().Get("provider"))
	if len(errs) > 0 {
		h.writeValidation(w, errs)
		return
	}

	res, err := h.gateway.TestConnection(r.Context(), provider)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResult(w, http.StatusOK, res)
}

func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	providers := h.gateway.Providers()
	def := ""
	for _, p := range providers {
		if p.Default {
			def = p.Name
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    interfaces.StatusSuccess,
		"providers": providers,
		"default":   def,
	})
}

func (h *Handler) requirePath(errs validationErrors, path string) string {
	switch {
	case strings.TrimSpace(path) == "":
		errs.add("path", "The path field is required.")
	case len(path) > maxPathLength:
		errs.add("path", "The path may not be greater than %d characters.", maxPathLength)
	}
	return path
}

// checkProvider accepts an empty name (the default backend) or the name of
// an enabled backend.
func (h *Handler) checkProvider(errs validationErrors, name string) string {
	if name == "" {
		return ""
	}
	for _, p := range h.gateway.Providers() {
		if p.Name == name && p.Enabled {
			return name
		}
	}
	errs.add("provider", "The selected provider is invalid.")
	return ""
}

func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		for _, allowed := range h.opts.APIKeys {
			if key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(allowed)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeJSON(w, http.StatusUnauthorized, errorBody{Status: interfaces.StatusError, Message: "Unauthorized"})
	})
}

type errorBody struct {
	Status    interfaces.Status    `json:"status"`
	Message   string               `json:"message"`
	ErrorKind interfaces.ErrorKind `json:"error_kind,omitempty"`
	Tried     []string             `json:"tried,omitempty"`
	Errors    validationErrors     `json:"errors,omitempty"`
}

func (h *Handler) writeValidation(w http.ResponseWriter, errs validationErrors) {
	writeJSON(w, http.StatusUnprocessableEntity, errorBody{
		Status:    interfaces.StatusError,
		Message:   "Validation failed",
		ErrorKind: interfaces.KindValidation,
		Errors:    errs,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.log.Log(r.Context(), level, "Request failed",
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		"err", err)

	writeJSON(w, status, errorBody{
		Status:    interfaces.StatusError,
		Message:   err.Error(),
		ErrorKind: interfaces.KindOf(err),
		Tried:     interfaces.TriedBackends(err),
	})
}

func (h *Handler) writeResult(w http.ResponseWriter, status int, res *interfaces.OperationResult) {
	setServedBy(w, res)
	writeJSON(w, status, res)
}

func setServedBy(w http.ResponseWriter, res *interfaces.OperationResult) {
	if res.ServedBy != "" {
		w.Header().Set(ServedByHeader, res.ServedBy)
	}
	if res.Attempts > 0 {
		w.Header().Set(AttemptsHeader, strconv.Itoa(res.Attempts))
	}
}

// statusFor maps the gateway error taxonomy onto HTTP status codes. A chain
// in which every backend reported the object missing is a 404.
func statusFor(err error) int {
	switch interfaces.KindOf(err) {
	case interfaces.KindValidation:
		return http.StatusUnprocessableEntity
	case interfaces.KindUnknownBackend:
		return http.StatusNotFound
	case interfaces.KindFallbackExhausted:
		if allNotFound(err) {
			return http.StatusNotFound
		}
		return http.StatusServiceUnavailable
	case interfaces.KindCancelled:
		return http.StatusServiceUnavailable
	case interfaces.KindConnection, interfaces.KindSigningFailed:
		return http.StatusBadGateway
	default:
		if errors.Is(err, interfaces.ErrObjectNotFound) {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	}
}

func allNotFound(err error) bool {
	var fe *interfaces.FallbackError
	if !errors.As(err, &fe) || len(fe.Failures) == 0 {
		return false
	}
	for _, f := range fe.Failures {
		if !errors.Is(f.Err, interfaces.ErrObjectNotFound) {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("Failed to encode response", "err", err)
	}
}
