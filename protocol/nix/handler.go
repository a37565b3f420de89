package nix

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	binarycache "github.com/wolfeidau/binary-cache"
	"github.com/wolfeidau/binary-cache/narinfo"
	"github.com/wolfeidau/binary-cache/telemetry"
)

const (
	// maxChunkUpload bounds a single chunk upload body.
	maxChunkUpload = 64 << 20
	// maxJSONBody bounds API request documents.
	maxJSONBody = 4 << 20
)

// Handler serves the nix binary cache protocol and the push and management
// API over HTTP.
type Handler struct {
	service *Service
	logger  *slog.Logger
	mux     *http.ServeMux
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger for the handler.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates a handler for the service.
func NewHandler(service *Service, opts ...HandlerOption) *Handler {
	h := &Handler{
		service: service,
		logger:  slog.Default(),
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.routes()
	return h
}

func (h *Handler) routes() {
	// Substituter protocol
	h.mux.HandleFunc("GET /{cache}/nix-cache-info", h.handleCacheInfo)
	h.mux.HandleFunc("GET /{cache}/{file}", h.handleNarInfo)
	h.mux.HandleFunc("GET /{cache}/nar/{file}", h.handleNar)

	// Push API
	h.mux.HandleFunc("PUT /_api/v1/upload-path/{cache}", h.handleUploadPath)
	h.mux.HandleFunc("POST /_api/v1/register-path/{cache}", h.handleRegisterPath)
	h.mux.HandleFunc("POST /_api/v1/get-missing-paths", h.handleMissingPaths)
	h.mux.HandleFunc("PUT /_api/v1/chunks/{cache}/{hash}", h.handlePutChunk)
	h.mux.HandleFunc("GET /_api/v1/chunks/{cache}/{hash}", h.handleGetChunk)
	h.mux.HandleFunc("GET /_api/v1/manifest/{cache}/{hash}", h.handleManifest)
	h.mux.HandleFunc("DELETE /_api/v1/paths/{cache}/{hash}", h.handleDeletePath)

	// Cache management
	h.mux.HandleFunc("GET /_api/v1/cache-config/{cache}", h.handleGetCacheConfig)
	h.mux.HandleFunc("POST /_api/v1/cache-config/{cache}", h.handleCreateCache)
	h.mux.HandleFunc("PATCH /_api/v1/cache-config/{cache}", h.handleConfigureCache)
	h.mux.HandleFunc("DELETE /_api/v1/cache-config/{cache}", h.handleDestroyCache)
	h.mux.HandleFunc("GET /_api/v1/cache-config/{cache}/public-key", h.handlePublicKey)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// begin tags the request for logging and metrics.
func begin(r *http.Request, surface, endpoint string) string {
	cache := r.PathValue("cache")
	telemetry.SetSurface(r, surface)
	telemetry.SetEndpoint(r, endpoint)
	if cache != "" {
		telemetry.SetCache(r, cache)
	}
	return cache
}

func (h *Handler) handleCacheInfo(w http.ResponseWriter, r *http.Request) {
	cache := begin(r, telemetry.SurfaceNix, "cache_info")
	info, err := h.service.CacheInfo(r.Context(), cache)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "text/x-nix-cache-info")
	_, _ = io.WriteString(w, info)
}

func (h *Handler) handleNarInfo(w http.ResponseWriter, r *http.Request) {
	cache := begin(r, telemetry.SurfaceNix, "narinfo")
	sph, ok := strings.CutSuffix(r.PathValue("file"), ".narinfo")
	if !ok || !narinfo.IsStorePathHash(sph) {
		writeError(w, r, h.logger, fmt.Errorf("%w: no such file", binarycache.ErrNotFound))
		return
	}

	ni, err := h.service.GetNarInfo(r.Context(), cache, sph)
	if err != nil {
		if errors.Is(err, binarycache.ErrNotFound) {
			telemetry.SetCacheResult(r, telemetry.CacheMiss)
		}
		writeError(w, r, h.logger, err)
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheHit)
	w.Header().Set("Content-Type", "text/x-nix-narinfo")
	_, _ = io.WriteString(w, ni.String())
}

func (h *Handler) handleNar(w http.ResponseWriter, r *http.Request) {
	cache := begin(r, telemetry.SurfaceNix, "nar")
	sph, ok := strings.CutSuffix(r.PathValue("file"), ".nar")
	if !ok || !narinfo.IsStorePathHash(sph) {
		writeError(w, r, h.logger, fmt.Errorf("%w: no such file", binarycache.ErrNotFound))
		return
	}

	e, rc, err := h.service.OpenNar(r.Context(), cache, sph)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "application/x-nix-nar")
	w.Header().Set("Content-Length", strconv.FormatInt(e.NarSize, 10))
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		// Headers are sent; truncating the body is the only signal left.
		h.logger.Error("nar stream aborted",
			"cache", cache,
			"store_path_hash", sph,
			"error", err,
		)
		panic(http.ErrAbortHandler)
	}
}

func (h *Handler) handleUploadPath(w http.ResponseWriter, r *http.Request) {
	cache := begin(r, telemetry.SurfaceAPI, "upload_path")
	raw, err := base64.StdEncoding.DecodeString(r.Header.Get(NarInfoHeader))
	if err != nil || len(raw) == 0 {
		writeError(w, r, h.logger, fmt.Errorf("%w: %s header must carry a base64 narinfo", binarycache.ErrInvalid, NarInfoHeader))
		return
	}
	ni, err := narinfo.Parse(raw)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	// One byte past the declared size lets the push report the mismatch.
	body := http.MaxBytesReader(w, r.Body, ni.NarSize+1)
	result, err := h.service.UploadPath(r.Context(), cache, ni, body)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRegisterPath(w http.ResponseWriter, r *http.Request) {
	cache := begin(r, telemetry.SurfaceAPI, "register_path")
	var req RegisterPathRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	ni, err := narinfo.Parse([]byte(req.NarInfo))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	result, err := h.service.RegisterPath(r.Context(), cache, ni, req.Chunks)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleMissingPaths(w http.ResponseWriter, r *http.Request) {
	begin(r, telemetry.SurfaceAPI, "get_missing_paths")
	var req GetMissingPathsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	telemetry.SetCache(r, req.Cache)

	missing, err := h.service.MissingPaths(r.Context(), req.Cache, req.StorePathHashes)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, GetMissingPathsResponse{MissingPaths: missing})
}

func (h *Handler) handlePutChunk(w http.ResponseWriter, r *http.Request) {
	cache := begin(r, telemetry.SurfaceAPI, "put_chunk")
	hash, err := binarycache.ParseHash(r.PathValue("hash"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunkUpload))
	if err != nil {
		writeError(w, r, h.logger, fmt.Errorf("%w: reading chunk body: %v", binarycache.ErrInvalid, err))
		return
	}

	result, err := h.service.PutChunk(r.Context(), cache, hash, data)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetChunk(w http.ResponseWriter, r *http.Request) {
	cache := begin(r, telemetry.SurfaceAPI, "get_chunk")
	hash, err := binarycache.ParseHash(r.PathValue("hash"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	rc, err := h.service.GetChunk(r.Context(), cache, hash)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Error("chunk stream aborted", "chunk", hash.String(), "error", err)
		panic(http.ErrAbortHandler)
	}
}

func (h *Handler) handleManifest(w http.ResponseWriter, r *http.Request) {
	cache := begin(r, telemetry.SurfaceAPI, "manifest")
	m, err := h.service.Manifest(r.Context(), cache, r.PathValue("hash"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleDeletePath(w http.ResponseWriter, r *http.Request) {
	cache := begin(r, telemetry.SurfaceAPI, "delete_path")
	if err := h.service.DeletePath(r.Context(), cache, r.PathValue("hash")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetCacheConfig(w http.ResponseWriter, r *http.Request) {
	cache := begin(r, telemetry.SurfaceAPI, "get_cache_config")
	info, err := h.service.GetCacheConfig(r.Context(), cache)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, withEndpoints(r, info))
}

func (h *Handler) handleCreateCache(w http.ResponseWriter, r *http.Request) {
	cache := begin(r, telemetry.SurfaceAPI, "create_cache")
	var cfg CacheConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	info, err := h.service.CreateCache(r.Context(), cache, cfg)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, withEndpoints(r, info))
}

func (h *Handler) handleConfigureCache(w http.ResponseWriter, r *http.Request) {
	cache := begin(r, telemetry.SurfaceAPI, "configure_cache")
	var cfg CacheConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	info, err := h.service.ConfigureCache(r.Context(), cache, cfg)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, withEndpoints(r, info))
}

// withEndpoints fills endpoints the server was not configured with from the
// request. The Host header is only trustworthy behind an allowed-hosts check.
func withEndpoints(r *http.Request, info *CacheInfo) *CacheInfo {
	if info.APIEndpoint != "" {
		return info
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	info.APIEndpoint = scheme + "://" + r.Host + "/"
	if info.SubstituterEndpoint == "" {
		info.SubstituterEndpoint = info.APIEndpoint
	}
	return info
}

func (h *Handler) handleDestroyCache(w http.ResponseWriter, r *http.Request) {
	cache := begin(r, telemetry.SurfaceAPI, "destroy_cache")
	result, err := h.service.DestroyCache(r.Context(), cache)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	cache := begin(r, telemetry.SurfaceAPI, "public_key")
	key, err := h.service.PublicKey(r.Context(), cache)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, key+"\n")
}

// decodeJSON decodes a bounded JSON request body. An empty body decodes to
// the zero value.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: decoding request body: %v", binarycache.ErrInvalid, err)
	}
	return nil
}
