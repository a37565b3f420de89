package nix

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	binarycache "github.com/wolfeidau/binary-cache"
)

// StatusCode maps an error to its HTTP status.
func StatusCode(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, binarycache.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, binarycache.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, binarycache.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, binarycache.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, binarycache.ErrExists), errors.Is(err, binarycache.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, binarycache.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error. Server errors are logged in full and
// reported to the client without detail.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := StatusCode(err)
	msg := err.Error()
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
		msg = "internal error"
		if status == http.StatusServiceUnavailable {
			msg = binarycache.ErrUnavailable.Error()
		}
	case status == http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
