package server

import (
	"net/http"

	"github.com/wolfeidau/binary-cache/auth"
	"github.com/wolfeidau/binary-cache/telemetry"
)

// authMiddleware resolves the Authorization header to a principal and stores
// it in the request context. It never rejects a request itself: a missing or
// invalid token yields an anonymous principal, and each operation decides
// whether that is enough.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := s.keyring.Authenticate(r.Header.Get("Authorization"))
		ctx := auth.WithPrincipal(r.Context(), p)
		telemetry.SetSubject(ctx, p.Subject())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
