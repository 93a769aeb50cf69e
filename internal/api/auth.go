// Package api exposes the webhook management HTTP API.
package api

import (
	"context"
	"net/http"
	"strings"

	"webhookd/internal/auth"
)

type principalKey struct{}

// getPrincipal extracts company and role from the request.
//   - Authorization: Bearer is checked with the configured verifier.
//   - In dev mode only, X-Company-Id / X-Role headers are accepted instead.
func (s *Server) getPrincipal(r *http.Request) (auth.Principal, bool) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		pr, err := s.auth.Verify(tok)
		if err != nil {
			s.log.WithError(err).Debug("bearer token rejected")
			return auth.Principal{}, false
		}
		return pr, true
	}
	if s.auth.Mode != auth.ModeDev {
		return auth.Principal{}, false
	}
	company := strings.TrimSpace(r.Header.Get("X-Company-Id"))
	if company == "" {
		return auth.Principal{}, false
	}
	role := strings.ToLower(r.Header.Get("X-Role"))
	if role == "" {
		role = auth.RoleAdmin
	}
	return auth.Principal{CompanyID: company, Role: role}, true
}

// authenticate rejects anonymous requests and stores the principal on the context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.getPrincipal(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", "valid credentials required", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func principalFrom(ctx context.Context) auth.Principal {
	p, _ := ctx.Value(principalKey{}).(auth.Principal)
	return p
}

// adminOnly wraps handlers that change or reveal tenant webhook configuration.
func adminOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !principalFrom(r.Context()).IsAdmin() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
			return
		}
		h(w, r)
	}
}
