// Package auth authenticates operators calling the admin routes.
package auth

import (
	"errors"
	"net/http"
	"strings"

	httperrors "github.com/jw6ventures/leadflow/internal/http/errors"
	"github.com/jw6ventures/leadflow/internal/store"
	"github.com/rs/zerolog/hlog"
)

// Service guards admin endpoints with a bearer token and a role check.
type Service struct {
	verifier  TokenVerifier
	profiles  store.ProfileRepository
	adminRole string
}

// NewService returns a Service. A nil verifier rejects every request.
func NewService(verifier TokenVerifier, profiles store.ProfileRepository, adminRole string) *Service {
	return &Service{verifier: verifier, profiles: profiles, adminRole: adminRole}
}

// RequireAdmin lets a request through only when its bearer token belongs to a
// local profile holding the admin role. Authentication runs before any handler work.
func (s *Service) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			httperrors.WriteError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if s.verifier == nil {
			httperrors.WriteError(w, http.StatusUnauthorized, "admin authentication is not configured")
			return
		}

		ctx := r.Context()
		claims, err := s.verifier.Verify(ctx, raw)
		if err != nil {
			hlog.FromRequest(r).Info().Err(err).Msg("admin token rejected")
			httperrors.WriteError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}

		profile, err := s.profiles.GetBySubject(ctx, claims.Subject)
		if errors.Is(err, store.ErrNotFound) {
			httperrors.WriteError(w, http.StatusForbidden, "forbidden")
			return
		}
		if err != nil {
			httperrors.InternalError(w, r, err, "failed to load profile")
			return
		}
		if profile.Role != s.adminRole {
			hlog.FromRequest(r).Warn().Str("subject", claims.Subject).Str("role", profile.Role).Msg("non-admin denied")
			httperrors.WriteError(w, http.StatusForbidden, "forbidden")
			return
		}

		ctx = WithPrincipal(ctx, &Principal{Subject: claims.Subject, Email: claims.Email, Profile: profile})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
