package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/jesteria/omnispective/internal/auth"
)

const adminHeader = "X-Omnispective-Admin"

// authenticate resolves the ApiKey credential and stores the principal in
// the request context. Every /api resource requires a valid credential.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential, err := auth.ParseAuthorization(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, r, err)
			return
		}

		principal, err := h.store.Authenticate(r.Context(), credential.Username, credential.Key)
		if err != nil {
			writeError(w, r, err)
			return
		}

		hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("user", principal.Username)
		})
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// requirePermission rejects the request before any store access when the
// principal lacks the codename for action on model.
func (h *Handler) requirePermission(action auth.Action, model string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, r, auth.ErrAuthentication)
				return
			}
			if err := principal.Require(action, model); err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *Handler) requireAdminAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(h.adminAPIKey) == "" {
			writeMessage(w, http.StatusForbidden, "admin endpoints disabled")
			return
		}

		provided := strings.TrimSpace(r.Header.Get(adminHeader))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(h.adminAPIKey)) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		writeMessage(w, http.StatusUnauthorized, "unauthorized")
	})
}

func principalFrom(r *http.Request) auth.Principal {
	principal, _ := auth.PrincipalFromContext(r.Context())
	return principal
}
