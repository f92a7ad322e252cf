package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/jesteria/omnispective/internal/auth"
	"github.com/jesteria/omnispective/internal/capture"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

type permissionsPayload struct {
	Permissions []string `json:"permissions"`
}

// createUser issues the API key in the same transaction that creates the
// user. The raw key is only returned here.
func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		Username    string   `json:"username"`
		Permissions []string `json:"permissions"`
	}{}
	if !decodeJSON(w, r, &payload) {
		return
	}

	username := strings.TrimSpace(payload.Username)
	if username == "" {
		writeMessage(w, http.StatusBadRequest, "username is required")
		return
	}
	if unknown := unknownCodenames(payload.Permissions); len(unknown) > 0 {
		writeMessage(w, http.StatusBadRequest, "unknown permissions: "+strings.Join(unknown, ","))
		return
	}

	rawKey := auth.GenerateRawAPIKey()
	user, err := h.store.CreateUserWithAPIKey(r.Context(), username, payload.Permissions, rawKey)
	if err != nil {
		writeError(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("username", user.Username).Strs("permissions", user.Permissions).Msg("user created")
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":    user,
		"api_key": rawKey,
	})
}

func (h *Handler) setUserPermissions(w http.ResponseWriter, r *http.Request) {
	payload := permissionsPayload{}
	if !decodeJSON(w, r, &payload) {
		return
	}
	if unknown := unknownCodenames(payload.Permissions); len(unknown) > 0 {
		writeMessage(w, http.StatusBadRequest, "unknown permissions: "+strings.Join(unknown, ","))
		return
	}

	user, err := h.store.SetPermissions(r.Context(), chi.URLParam(r, "username"), payload.Permissions)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func unknownCodenames(codenames []string) []string {
	unknown := []string{}
	for _, codename := range codenames {
		codename = strings.TrimSpace(codename)
		if codename != "" && !auth.KnownCodename(codename) {
			unknown = append(unknown, codename)
		}
	}
	return unknown
}

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		writeMessage(w, http.StatusServiceUnavailable, "capture queue disabled")
		return
	}

	stats, err := h.queue.QueueStats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		writeMessage(w, http.StatusServiceUnavailable, "capture queue disabled")
		return
	}

	limit, err := deadLetterLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.queue.ListDeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) redriveDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		writeMessage(w, http.StatusServiceUnavailable, "capture queue disabled")
		return
	}

	limit, err := deadLetterLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.queue.RedriveDeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().
		Int("redriven", result.Redriven).
		Int("skipped", result.Skipped).
		Int64("remaining", result.RemainingFailed).
		Msg("dead letters redriven")
	writeJSON(w, http.StatusOK, result)
}

func deadLetterLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultDeadLetterLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, capture.Invalid("invalid limit")
	}
	return min(limit, maxDeadLetterLimit), nil
}
