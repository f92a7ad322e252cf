package api

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/jesteria/omnispective/internal/auth"
	"github.com/jesteria/omnispective/internal/capture"
)

var appCodePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,49}$`)

const maxAppNameLength = 100

func (h *Handler) listApps(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	apps, total, err := h.store.ListApps(r.Context(), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(r, page, total, mapSlice(apps, newAppView)))
}

func (h *Handler) createApp(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		Code string `json:"code"`
		Name string `json:"name"`
	}{}
	if !decodeJSON(w, r, &payload) {
		return
	}

	code := strings.TrimSpace(payload.Code)
	name := strings.TrimSpace(payload.Name)
	if !appCodePattern.MatchString(code) {
		writeError(w, r, capture.Invalid(capture.MsgAppCodeInvalid))
		return
	}
	if name == "" || len(name) > maxAppNameLength {
		writeError(w, r, capture.Invalid("App name missing or invalid"))
		return
	}

	app, err := h.store.CreateApp(r.Context(), code, name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAppView(app))
}

func (h *Handler) getApp(w http.ResponseWriter, r *http.Request) {
	app, err := h.store.GetApp(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAppView(app))
}

func (h *Handler) deleteApp(w http.ResponseWriter, r *http.Request) {
	app, err := h.store.GetApp(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.DeleteApp(r.Context(), app.ID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listClients(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	clients, total, err := h.store.ListClients(r.Context(), strings.TrimSpace(r.URL.Query().Get("app")), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(r, page, total, mapSlice(clients, newClientView)))
}

func (h *Handler) createClient(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		App      string `json:"app"`
		Username string `json:"username"`
	}{}
	if !decodeJSON(w, r, &payload) {
		return
	}

	username := strings.TrimSpace(payload.Username)
	if username == "" {
		writeError(w, r, capture.Invalid(capture.MsgClientInvalid))
		return
	}

	client, err := h.store.CreateClient(r.Context(), strings.TrimSpace(payload.App), username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newClientView(client))
}

func (h *Handler) getClient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	client, err := h.store.GetClient(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newClientView(client))
}

func (h *Handler) deleteClient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteClient(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	filter := capture.SessionFilter{AppCode: strings.TrimSpace(r.URL.Query().Get("app"))}
	sessions, total, err := h.store.ListSessions(r.Context(), filter, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(r, page, total, mapSlice(sessions, newSessionView)))
}

// createSession takes the embedded session object directly, plus optional
// linked sessions given as ids or resource URIs.
func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		embeddedSession
		LinkedSessions []json.RawMessage `json:"linked_sessions"`
	}{}
	if !decodeJSON(w, r, &payload) {
		return
	}

	linked := make([]int64, 0, len(payload.LinkedSessions))
	for _, raw := range payload.LinkedSessions {
		ref, err := parseSessionRef(raw)
		if err != nil || !ref.ByID() {
			writeError(w, r, capture.Invalid(capture.MsgLinkedSessionFound))
			return
		}
		linked = append(linked, ref.ID)
	}

	session, err := h.store.CreateSession(r.Context(), capture.SessionRef{
		Key:            strings.TrimSpace(payload.Key),
		AppCode:        strings.TrimSpace(payload.App),
		ClientUsername: strings.TrimSpace(payload.Client),
	}, linked)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionView(session))
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	session, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(session))
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteSession(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Int64("session_id", id).Str("model", auth.ModelClientSession).Msg("deleted")
	w.WriteHeader(http.StatusNoContent)
}

func queryInt64(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		return 0, capture.Invalid("invalid " + name)
	}
	return value, nil
}
