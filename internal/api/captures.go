package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jesteria/omnispective/internal/capture"
	"github.com/jesteria/omnispective/internal/ingest"
	"github.com/jesteria/omnispective/internal/store"
)

// requestPayload carries only the raw fields. Derived fields in a
// submission are ignored.
type requestPayload struct {
	Session    json.RawMessage `json:"session"`
	CaptureID  string          `json:"capture_id"`
	RemoteAddr string          `json:"remote_addr"`
	Content    string          `json:"content"`
	FullPath   string          `json:"full_path"`
}

type requestUpdatePayload struct {
	RemoteAddr *string `json:"remote_addr"`
	Content    *string `json:"content"`
	FullPath   *string `json:"full_path"`
}

type responsePayload struct {
	Request   json.RawMessage `json:"request"`
	CaptureID string          `json:"capture_id"`
	Session   json.RawMessage `json:"session"`
	Content   string          `json:"content"`
}

func (h *Handler) listRequests(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionID, err := queryInt64(r, "session")
	if err != nil {
		writeError(w, r, err)
		return
	}

	filter := capture.RequestFilter{SessionID: sessionID, Host: strings.TrimSpace(r.URL.Query().Get("host"))}
	requests, total, err := h.store.ListRequests(r.Context(), filter, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(r, page, total, mapSlice(requests, newRequestView)))
}

func (h *Handler) createRequest(w http.ResponseWriter, r *http.Request) {
	payload := requestPayload{}
	if !decodeJSON(w, r, &payload) {
		return
	}

	session, err := parseSessionRef(payload.Session)
	if err != nil {
		writeError(w, r, err)
		return
	}

	stored, err := h.ingest.CreateRequest(r.Context(), principalFrom(r), ingest.RequestSubmission{
		Session:    session,
		CaptureID:  payload.CaptureID,
		RemoteAddr: payload.RemoteAddr,
		Content:    payload.Content,
		FullPath:   payload.FullPath,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newRequestView(stored))
}

func (h *Handler) getRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	request, err := h.store.GetRequest(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRequestView(request))
}

// updateRequest replaces the raw fields present in the body and recomputes
// every derived field from the result.
func (h *Handler) updateRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	payload := requestUpdatePayload{}
	if !decodeJSON(w, r, &payload) {
		return
	}

	stored, err := h.ingest.UpdateRequest(r.Context(), principalFrom(r), ingest.RequestUpdate{
		ID:         id,
		RemoteAddr: payload.RemoteAddr,
		Content:    payload.Content,
		FullPath:   payload.FullPath,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRequestView(stored))
}

func (h *Handler) deleteRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.ingest.DeleteRequest(r.Context(), principalFrom(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listResponses(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	requestID, err := queryInt64(r, "request")
	if err != nil {
		writeError(w, r, err)
		return
	}

	responses, total, err := h.store.ListResponses(r.Context(), store.ResponseFilter{RequestID: requestID}, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(r, page, total, mapSlice(responses, newResponseView)))
}

// createResponse links the response to its request by id, resource URI, or
// the capture id the ingestion client generated. The optional session is
// the session the response originated, e.g. through a Set-Cookie.
func (h *Handler) createResponse(w http.ResponseWriter, r *http.Request) {
	payload := responsePayload{}
	if !decodeJSON(w, r, &payload) {
		return
	}

	requestID, err := parseRequestRef(payload.Request)
	if err != nil {
		writeError(w, r, err)
		return
	}

	submission := ingest.ResponseSubmission{
		Request: capture.RequestRef{ID: requestID, CaptureID: strings.TrimSpace(payload.CaptureID)},
		Content: payload.Content,
	}
	if trimmed := strings.TrimSpace(string(payload.Session)); trimmed != "" && trimmed != "null" {
		session, err := parseSessionRef(payload.Session)
		if err != nil {
			writeError(w, r, err)
			return
		}
		submission.Session = &session
	}

	stored, err := h.ingest.CreateResponse(r.Context(), principalFrom(r), submission)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newResponseView(stored))
}

func (h *Handler) getResponse(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	response, err := h.store.GetResponse(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newResponseView(response))
}
