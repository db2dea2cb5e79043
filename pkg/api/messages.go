package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"chatrelay/pkg/auth"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
	"chatrelay/pkg/utils"

	"github.com/gorilla/mux"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// RegisterMessages registers the read-only history endpoints. All
// mutations ride the websocket; this API only pages what the pipeline
// has already confirmed.
func RegisterMessages(r *mux.Router) {
	r.Handle("/api/messages", auth.RequireIdentity(http.HandlerFunc(listMessages))).Methods(http.MethodGet)
	r.Handle("/api/messages/{id}", auth.RequireIdentity(http.HandlerFunc(getMessage))).Methods(http.MethodGet)
	r.Handle("/api/messages/{id}/versions", auth.RequireIdentity(http.HandlerFunc(listVersions))).Methods(http.MethodGet)
}

// listMessages serves fetch-initial and fetch-more: the newest messages
// in chronological order, paged backwards with the before cursor.
func listMessages(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			utils.JSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	before := r.URL.Query().Get("before")

	msgs, err := store.ListMessages(limit, before)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "unknown cursor")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	logger.Debug("history_page_served", "count", len(msgs), "limit", limit, "before", before)
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Messages []models.Message `json:"messages"`
	}{Messages: msgs})
}

func getMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := store.GetMessage(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// tombstones are invisible outside the admin surface
	if m.Deleted {
		utils.JSONError(w, http.StatusNotFound, "not found")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, m)
}

// listVersions returns the stored revision trail for a message. The
// trail contains pre-edit and pre-delete content, so it is admin only.
func listVersions(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	id := mux.Vars(r)["id"]
	vs, err := store.ListMessageVersions(id)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]json.RawMessage, 0, len(vs))
	for _, v := range vs {
		out = append(out, json.RawMessage(v))
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		ID       string            `json:"id"`
		Versions []json.RawMessage `json:"versions"`
	}{ID: id, Versions: out})
}
