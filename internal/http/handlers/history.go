package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"gentrack/internal/domain"
)

// ThreadHistory returns a thread's past generations minus anything the
// live session is already showing.
func (a *App) ThreadHistory(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	if threadID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "thread id required")
		return
	}
	entries, err := a.History.FetchHistory(r.Context(), threadID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "thread not found")
			return
		}
		a.Logger.Error().Err(err).Str("thread_id", threadID).Msg("history fetch failed")
		a.error(w, http.StatusBadGateway, "upstream", "history unavailable")
		return
	}
	filtered := a.Sessions.FilterHistory(entries)
	if filtered == nil {
		filtered = []domain.HistoryEntry{}
	}
	a.json(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"entries":   filtered,
	})
}

// ArchivedSessions lists archived sessions, newest first.
func (a *App) ArchivedSessions(w http.ResponseWriter, r *http.Request) {
	if a.Archive == nil {
		a.error(w, http.StatusServiceUnavailable, "archive_disabled", "no database configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := a.Archive.Recent(r.Context(), limit)
	if err != nil {
		a.Logger.Error().Err(err).Msg("list archived sessions failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []domain.ArchivedSession{}
	}
	a.json(w, http.StatusOK, map[string]any{"sessions": sessions})
}
