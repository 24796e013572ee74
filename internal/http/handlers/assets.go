package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"gentrack/internal/domain"
	"gentrack/internal/storage"
)

// Asset serves a stored payload by its storage key.
func (a *App) Asset(w http.ResponseWriter, r *http.Request) {
	key, err := storage.SanitizeKey(chi.URLParam(r, "*"))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid asset key")
		return
	}
	data, err := a.Store.Read(r.Context(), key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "asset not found")
			return
		}
		a.Logger.Error().Err(err).Str("key", key).Msg("asset read failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to read asset")
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=86400, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
