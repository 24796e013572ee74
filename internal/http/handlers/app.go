package handlers

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"gentrack/internal/domain"
	"gentrack/internal/session"
	"gentrack/internal/storage"
)

// Sessions is the slice of the session controller the handlers use.
type Sessions interface {
	Generate(ctx context.Context, req session.GenerateRequest) (session.Snapshot, error)
	Current() (session.Snapshot, bool)
	Clear()
	FilterHistory(entries []domain.HistoryEntry) []domain.HistoryEntry
}

// HistoryFetcher loads past generations of a thread.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, threadID string) ([]domain.HistoryEntry, error)
}

// SessionLister lists archived sessions.
type SessionLister interface {
	Recent(ctx context.Context, limit int) ([]domain.ArchivedSession, error)
}

type App struct {
	Sessions Sessions
	History  HistoryFetcher
	// Archive is nil when no database is configured.
	Archive     SessionLister
	Store       storage.Store
	Events      http.Handler
	SocketState func() string
	Logger      zerolog.Logger
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, kind, msg string) {
	a.json(w, code, errorResponse{Error: kind, Message: msg})
}
