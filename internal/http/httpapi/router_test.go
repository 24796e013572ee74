package httpapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gentrack/internal/domain"
	"gentrack/internal/http/handlers"
	"gentrack/internal/ledger"
	"gentrack/internal/session"
	"gentrack/internal/storage"
)

type fakeSessions struct {
	current  *session.Snapshot
	genErr   error
	lastReq  session.GenerateRequest
	cleared  bool
	dropJobs map[string]bool
}

func (f *fakeSessions) Generate(ctx context.Context, req session.GenerateRequest) (session.Snapshot, error) {
	f.lastReq = req
	if f.genErr != nil {
		return session.Snapshot{}, f.genErr
	}
	snap := session.Snapshot{
		ID:     "s1",
		Prompt: req.Prompt,
		Slots:  []ledger.Slot{{JobID: "a", Status: domain.SlotQueued}},
	}
	f.current = &snap
	return snap, nil
}

func (f *fakeSessions) Current() (session.Snapshot, bool) {
	if f.current == nil {
		return session.Snapshot{}, false
	}
	return *f.current, true
}

func (f *fakeSessions) Clear() {
	f.cleared = true
	f.current = nil
}

func (f *fakeSessions) FilterHistory(entries []domain.HistoryEntry) []domain.HistoryEntry {
	var out []domain.HistoryEntry
	for _, e := range entries {
		if !f.dropJobs[e.JobID] {
			out = append(out, e)
		}
	}
	return out
}

type fakeHistory struct {
	entries []domain.HistoryEntry
	err     error
}

func (f fakeHistory) FetchHistory(ctx context.Context, threadID string) ([]domain.HistoryEntry, error) {
	return f.entries, f.err
}

type fakeArchive struct{}

func (fakeArchive) Recent(ctx context.Context, limit int) ([]domain.ArchivedSession, error) {
	return []domain.ArchivedSession{{ID: "old", Status: domain.SessionCompleted, CreatedAt: time.Now()}}, nil
}

func newTestRouter(t *testing.T, app *handlers.App) http.Handler {
	t.Helper()
	app.Logger = zerolog.Nop()
	if app.Store == nil {
		app.Store = storage.NewMemoryStore()
	}
	return NewRouter(app, RouterOptions{Logger: zerolog.Nop(), RateLimitPerMin: 2, AllowedOrigins: []string{"http://ui.local"}})
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = "198.51.100.7:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestRouter(t, &handlers.App{Sessions: &fakeSessions{}, SocketState: func() string { return "connected" }})
	rec := serve(h, http.MethodGet, "/v1/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["socket"] != "connected" {
		t.Fatalf("unexpected body: %v", body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestCreateGeneration(t *testing.T) {
	sessions := &fakeSessions{}
	h := newTestRouter(t, &handlers.App{Sessions: sessions})

	rec := serve(h, http.MethodPost, "/v1/generations/", `{"prompt":"a fox","count":2,"image_base64":"iVBORw=="}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if sessions.lastReq.Count != 2 || len(sessions.lastReq.Image) == 0 {
		t.Fatalf("unexpected request: %+v", sessions.lastReq)
	}

	rec = serve(h, http.MethodGet, "/v1/generations/current", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"id":"s1"`) {
		t.Fatalf("unexpected current: %d %s", rec.Code, rec.Body.String())
	}

	// Third POST from the same client trips the limiter.
	serve(h, http.MethodPost, "/v1/generations/", `{"prompt":"again"}`)
	rec = serve(h, http.MethodPost, "/v1/generations/", `{"prompt":"again"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}

	rec = serve(h, http.MethodDelete, "/v1/generations/current", "")
	if rec.Code != http.StatusNoContent || !sessions.cleared {
		t.Fatalf("clear failed: %d", rec.Code)
	}
	rec = serve(h, http.MethodGet, "/v1/generations/current", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after clear, got %d", rec.Code)
	}
}

func TestCreateGenerationValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "bad json", body: `{`, want: http.StatusBadRequest},
		{name: "empty prompt", body: `{"prompt":"  "}`, want: http.StatusBadRequest},
		{name: "count too large", body: `{"prompt":"p","count":50}`, want: http.StatusBadRequest},
		{name: "bad base64", body: `{"prompt":"p","image_base64":"%%%"}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(t, &handlers.App{Sessions: &fakeSessions{}})
			if rec := serve(h, http.MethodPost, "/v1/generations/", tt.body); rec.Code != tt.want {
				t.Fatalf("got %d want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestCreateGenerationUpstreamError(t *testing.T) {
	h := newTestRouter(t, &handlers.App{Sessions: &fakeSessions{genErr: errors.New("http 500")}})
	if rec := serve(h, http.MethodPost, "/v1/generations/", `{"prompt":"p"}`); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	h = newTestRouter(t, &handlers.App{Sessions: &fakeSessions{genErr: domain.ErrInvalidRequest}})
	if rec := serve(h, http.MethodPost, "/v1/generations/", `{"prompt":"p"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestThreadHistoryIsFiltered(t *testing.T) {
	sessions := &fakeSessions{dropJobs: map[string]bool{"live": true}}
	history := fakeHistory{entries: []domain.HistoryEntry{{JobID: "live"}, {JobID: "old"}}}
	h := newTestRouter(t, &handlers.App{Sessions: sessions, History: history})

	rec := serve(h, http.MethodGet, "/v1/history/t1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var body struct {
		ThreadID string                `json:"thread_id"`
		Entries  []domain.HistoryEntry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ThreadID != "t1" || len(body.Entries) != 1 || body.Entries[0].JobID != "old" {
		t.Fatalf("unexpected body: %+v", body)
	}

	h = newTestRouter(t, &handlers.App{Sessions: sessions, History: fakeHistory{err: domain.ErrNotFound}})
	if rec := serve(h, http.MethodGet, "/v1/history/t2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestArchivedSessions(t *testing.T) {
	h := newTestRouter(t, &handlers.App{Sessions: &fakeSessions{}})
	if rec := serve(h, http.MethodGet, "/v1/sessions", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without archive, got %d", rec.Code)
	}
	h = newTestRouter(t, &handlers.App{Sessions: &fakeSessions{}, Archive: fakeArchive{}})
	rec := serve(h, http.MethodGet, "/v1/sessions?limit=5", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"id":"old"`) {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestAssetServing(t *testing.T) {
	store := storage.NewMemoryStore()
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}
	key, err := store.Write(context.Background(), storage.PayloadKey("s1", "a"), png)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	h := newTestRouter(t, &handlers.App{Sessions: &fakeSessions{}, Store: store})

	rec := serve(h, http.MethodGet, "/v1/assets/"+key, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected content type: %s", rec.Header().Get("Content-Type"))
	}
	if rec := serve(h, http.MethodGet, "/v1/assets/generated/s1/missing.png", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestRouter(t, &handlers.App{Sessions: &fakeSessions{}})
	req := httptest.NewRequest(http.MethodOptions, "/v1/generations/", nil)
	req.Header.Set("Origin", "http://ui.local")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://ui.local" {
		t.Fatalf("origin not allowed: %v", rec.Header())
	}
}

func TestDownloadGenerationBundle(t *testing.T) {
	store := storage.NewMemoryStore()
	ref, err := store.Write(context.Background(), storage.PayloadKey("s1", "a"), []byte("png-a"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	sessions := &fakeSessions{}
	h := newTestRouter(t, &handlers.App{Sessions: sessions, Store: store})

	if rec := serve(h, http.MethodGet, "/v1/generations/current/bundle", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without session, got %d", rec.Code)
	}

	sessions.current = &session.Snapshot{ID: "s1", Slots: []ledger.Slot{
		{JobID: "a", Index: 0, Status: domain.SlotCompleted, Payload: &domain.Payload{Ref: ref, MIME: "image/png", Size: 5}},
		{JobID: "b", Index: 1, Status: domain.SlotQueued},
	}}
	rec := serve(h, http.MethodGet, "/v1/generations/current/bundle", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/zip" {
		t.Fatalf("unexpected content type: %s", rec.Header().Get("Content-Type"))
	}
	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	if err != nil {
		t.Fatalf("zip: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "1-a.png" {
		t.Fatalf("unexpected entries: %v", zr.File)
	}
}

func TestAPITokenGuardsRoutes(t *testing.T) {
	app := &handlers.App{Sessions: &fakeSessions{}, Store: storage.NewMemoryStore(), Logger: zerolog.Nop()}
	h := NewRouter(app, RouterOptions{Logger: zerolog.Nop(), APIToken: "tok"})

	if rec := serve(h, http.MethodGet, "/v1/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("health must stay open, got %d", rec.Code)
	}
	if rec := serve(h, http.MethodGet, "/v1/generations/current", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/generations/current", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with token, got %d", rec.Code)
	}
}
