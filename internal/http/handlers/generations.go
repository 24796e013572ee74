package handlers

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"gentrack/internal/domain"
	"gentrack/internal/session"
	bundle "gentrack/pkg/zip"
)

const (
	maxGenerationCount = 8
	maxGenerateBody    = 48 << 20
)

type generateRequest struct {
	Prompt      string `json:"prompt"`
	Model       string `json:"model"`
	Count       int    `json:"count"`
	ThreadID    string `json:"thread_id"`
	ImageBase64 string `json:"image_base64"`
	ImageMIME   string `json:"image_mime"`
}

func (a *App) CreateGeneration(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxGenerateBody)).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "prompt required")
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	if req.Count > maxGenerationCount {
		a.error(w, http.StatusBadRequest, "bad_request", "count too large")
		return
	}
	var image []byte
	if req.ImageBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.ImageBase64)
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "image_base64 is not valid base64")
			return
		}
		image = data
	}

	snap, err := a.Sessions.Generate(r.Context(), session.GenerateRequest{
		Prompt:    req.Prompt,
		Model:     req.Model,
		Count:     req.Count,
		ThreadID:  req.ThreadID,
		Image:     image,
		ImageMIME: req.ImageMIME,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRequest) {
			a.error(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		a.Logger.Error().Err(err).Msg("generate failed")
		a.error(w, http.StatusBadGateway, "upstream", "generation request failed")
		return
	}
	a.json(w, http.StatusAccepted, snap)
}

func (a *App) CurrentGeneration(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.Sessions.Current()
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "no live generation")
		return
	}
	a.json(w, http.StatusOK, snap)
}

func (a *App) ClearGeneration(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// DownloadGeneration zips the payloads the live session has resolved so far.
func (a *App) DownloadGeneration(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.Sessions.Current()
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "no live generation")
		return
	}
	var entries []bundle.Entry
	for _, slot := range snap.Slots {
		if slot.Payload == nil || slot.Payload.Ref == "" {
			continue
		}
		data, err := a.Store.Read(r.Context(), slot.Payload.Ref)
		if err != nil {
			a.Logger.Warn().Err(err).Str("job_id", slot.JobID).Msg("bundle: payload unreadable")
			continue
		}
		entries = append(entries, bundle.Entry{
			Name:     fmt.Sprintf("%d-%s.png", slot.Index+1, slot.JobID),
			Data:     data,
			Modified: snap.CreatedAt,
		})
	}
	if len(entries) == 0 {
		a.error(w, http.StatusNotFound, "not_found", "no payloads yet")
		return
	}
	data, err := bundle.Bundle(entries)
	if err != nil {
		a.Logger.Error().Err(err).Str("session_id", snap.ID).Msg("bundle failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to build bundle")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "generation-"+snap.ID+".zip"))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
