// Package genapi talks to the remote generation HTTP API: submitting a
// generation, fetching an image by job id when the socket never delivered
// it, and reading conversation history.
package genapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"gentrack/internal/domain"
	"gentrack/internal/protocol"
)

// maxImageBytes bounds a fallback image download.
const maxImageBytes = 32 << 20

// Options configures the API client.
type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zerolog.Logger
}

// Client performs HTTP calls against the generation service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     zerolog.Logger
}

// SubmitRequest describes one generation request.
type SubmitRequest struct {
	Prompt    string
	Model     string
	Count     int
	ThreadID  string
	Image     []byte
	ImageMIME string
}

// SubmitResponse carries the job ids accepted by the service.
type SubmitResponse struct {
	JobIDs   []string
	ThreadID string
}

type submitPayload struct {
	Prompt      string `json:"prompt"`
	Model       string `json:"model,omitempty"`
	Count       int    `json:"count"`
	ThreadID    string `json:"thread_id,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
	ImageMIME   string `json:"image_mime,omitempty"`
}

type submitResp struct {
	JobIDs   []string `json:"job_ids"`
	JobID    string   `json:"job_id"`
	ThreadID string   `json:"thread_id"`
	Error    string   `json:"error"`
	Message  string   `json:"message"`
}

type historyResp struct {
	ThreadID string `json:"thread_id"`
	Requests []struct {
		Prompt    string    `json:"prompt"`
		Model     string    `json:"model"`
		CreatedAt time.Time `json:"created_at"`
		Messages  []struct {
			JobID    string `json:"job_id"`
			Status   string `json:"status"`
			ImageURL string `json:"image_url"`
		} `json:"messages"`
	} `json:"requests"`
}

// NewClient constructs a client with sane defaults.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("genapi: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("genapi: parse base url: %w", err)
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		httpClient: client,
		baseURL:    base,
		token:      strings.TrimSpace(opts.Token),
		logger:     logger,
	}, nil
}

// Submit posts a generation request and returns the accepted job ids. A
// scalar job_id response is returned as a one-element slice.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return SubmitResponse{}, fmt.Errorf("%w: prompt required", domain.ErrInvalidRequest)
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}
	payload := submitPayload{
		Prompt:   prompt,
		Model:    strings.TrimSpace(req.Model),
		Count:    count,
		ThreadID: strings.TrimSpace(req.ThreadID),
	}
	if len(req.Image) > 0 {
		payload.ImageBase64 = base64.StdEncoding.EncodeToString(req.Image)
		payload.ImageMIME = req.ImageMIME
		if payload.ImageMIME == "" {
			payload.ImageMIME = http.DetectContentType(req.Image)
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SubmitResponse{}, err
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/generate", bytes.NewReader(body))
	if err != nil {
		return SubmitResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("genapi: submit: %w", err)
	}
	defer resp.Body.Close()

	var out submitResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return SubmitResponse{}, fmt.Errorf("genapi: submit: http %d", resp.StatusCode)
		}
		return SubmitResponse{}, fmt.Errorf("genapi: decode submit response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if msg := firstNonEmpty(out.Error, out.Message); msg != "" {
			return SubmitResponse{}, fmt.Errorf("genapi: submit: %s (http %d)", msg, resp.StatusCode)
		}
		return SubmitResponse{}, fmt.Errorf("genapi: submit: http %d", resp.StatusCode)
	}

	ids := make([]string, 0, len(out.JobIDs))
	for _, id := range out.JobIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		if id := strings.TrimSpace(out.JobID); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return SubmitResponse{}, errors.New("genapi: submit response carried no job id")
	}
	c.logger.Debug().Strs("job_ids", ids).Str("thread_id", out.ThreadID).Msg("genapi: generation accepted")
	return SubmitResponse{JobIDs: ids, ThreadID: out.ThreadID}, nil
}

// FetchImage downloads the image for jobID. Bytes before the PNG signature
// are dropped the same way the socket decoder drops them.
func (c *Client) FetchImage(ctx context.Context, jobID string) ([]byte, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("%w: empty job id", domain.ErrFetchFallback)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/images/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrFetchFallback, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: job %s: http %d", domain.ErrFetchFallback, jobID, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrFetchFallback, err)
	}
	img, err := protocol.TrimToPNG(data)
	if err != nil {
		return nil, fmt.Errorf("%w: job %s: %v", domain.ErrFetchFallback, jobID, err)
	}
	return img, nil
}

// FetchHistory returns the flattened past generations of a thread, one
// entry per job.
func (c *Client) FetchHistory(ctx context.Context, threadID string) ([]domain.HistoryEntry, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, fmt.Errorf("%w: thread id required", domain.ErrInvalidRequest)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/conversations/"+url.PathEscape(threadID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("genapi: history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("genapi: history: http %d", resp.StatusCode)
	}
	var out historyResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("genapi: decode history: %w", err)
	}
	var entries []domain.HistoryEntry
	for _, r := range out.Requests {
		for _, m := range r.Messages {
			entries = append(entries, domain.HistoryEntry{
				ThreadID:  threadID,
				Prompt:    r.Prompt,
				Model:     r.Model,
				JobID:     m.JobID,
				Status:    m.Status,
				ImageURL:  m.ImageURL,
				CreatedAt: r.CreatedAt,
			})
		}
	}
	return entries, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
