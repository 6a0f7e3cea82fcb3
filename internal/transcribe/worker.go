// Package transcribe orchestrates metered transcription jobs: admission,
// delegation to the external Whisper worker, subtitle assembly, and usage
// accounting.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/jimaku-ai/jimaku/internal/subtitle"
)

// WorkerResult is the payload returned by the transcription worker.
type WorkerResult struct {
	Segments []subtitle.Segment `json:"segments"`
	Text     string             `json:"text"`
	Duration float64            `json:"duration"` // seconds
}

// WorkerClient calls the external Whisper worker over HTTP.
//
// The worker may run for multiple minutes on long audio; the caller bounds the
// call with a context deadline rather than a client-level timeout.
type WorkerClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewWorkerClient creates a worker client.
func NewWorkerClient(baseURL, apiKey string) *WorkerClient {
	return &WorkerClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

// workerError is returned when the worker responds with a non-2xx status.
type workerError struct {
	Status  int
	Message string
}

func (e *workerError) Error() string {
	return fmt.Sprintf("worker returned %d: %s", e.Status, e.Message)
}

// Transcribe uploads audio to the worker and returns the timed segments.
func (c *WorkerClient) Transcribe(ctx context.Context, filename string, audio io.Reader, model string) (*WorkerResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return nil, fmt.Errorf("copy audio: %w", err)
	}
	if model != "" {
		if err := mw.WriteField("model", model); err != nil {
			return nil, fmt.Errorf("write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/transcribe", &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call worker: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &workerError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	var result WorkerResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode worker response: %w", err)
	}
	return &result, nil
}
