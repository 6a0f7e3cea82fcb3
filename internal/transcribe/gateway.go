package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jimaku-ai/jimaku/internal/meter"
	"github.com/jimaku-ai/jimaku/internal/store"
	"github.com/jimaku-ai/jimaku/internal/subtitle"
)

var (
	// ErrQuotaExhausted is returned when admission is denied for a free-tier
	// user at or over the minute cap. No worker call is made.
	ErrQuotaExhausted = errors.New("quota exhausted")
	// ErrWorker wraps any failure of the external worker, including timeouts.
	// No usage is committed for a failed job.
	ErrWorker = errors.New("transcription worker failed")
)

// Worker is the external transcription capability consumed by the gateway.
type Worker interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader, model string) (*WorkerResult, error)
}

// Input describes one transcription job.
type Input struct {
	Filename string
	Audio    io.Reader
	Model    string // worker model name, e.g. "base"
	MaxChars int    // subtitle line length; clamped, 0 = default
}

// Result is a completed transcription with assembled subtitles.
type Result struct {
	SRT           string           `json:"srt"`
	Entries       []subtitle.Entry `json:"-"`
	SegmentsCount int              `json:"segments_count"`
	Duration      float64          `json:"duration"`
	FullText      string           `json:"full_text"`
}

// Gateway runs metered transcription jobs end to end: admission check,
// delegation to the worker under an explicit timeout, subtitle assembly,
// usage commit, and audit record. A denied admission short-circuits before
// any worker call; a failed or timed-out worker call commits no usage.
type Gateway struct {
	store   store.Store
	meter   *meter.Meter
	worker  Worker
	timeout time.Duration
	logger  *slog.Logger
}

// NewGateway creates a Gateway. The timeout bounds each worker call.
func NewGateway(s store.Store, m *meter.Meter, w Worker, timeout time.Duration, logger *slog.Logger) *Gateway {
	return &Gateway{
		store:   s,
		meter:   m,
		worker:  w,
		timeout: timeout,
		logger:  logger.With("component", "transcribe"),
	}
}

// Perform runs one job for the user. Returns ErrQuotaExhausted when admission
// is denied and ErrWorker (wrapped) when the external worker fails.
func (g *Gateway) Perform(ctx context.Context, userID string, in Input) (*Result, error) {
	decision, err := g.meter.Admit(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("admission check: %w", err)
	}
	if !decision.Allowed {
		g.logger.Info("job denied", "user", userID, "reason", decision.Reason,
			"minutes_used", decision.MinutesUsed)
		return nil, ErrQuotaExhausted
	}

	workerCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	wr, err := g.worker.Transcribe(workerCtx, in.Filename, in.Audio, in.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWorker, err)
	}

	srt, entries := subtitle.Build(wr.Segments, in.MaxChars)

	result := &Result{
		SRT:           srt,
		Entries:       entries,
		SegmentsCount: len(entries),
		Duration:      wr.Duration,
		FullText:      wr.Text,
	}

	// Once the worker has done the work it must be billed, even if the client
	// disconnects before the response is written.
	accountingCtx := context.WithoutCancel(ctx)

	minutes := wr.Duration / 60
	if minutes > 0 {
		if err := g.meter.Commit(accountingCtx, userID, minutes); err != nil {
			// The job succeeded; surface the accounting failure rather than
			// silently under-counting.
			return nil, fmt.Errorf("commit usage: %w", err)
		}

		if err := g.store.AppendTranscription(accountingCtx, &store.Transcription{
			ID:            uuid.New().String(),
			UserID:        userID,
			Filename:      in.Filename,
			DurationSecs:  wr.Duration,
			SegmentsCount: result.SegmentsCount,
			Minutes:       minutes,
			CreatedAt:     time.Now(),
		}); err != nil {
			g.logger.Warn("failed to append transcription record", "user", userID, "error", err)
		}
	}

	if err := g.store.LogAuditEvent(accountingCtx, &store.AuditEvent{
		ID:     uuid.New().String(),
		Action: "transcribe.completed",
		UserID: userID,
		Detail: json.RawMessage(fmt.Sprintf(`{"filename":%q,"duration":%.2f,"segments":%d}`,
			in.Filename, wr.Duration, result.SegmentsCount)),
		CreatedAt: time.Now(),
	}); err != nil {
		g.logger.Warn("failed to log audit event", "action", "transcribe.completed", "error", err)
	}

	return result, nil
}
