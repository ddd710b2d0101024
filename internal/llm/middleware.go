package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/RichardoC/llamachat/internal/models"
)

// Limited throttles calls to the wrapped gateway.
type Limited struct {
	next    Gateway
	limiter *rate.Limiter
}

// NewLimited allows perMinute calls per minute with a burst of one. A
// non-positive perMinute returns next unchanged.
func NewLimited(next Gateway, perMinute int) Gateway {
	if perMinute <= 0 {
		return next
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

func (l *Limited) Complete(ctx context.Context, req Request) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("failed to wait for rate limiter: %w", err)
	}
	return l.next.Complete(ctx, req)
}

// Recorder stores audited completions.
type Recorder interface {
	RecordCompletion(c *models.Completion) error
}

// Audited records every call, successful or not.
type Audited struct {
	next     Gateway
	recorder Recorder
	logger   *zap.Logger
}

// NewAudited returns next unchanged when recorder is nil.
func NewAudited(next Gateway, recorder Recorder, logger *zap.Logger) Gateway {
	if recorder == nil {
		return next
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Audited{next: next, recorder: recorder, logger: logger}
}

func (a *Audited) Complete(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	out, err := a.next.Complete(ctx, req)

	entry := &models.Completion{
		ID:          uuid.NewString(),
		Model:       req.Model,
		Prompt:      req.Prompt,
		Output:      out,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		InputTokens: req.InputTokens,
		DurationMs:  time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if recErr := a.recorder.RecordCompletion(entry); recErr != nil {
		a.logger.Warn("failed to record completion",
			zap.Error(recErr),
			zap.String("request_id", entry.ID))
	}
	a.logger.Info("completion",
		zap.String("request_id", entry.ID),
		zap.String("model", req.Model),
		zap.Int("input_tokens", req.InputTokens),
		zap.Int("max_tokens", req.MaxTokens),
		zap.Int64("duration_ms", entry.DurationMs),
		zap.Bool("ok", err == nil))
	return out, err
}
