package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// DefaultRepetitionPenalty is sent with every request.
const DefaultRepetitionPenalty = 1.0

var ErrNotConfigured = errors.New("completion API key not configured")

// Request is one call to the completion endpoint. The prompt travels as a
// single user message.
type Request struct {
	Model             string
	Prompt            string
	Temperature       float64
	TopP              float64
	MaxTokens         int
	RepetitionPenalty float64

	// InputTokens is the caller's estimate of the prompt size. It is only
	// recorded, never sent.
	InputTokens int
}

// Gateway produces generated text for a prompt.
type Gateway interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Service is a Gateway backed by an OpenAI-compatible langchaingo client.
type Service struct {
	llm     llms.Model
	timeout time.Duration
}

func New(baseURL, token, model string, timeout time.Duration) (*Service, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrNotConfigured
	}
	llm, err := openai.New(
		openai.WithToken(token),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
		openai.WithHTTPClient(newSamplingClient(http.DefaultClient)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize completion client: %w", err)
	}
	return NewWithModel(llm, timeout), nil
}

// NewWithModel wraps an existing langchaingo model. A zero timeout leaves
// the deadline to ctx.
func NewWithModel(llm llms.Model, timeout time.Duration) *Service {
	return &Service{llm: llm, timeout: timeout}
}

func (s *Service) Complete(ctx context.Context, req Request) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	penalty := req.RepetitionPenalty
	if penalty == 0 {
		penalty = DefaultRepetitionPenalty
	}
	opts := []llms.CallOption{
		llms.WithTemperature(req.Temperature),
		llms.WithTopP(req.TopP),
		llms.WithMaxTokens(req.MaxTokens),
		llms.WithRepetitionPenalty(penalty),
	}
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}
	ctx = withSampling(ctx, sampling{TopP: req.TopP, RepetitionPenalty: penalty})

	completion, err := llms.GenerateFromSinglePrompt(ctx, s.llm, req.Prompt, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to generate completion: %w", err)
	}
	return completion, nil
}
