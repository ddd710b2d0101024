package models

import "time"

// Completion is one audited call to the completion gateway.
type Completion struct {
	ID          string    `json:"id"`
	Model       string    `json:"model"`
	Prompt      string    `json:"prompt"`
	Output      string    `json:"output"`
	Error       string    `json:"error,omitempty"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p"`
	MaxTokens   int       `json:"max_tokens"`
	InputTokens int       `json:"input_tokens"`
	DurationMs  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}
