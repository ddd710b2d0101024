// Package prompt turns a conversation into the single role-tagged
// transcript string the completion gateway expects, and works out how many
// tokens the reply may use.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/RichardoC/llamachat/internal/models"
)

const (
	Preamble = "You are a helpful assistant. You do not respond as 'User' or pretend to be 'User'. You only respond once as 'Assistant'."

	// HardCeiling is the total context budget shared by prompt and reply.
	HardCeiling = 8193

	userTag      = "User: "
	assistantTag = "Assistant: "
	cue          = " Assistant:"
)

var ErrContextExhausted = errors.New("prompt leaves no room for a reply")

// Request is an assembled prompt with its token accounting.
type Request struct {
	Prompt          string
	InputTokens     int
	MaxTokens       int
	RequestedTokens int
}

// Assemble renders turns followed by the new input. The first turn follows
// the preamble directly. It is pure.
func Assemble(turns []models.Turn, input string) string {
	var b strings.Builder
	b.WriteString(Preamble)
	for _, t := range turns {
		if t.Role == models.RoleUser {
			b.WriteString(userTag)
		} else {
			b.WriteString(assistantTag)
		}
		b.WriteString(t.Content)
		b.WriteString("\n\n")
	}
	b.WriteString(" ")
	b.WriteString(input)
	b.WriteString(cue)
	return b.String()
}

// EstimateTokens counts whitespace-delimited words. It is a rough proxy,
// not a tokenizer.
func EstimateTokens(text string) int {
	return len(strings.Fields(text))
}

// Budget returns min(requested, HardCeiling - EstimateTokens(prompt)).
func Budget(prompt string, requested int) (int, error) {
	remaining := HardCeiling - EstimateTokens(prompt)
	if remaining < 1 {
		return 0, fmt.Errorf("%w: prompt is ~%d tokens, ceiling is %d", ErrContextExhausted, HardCeiling-remaining, HardCeiling)
	}
	if requested < 1 {
		return 0, fmt.Errorf("%w: requested %d tokens", models.ErrInvalidParams, requested)
	}
	return min(requested, remaining), nil
}

// Build assembles the prompt and budgets the reply in one step.
func Build(turns []models.Turn, input string, requested int) (Request, error) {
	p := Assemble(turns, input)
	maxTokens, err := Budget(p, requested)
	if err != nil {
		return Request{}, err
	}
	return Request{
		Prompt:          p,
		InputTokens:     EstimateTokens(p),
		MaxTokens:       maxTokens,
		RequestedTokens: requested,
	}, nil
}
