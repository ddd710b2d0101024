package models

import (
	"errors"
	"fmt"
)

const (
	MinTemperature = 0.01
	MaxTemperature = 1.0
	MinTopP        = 0.01
	MaxTopP        = 1.0
	MinMaxLength   = 32

	DefaultTemperature = 0.1
	DefaultTopP        = 0.9
	DefaultMaxLength   = 120
)

var ErrInvalidParams = errors.New("invalid sampling parameters")

// Params are the sampling parameters sent with every completion.
type Params struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxLength   int     `json:"max_length"`
}

func DefaultParams() Params {
	return Params{
		Temperature: DefaultTemperature,
		TopP:        DefaultTopP,
		MaxLength:   DefaultMaxLength,
	}
}

// Validate checks p against the slider ranges. contextLimit bounds
// MaxLength from above; values <= 0 leave it unbounded.
func (p Params) Validate(contextLimit int) error {
	if p.Temperature < MinTemperature || p.Temperature > MaxTemperature {
		return fmt.Errorf("%w: temperature %.2f not in [%.2f, %.2f]", ErrInvalidParams, p.Temperature, MinTemperature, MaxTemperature)
	}
	if p.TopP < MinTopP || p.TopP > MaxTopP {
		return fmt.Errorf("%w: top_p %.2f not in [%.2f, %.2f]", ErrInvalidParams, p.TopP, MinTopP, MaxTopP)
	}
	if p.MaxLength < MinMaxLength {
		return fmt.Errorf("%w: max_length %d below %d", ErrInvalidParams, p.MaxLength, MinMaxLength)
	}
	if contextLimit > 0 && p.MaxLength > contextLimit {
		return fmt.Errorf("%w: max_length %d above context length %d", ErrInvalidParams, p.MaxLength, contextLimit)
	}
	return nil
}
