package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/RichardoC/llamachat/internal/models"
)

const maxCatalogBody = 10 << 20

var (
	ErrNoModels   = errors.New("model catalog is empty")
	ErrAuthFailed = errors.New("authentication failed")
)

// Catalog lists the models a user can pick from.
type Catalog interface {
	List(ctx context.Context) ([]models.ModelInfo, error)
}

// RemoteCatalog reads GET {baseURL}/models. It accepts the bare array
// Together returns and the {"data": [...]} envelope OpenAI returns.
type RemoteCatalog struct {
	baseURL        string
	token          string
	defaultContext int
	client         *http.Client
}

func NewRemoteCatalog(baseURL, token string, defaultContext int) *RemoteCatalog {
	return &RemoteCatalog{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          token,
		defaultContext: defaultContext,
		client:         &http.Client{Timeout: 30 * time.Second},
	}
}

type catalogEntry struct {
	ID            string `json:"id"`
	ContextLength int    `json:"context_length"`
}

func (c *RemoteCatalog) List(ctx context.Context) ([]models.ModelInfo, error) {
	if strings.TrimSpace(c.token) == "" {
		return nil, ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build models request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read models response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: HTTP %d", ErrAuthFailed, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("failed to list models: HTTP %d: %s", resp.StatusCode, snippet(body))
	}

	var entries []catalogEntry
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &entries)
	} else {
		var envelope struct {
			Data []catalogEntry `json:"data"`
		}
		err = json.Unmarshal(trimmed, &envelope)
		entries = envelope.Data
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode models response: %w", err)
	}

	out := make([]models.ModelInfo, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			continue
		}
		ctxLen := e.ContextLength
		if ctxLen <= 0 {
			ctxLen = c.defaultContext
		}
		out = append(out, models.ModelInfo{ID: e.ID, ContextLength: ctxLen})
	}
	if len(out) == 0 {
		return nil, ErrNoModels
	}
	return out, nil
}

// StaticCatalog is a fixed model list, typically from configuration.
type StaticCatalog []models.ModelInfo

func (s StaticCatalog) List(context.Context) ([]models.ModelInfo, error) {
	if len(s) == 0 {
		return nil, ErrNoModels
	}
	return append([]models.ModelInfo(nil), s...), nil
}

// FallbackCatalog serves Primary and falls back to Fallback when Primary
// fails or is empty.
type FallbackCatalog struct {
	Primary  Catalog
	Fallback Catalog
	Logger   *zap.Logger
}

func (f FallbackCatalog) List(ctx context.Context) ([]models.ModelInfo, error) {
	list, err := f.Primary.List(ctx)
	if err == nil && len(list) > 0 {
		return list, nil
	}
	if f.Logger != nil {
		f.Logger.Warn("model catalog unavailable, using configured models", zap.Error(err))
	}
	return f.Fallback.List(ctx)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
