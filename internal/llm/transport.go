package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// doer matches *http.Client and the client option of the openai provider.
type doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type samplingKey struct{}

// sampling holds the request fields the openai provider does not forward.
type sampling struct {
	TopP              float64
	RepetitionPenalty float64
}

func withSampling(ctx context.Context, s sampling) context.Context {
	return context.WithValue(ctx, samplingKey{}, s)
}

// samplingClient writes top_p and repetition_penalty into chat completion
// bodies. langchaingo's openai provider drops both from llms.CallOptions.
type samplingClient struct {
	next doer
}

func newSamplingClient(next doer) *samplingClient {
	if next == nil {
		next = http.DefaultClient
	}
	return &samplingClient{next: next}
}

func (c *samplingClient) Do(req *http.Request) (*http.Response, error) {
	s, ok := req.Context().Value(samplingKey{}).(sampling)
	if !ok || req.Body == nil || req.Method != http.MethodPost || !strings.HasSuffix(req.URL.Path, "/chat/completions") {
		return c.next.Do(req)
	}

	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read chat request: %w", err)
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode chat request: %w", err)
	}
	if payload["top_p"], err = json.Marshal(s.TopP); err != nil {
		return nil, fmt.Errorf("failed to encode top_p: %w", err)
	}
	if payload["repetition_penalty"], err = json.Marshal(s.RepetitionPenalty); err != nil {
		return nil, fmt.Errorf("failed to encode repetition_penalty: %w", err)
	}
	body, err = json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return c.next.Do(out)
}
