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

	ottoerrors "otto/internal/errors"
	"otto/internal/logging"
)

// HTTPConfig configures the OpenAI-compatible chat completions client.
type HTTPConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

// httpClient speaks the OpenAI-compatible chat completions API. Local
// runtimes (Ollama, vLLM, llama.cpp server) expose the same surface, so one
// client covers both hosted and local models.
type httpClient struct {
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  logging.Logger
}

// NewHTTPClient constructs a chat-completions client for the given endpoint.
func NewHTTPClient(cfg HTTPConfig, logger logging.Logger) (Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm base URL is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &httpClient{
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logging.OrNop(logger),
	}, nil
}

func (c *httpClient) Model() string { return c.model }

func (c *httpClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	oaiReq := map[string]any{
		"model":       c.model,
		"messages":    req.Messages,
		"temperature": req.Temperature,
		"stream":      false,
	}
	if req.MaxTokens > 0 {
		oaiReq["max_tokens"] = req.MaxTokens
	}

	body, err := json.Marshal(oaiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	c.logger.Debug("POST %s model=%s", endpoint, c.model)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ottoerrors.NewTransientError(err, "LLM request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("LLM response status=%d bytes=%d", resp.StatusCode, len(respBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, mapStatusError(resp.StatusCode, respBody)
	}

	var oaiResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if oaiResp.Error != nil && oaiResp.Error.Message != "" {
		return nil, ottoerrors.NewPermanentError(
			fmt.Errorf("%s: %s", oaiResp.Error.Type, oaiResp.Error.Message),
			"LLM rejected the request")
	}
	if len(oaiResp.Choices) == 0 {
		return nil, ottoerrors.NewTransientError(errors.New("no choices in response"), "LLM returned an empty response")
	}

	return &CompletionResponse{
		Content:    oaiResp.Choices[0].Message.Content,
		StopReason: oaiResp.Choices[0].FinishReason,
		Usage: TokenUsage{
			PromptTokens:     oaiResp.Usage.PromptTokens,
			CompletionTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:      oaiResp.Usage.TotalTokens,
		},
	}, nil
}

// mapStatusError classifies HTTP failures so the retry layer knows what to
// give up on. Rate limits and server errors are worth retrying; auth and
// request errors are not.
func mapStatusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 300 {
		msg = msg[:300]
	}
	err := fmt.Errorf("llm returned status %d: %s", status, msg)
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return ottoerrors.NewTransientError(err, "LLM is overloaded, retrying")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ottoerrors.NewPermanentError(err, "LLM rejected the API key")
	default:
		return ottoerrors.NewPermanentError(err, "LLM rejected the request")
	}
}
