// File: internal/llmclient/ollama_client.go

// Package llmclient talks to the local Ollama-compatible inference
// backend. It is the only place that touches the network for planning.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xops-dev/taskpilot/api/schemas"
	"github.com/xops-dev/taskpilot/internal/config"
)

// OllamaClient implements schemas.LLMClient against the /api/generate
// endpoint of a local Ollama server.
type OllamaClient struct {
	endpoint   string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	config     config.LLMConfig
}

// -- Ollama API Request/Response Structures (Internal to this file) --

type ollamaRequestPayload struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options *ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

type ollamaResponsePayload struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// NewOllamaClient initializes the client. modelHint, when non-empty,
// overrides the configured model for this run.
func NewOllamaClient(cfg config.LLMConfig, modelHint string, logger *zap.Logger) (*OllamaClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("inference backend endpoint is required")
	}
	model := cfg.Model
	if modelHint != "" {
		model = modelHint
	}

	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 1
	}

	return &OllamaClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/") + "/api/generate",
		model:    model,
		config:   cfg,
		httpClient: &http.Client{
			Timeout: cfg.APITimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger.Named("llm_client.ollama"),
	}, nil
}

// Model returns the model name requests are issued against.
func (c *OllamaClient) Model() string { return c.model }

// GenerateResponse sends the prompts to the backend and returns the
// generated content with retries on transient failures.
func (c *OllamaClient) GenerateResponse(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait: %w", err)
	}

	payload := c.buildRequestPayload(req)
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.config.MaxRetryWindow
	b.MaxInterval = 30 * time.Second

	var responseContent string

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")

		startTime := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		duration := time.Since(startTime)

		if err != nil {
			c.logger.Warn("Network error during backend request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		var responsePayload ollamaResponsePayload
		if err := json.Unmarshal(respBody, &responsePayload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}
		if responsePayload.Response == "" {
			return backoff.Permanent(fmt.Errorf("backend returned an empty response"))
		}

		c.logger.Info("Generation complete",
			zap.String("model", responsePayload.Model),
			zap.Duration("duration", duration),
			zap.Int("prompt_tokens", responsePayload.PromptEvalCount),
			zap.Int("completion_tokens", responsePayload.EvalCount),
		)

		responseContent = responsePayload.Response
		return nil
	}

	if err = backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}
	return responseContent, nil
}

func (c *OllamaClient) buildRequestPayload(req schemas.GenerationRequest) ollamaRequestPayload {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.config.Temperature
	}

	payload := ollamaRequestPayload{
		Model:   model,
		Prompt:  req.UserPrompt,
		System:  req.SystemPrompt,
		Stream:  false,
		Options: &ollamaOptions{Temperature: temp},
	}
	if req.ForceJSONFormat {
		payload.Format = "json"
	}
	return payload
}

func (c *OllamaClient) handleAPIError(statusCode int, body []byte) error {
	c.logger.Error("Backend returned error status", zap.Int("status", statusCode), zap.String("response", string(body)))
	err := fmt.Errorf("backend error: status %d, body: %s", statusCode, string(body))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err // transient, retry
	default:
		return backoff.Permanent(err)
	}
}
