// =============================================================================
// Streamflow OpenAI-Compatible Upstream Client
// =============================================================================
// Shared client for all OpenAI-compatible chat completion endpoints.
// Upstreams like OpenAI, DeepSeek, Qwen, GLM differ only in BaseURL,
// default model, and header construction, so one client covers them all.
// =============================================================================

package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/streamflow/internal/tlsutil"
	"github.com/BaSui01/streamflow/types"
)

// Config holds the configuration for an OpenAI-compatible upstream.
type Config struct {
	// ProviderName is the unique identifier for this upstream (e.g., "openai", "deepseek").
	ProviderName string

	// APIKey is the authentication key, used when no key pool is attached.
	APIKey string

	// BaseURL is the base URL for the upstream API (e.g., "https://api.openai.com").
	BaseURL string

	// DefaultModel is the model to use when none is specified in the request.
	DefaultModel string

	// FallbackModel is used when both request and DefaultModel are empty.
	FallbackModel string

	// Timeout is the HTTP client timeout. Defaults to 30s if zero.
	Timeout time.Duration

	// EndpointPath is the chat completions endpoint path. Defaults to "/v1/chat/completions".
	EndpointPath string

	// ModelsEndpoint is the models list endpoint path. Defaults to "/v1/models".
	ModelsEndpoint string

	// BuildHeaders is an optional function to set custom headers on each request.
	// If nil, the default "Authorization: Bearer <apiKey>" header is used.
	BuildHeaders func(req *http.Request, apiKey string)

	// RequestHook is an optional function to modify the wire request before sending.
	RequestHook func(req *ChatRequest, body *wireRequest)
}

// Client talks to one OpenAI-compatible upstream endpoint.
type Client struct {
	cfg     Config
	http    *http.Client
	logger  *zap.Logger
	keyPool *KeyPool
}

// New creates a new upstream client with the given config.
func New(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/v1/models"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   tlsutil.SecureHTTPClient(timeout),
		logger: logger.With(zap.String("component", "upstream"), zap.String("provider", cfg.ProviderName)),
	}
}

// Name returns the upstream provider name.
func (c *Client) Name() string { return c.cfg.ProviderName }

// SetKeyPool attaches a database-backed key pool. When set, each request
// selects a key from the pool and reports the outcome back.
func (c *Client) SetKeyPool(pool *KeyPool) { c.keyPool = pool }

// buildHeaders applies headers to the HTTP request.
func (c *Client) buildHeaders(req *http.Request, apiKey string) {
	if c.cfg.BuildHeaders != nil {
		c.cfg.BuildHeaders(req, apiKey)
		return
	}
	BearerTokenHeaders(req, apiKey)
}

// resolveKey picks the API key for one request. Returns the key and the pool
// entry ID (zero when the static config key was used).
func (c *Client) resolveKey(ctx context.Context) (string, uint, error) {
	if c.keyPool == nil {
		return c.cfg.APIKey, 0, nil
	}
	entry, err := c.keyPool.SelectKey(ctx)
	if err != nil {
		return "", 0, err
	}
	return entry.APIKey, entry.ID, nil
}

// reportOutcome feeds the request result back into the key pool.
func (c *Client) reportOutcome(ctx context.Context, keyID uint, err error) {
	if c.keyPool == nil || keyID == 0 {
		return
	}
	if err != nil {
		_ = c.keyPool.RecordFailure(ctx, keyID, err.Error())
		return
	}
	_ = c.keyPool.RecordSuccess(ctx, keyID)
}

// endpoint builds the full URL for a given path.
func (c *Client) endpoint(path string) string {
	return fmt.Sprintf("%s%s", strings.TrimRight(c.cfg.BaseURL, "/"), path)
}

// buildBody assembles the wire request.
func (c *Client) buildBody(req *ChatRequest, stream bool) wireRequest {
	body := wireRequest{
		Model:       chooseModel(req, c.cfg.DefaultModel, c.cfg.FallbackModel),
		Messages:    convertMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
	if c.cfg.RequestHook != nil {
		c.cfg.RequestHook(req, &body)
	}
	return body
}

// HealthCheck verifies the upstream is reachable.
func (c *Client) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.cfg.ModelsEndpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.buildHeaders(httpReq, c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := ReadErrorMessage(resp.Body)
		return &HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("%s health check failed: status=%d msg=%s", c.cfg.ProviderName, resp.StatusCode, msg)
	}

	return &HealthStatus{Healthy: true, Latency: latency}, nil
}

// ListModels returns the list of available models.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.cfg.ModelsEndpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.buildHeaders(httpReq, c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &types.Error{
			Code: types.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: c.Name(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := ReadErrorMessage(resp.Body)
		return nil, MapHTTPError(resp.StatusCode, msg, c.Name())
	}

	var modelsResp struct {
		Object string  `json:"object"`
		Data   []Model `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&modelsResp); err != nil {
		return nil, &types.Error{
			Code: types.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: c.Name(),
		}
	}
	return modelsResp.Data, nil
}

// Completion performs a non-streaming chat completion.
func (c *Client) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	apiKey, keyID, err := c.resolveKey(ctx)
	if err != nil {
		return nil, &types.Error{
			Code: types.ErrProviderUnavailable, Message: err.Error(),
			HTTPStatus: http.StatusServiceUnavailable, Retryable: true, Provider: c.Name(),
		}
	}

	payload, err := json.Marshal(c.buildBody(req, false))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.buildHeaders(httpReq, apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		outErr := &types.Error{
			Code: types.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: c.Name(),
		}
		c.reportOutcome(ctx, keyID, outErr)
		return nil, outErr
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := ReadErrorMessage(resp.Body)
		outErr := MapHTTPError(resp.StatusCode, msg, c.Name())
		c.reportOutcome(ctx, keyID, outErr)
		return nil, outErr
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		outErr := &types.Error{
			Code: types.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: c.Name(),
		}
		c.reportOutcome(ctx, keyID, outErr)
		return nil, outErr
	}
	c.reportOutcome(ctx, keyID, nil)

	out := &ChatResponse{
		ID:       wr.ID,
		Provider: c.Name(),
		Model:    wr.Model,
		Usage:    toUsage(wr.Usage),
	}
	if len(wr.Choices) > 0 {
		out.Content = wr.Choices[0].Message.Content
		out.Finish = wr.Choices[0].FinishReason
	}
	if wr.Created != 0 {
		out.CreatedAt = time.Unix(wr.Created, 0)
	}
	return out, nil
}

// Stream performs a streaming chat completion via SSE. The returned channel
// closes when the upstream finishes; an error chunk is sent on failure.
func (c *Client) Stream(ctx context.Context, req *ChatRequest) (<-chan types.Chunk, error) {
	apiKey, keyID, err := c.resolveKey(ctx)
	if err != nil {
		return nil, &types.Error{
			Code: types.ErrProviderUnavailable, Message: err.Error(),
			HTTPStatus: http.StatusServiceUnavailable, Retryable: true, Provider: c.Name(),
		}
	}

	payload, err := json.Marshal(c.buildBody(req, true))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.buildHeaders(httpReq, apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		outErr := &types.Error{
			Code: types.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: c.Name(),
		}
		c.reportOutcome(ctx, keyID, outErr)
		return nil, outErr
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := ReadErrorMessage(resp.Body)
		outErr := MapHTTPError(resp.StatusCode, msg, c.Name())
		c.reportOutcome(ctx, keyID, outErr)
		return nil, outErr
	}

	c.reportOutcome(ctx, keyID, nil)
	return StreamSSE(ctx, resp.Body, c.Name()), nil
}

// StreamSSE parses an SSE stream from an OpenAI-compatible API and returns a
// channel of chunks. The caller is responsible for ensuring the response
// status is OK before calling this.
func StreamSSE(ctx context.Context, body io.ReadCloser, providerName string) <-chan types.Chunk {
	ch := make(chan types.Chunk)
	go func() {
		defer body.Close()
		defer close(ch)
		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					select {
					case <-ctx.Done():
						return
					case ch <- types.Chunk{Err: &types.Error{
						Code: types.ErrUpstreamError, Message: err.Error(),
						HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: providerName,
					}}:
					}
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var wr wireResponse
			if err := json.Unmarshal([]byte(data), &wr); err != nil {
				select {
				case <-ctx.Done():
					return
				case ch <- types.Chunk{Err: &types.Error{
					Code: types.ErrUpstreamError, Message: err.Error(),
					HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: providerName,
				}}:
				}
				return
			}

			for _, choice := range wr.Choices {
				chunk := types.Chunk{
					ID:           wr.ID,
					Provider:     providerName,
					Model:        wr.Model,
					Index:        choice.Index,
					FinishReason: choice.FinishReason,
					Usage:        toUsage(wr.Usage),
				}
				if choice.Delta != nil {
					chunk.SetText(choice.Delta.Content)
				}
				select {
				case <-ctx.Done():
					return
				case ch <- chunk:
				}
			}
		}
	}()
	return ch
}
