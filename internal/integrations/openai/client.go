// Package openai is a small client for the OpenAI-compatible chat
// completions and embeddings endpoints. Chat output is constrained to the
// grounded answer JSON schema the support agent parses.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"support-agent/internal/domain"
)

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultEmbeddingModel = "text-embedding-3-small"
	defaultTemperature    = 0.2
	maxErrorBody          = 4096
	maxResponseBody       = 8 << 20
)

type chatRequest struct {
	Model          string               `json:"model"`
	Messages       []domain.ChatMessage `json:"messages"`
	Temperature    *float64             `json:"temperature,omitempty"`
	ResponseFormat *responseFormat      `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string           `json:"type"`
	JSONSchema jsonSchemaConfig `json:"json_schema"`
}

type jsonSchemaConfig struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type chatResponse struct {
	Choices []struct {
		Index        int                `json:"index"`
		Message      domain.ChatMessage `json:"message"`
		FinishReason string             `json:"finish_reason"`
	} `json:"choices"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// groundedAnswerSchema mirrors the reply contract stated in the system
// prompt: an answer, the passage or tool sources it used, and an explicit
// flag for "the evidence does not answer this".
var groundedAnswerSchema = json.RawMessage(`{
	"type":"object",
	"additionalProperties":false,
	"properties":{
		"answer":{"type":"string"},
		"sources":{"type":"array","items":{"type":"string"}},
		"insufficient_evidence":{"type":"boolean"}
	},
	"required":["answer","sources","insufficient_evidence"]
}`)

// tokenPayload is the JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError is a non-2xx upstream response. RetryAfter is set when
// the server sent a Retry-After header in seconds.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls chat completions and embeddings. The API key is read from
// the parameter store on first use and cached for the process lifetime.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	getter         Getter
	paramPrefix    string
	embeddingModel string
	temperature    float64

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithEmbeddingModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.embeddingModel = m
		}
	}
}

// WithTemperature sets the sampling temperature for Chat. Values outside
// [0,2] are ignored.
func WithTemperature(t float64) Option {
	return func(c *Client) {
		if t >= 0 && t <= 2 {
			c.temperature = t
		}
	}
}

// NewClient creates a Client that reads its key from
// "<paramPrefix>/open-ai-token".
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:        defaultBaseURL,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		getter:         ps,
		paramPrefix:    paramPrefix,
		embeddingModel: defaultEmbeddingModel,
		temperature:    defaultTemperature,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
	})
	return c.apiKey, c.keyErr
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + path
	}
	return base + "/v1" + path
}

func chatURL(baseURL string) string {
	return endpointURL(baseURL, "/chat/completions")
}

func embeddingsURL(baseURL string) string {
	return endpointURL(baseURL, "/embeddings")
}

// Chat requests a completion constrained to the grounded answer schema and
// returns the raw JSON content of the first choice.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error) {
	if model == "" {
		return "", errors.New("openai: model must not be empty")
	}
	temperature := c.temperature
	req := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: &temperature,
		ResponseFormat: &responseFormat{
			Type:       "json_schema",
			JSONSchema: jsonSchemaConfig{Name: "grounded_answer", Strict: true, Schema: groundedAnswerSchema},
		},
	}
	var payload chatResponse
	if err := c.post(ctx, chatURL(c.baseURL), req, &payload); err != nil {
		return "", err
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	choice := payload.Choices[0]
	if choice.FinishReason == "length" {
		return "", errors.New("openai: completion truncated")
	}
	return choice.Message.Content, nil
}

// Embed returns one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var payload embeddingResponse
	if err := c.post(ctx, embeddingsURL(c.baseURL), embeddingRequest{Model: c.embeddingModel, Input: texts}, &payload); err != nil {
		return nil, fmt.Errorf("openai: embedding request failed: %w", err)
	}
	if len(payload.Data) != len(texts) {
		return nil, fmt.Errorf("openai: got %d embeddings for %d inputs", len(payload.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range payload.Data {
		if d.Index < 0 || d.Index >= len(texts) || out[d.Index] != nil {
			return nil, fmt.Errorf("openai: bad embedding index %d", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// post sends in as JSON to url with the bearer key and decodes the 2xx
// response into out.
func (c *Client) post(ctx context.Context, url string, in, out any) error {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("openai: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("openai: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
			RetryAfter: retryAfter(res.Header.Get("Retry-After")),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("openai: read response body: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("openai: decode response: %w", err)
	}
	return nil
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("openai: API token is empty")
	}
	return tp.Token, nil
}
