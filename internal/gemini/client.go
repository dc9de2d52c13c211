package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL    = "https://generativelanguage.googleapis.com/v1beta"
	defaultTextModel  = "gemini-2.5-pro"
	defaultImageModel = "gemini-2.5-flash-image"
	defaultTimeout    = 120 * time.Second
	maxRetries        = 3
	initialBackoff    = 500 * time.Millisecond
)

var (
	// ErrMissingAPIKey is returned by every call when no API key is configured.
	ErrMissingAPIKey = errors.New("generation API key is not configured")
	// ErrEmptyResponse is returned when the model produced no usable output.
	ErrEmptyResponse = errors.New("generation returned no content")
)

// Config configures a Client. Zero values fall back to defaults.
type Config struct {
	APIKey     string
	BaseURL    string
	TextModel  string
	ImageModel string
	Timeout    time.Duration
}

// Client talks to the Gemini generateContent REST endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	textModel  string
	imageModel string
	httpClient *http.Client
}

// NewClient creates a client from cfg.
func NewClient(cfg Config) *Client {
	c := &Client{
		apiKey:     cfg.APIKey,
		baseURL:    defaultBaseURL,
		textModel:  defaultTextModel,
		imageModel: defaultImageModel,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	if cfg.BaseURL != "" {
		c.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.TextModel != "" {
		c.textModel = cfg.TextModel
	}
	if cfg.ImageModel != "" {
		c.imageModel = cfg.ImageModel
	}
	if cfg.Timeout > 0 {
		c.httpClient.Timeout = cfg.Timeout
	}
	return c
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	return NewClient(Config{APIKey: apiKey, BaseURL: baseURL})
}

// HasAPIKey reports whether generation calls can be attempted.
func (c *Client) HasAPIKey() bool {
	return c.apiKey != ""
}

// Generate sends req to model, retrying on HTTP 429 with exponential backoff.
func (c *Client) Generate(ctx context.Context, model string, req GenerateRequest) (GenerateResponse, error) {
	if c.apiKey == "" {
		return GenerateResponse{}, ErrMissingAPIKey
	}

	body, err := json.Marshal(req)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		resp, err := c.doGenerate(ctx, model, body)
		if err == nil {
			return resp, nil
		}

		if !isRateLimit(err) {
			return GenerateResponse{}, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return GenerateResponse{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return GenerateResponse{}, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

func (c *Client) doGenerate(ctx context.Context, model string, body []byte) (GenerateResponse, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return GenerateResponse{}, &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return GenerateResponse{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var out GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return GenerateResponse{}, fmt.Errorf("decoding response: %w", err)
	}
	return out, nil
}

// generateText runs a single-turn text prompt against the text model.
func (c *Client) generateText(ctx context.Context, system, prompt string, temp float64) (string, error) {
	req := GenerateRequest{
		Contents:         []Content{{Role: "user", Parts: []Part{{Text: prompt}}}},
		GenerationConfig: &GenerationConfig{Temperature: temperature(temp)},
	}
	if system != "" {
		req.SystemInstruction = &Content{Parts: []Part{{Text: system}}}
	}
	resp, err := c.Generate(ctx, c.textModel, req)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(stripCodeFence(resp.Text()))
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// stripCodeFence removes a surrounding ``` block that models sometimes add
// around HTML or JSON output.
func stripCodeFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") || !strings.HasSuffix(t, "```") || len(t) < 6 {
		return s
	}
	t = strings.TrimSuffix(strings.TrimPrefix(t, "```"), "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 && !strings.ContainsAny(t[:i], " <{[") {
		t = t[i+1:]
	}
	return t
}
