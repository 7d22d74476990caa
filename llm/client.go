package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/voice-assistant-lab/internal/logging"
	"github.com/voice-assistant-lab/internal/trace"
)

// Client talks to an OpenAI-compatible chat completions endpoint and turns
// (system prompt, user message) pairs into reply text.
type Client struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	MaxTokens     int
	HTTP          *http.Client
}

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
)

func NewClientFromEnv() *Client {
	base := os.Getenv("OPENAI_BASE_URL")
	if base == "" {
		base = "http://127.0.0.1:8000/v1"
	}
	maxTokens := 512
	if mt := os.Getenv("LLM_MAX_TOKENS"); mt != "" {
		var parsed int
		fmt.Sscanf(mt, "%d", &parsed)
		if parsed > 0 {
			maxTokens = parsed
		}
	}
	return &Client{
		BaseURL:       strings.TrimRight(base, "/"),
		APIKey:        os.Getenv("OPENAI_API_KEY"),
		Model:         os.Getenv("OPENAI_MODEL"),
		FallbackModel: os.Getenv("OPENAI_FALLBACK_MODEL"),
		MaxTokens:     maxTokens,
		HTTP:          &http.Client{Timeout: 30 * time.Second},
	}
}

// Generate produces reply text for the given prompts. The context bounds the
// whole call; a transient failure is retried once against the fallback model
// when one is configured.
func (c *Client) Generate(ctx context.Context, systemPrompt, userMessage string, temperature float64) (string, error) {
	model := c.Model
	if model == "" {
		model = "local"
	}
	text, err := c.complete(ctx, model, systemPrompt, userMessage, temperature)
	if err != nil && errors.Is(err, ErrTransient) && c.FallbackModel != "" && c.FallbackModel != model {
		logging.Warnw("llm: primary model failed, trying fallback", "model", model, "fallback", c.FallbackModel, "err", err, "correlation_id", trace.CorrelationID(ctx))
		return c.complete(ctx, c.FallbackModel, systemPrompt, userMessage, temperature)
	}
	return text, err
}

func (c *Client) complete(ctx context.Context, model, systemPrompt, userMessage string, temperature float64) (string, error) {
	payload := map[string]interface{}{
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userMessage},
		},
		"max_tokens":  c.MaxTokens,
		"temperature": temperature,
	}
	body, _ := json.Marshal(payload)

	url := fmt.Sprintf("%s/chat/completions", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if cid := trace.CorrelationID(ctx); cid != "" {
		req.Header.Set("X-Correlation-ID", cid)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("%w: decode error: %v", ErrTransient, err)
		}
		if len(out.Choices) == 0 {
			return "", fmt.Errorf("%w: no choices in response", ErrTransient)
		}
		return strings.TrimSpace(out.Choices[0].Message.Content), nil
	}

	// 5xx and 429 are worth a fallback attempt; other 4xx are permanent.
	if resp.StatusCode >= 500 || resp.StatusCode == 429 {
		return "", fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}
	return "", fmt.Errorf("%w: status %d", ErrPermanent, resp.StatusCode)
}
