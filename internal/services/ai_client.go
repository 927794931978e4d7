package services

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

	"github.com/yungbote/studyforge-backend/internal/apperr"
	"github.com/yungbote/studyforge-backend/internal/config"
	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/retry"
)

// AIClient is the narrow interface the pipeline sees for text completion
// and embeddings. Size/token ceilings are the caller's problem; the
// client only enforces transport-level retry semantics.
type AIClient interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	CompleteText(ctx context.Context, system, user string) (string, error)
	CompleteJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error)
}

type aiClient struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	embedModel string
	httpClient *http.Client
	policy     retry.Policy
}

func NewAIClient(cfg *config.Config, log *logger.Logger, policy retry.Policy) (AIClient, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}
	baseURL := cfg.OpenAIBaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	timeout := cfg.OpenAITimeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}

	policy.Retryable = apperr.IsRetryable

	return &aiClient{
		log:        log.With("service", "AIClient"),
		baseURL:    baseURL,
		apiKey:     cfg.OpenAIAPIKey,
		model:      cfg.OpenAIModel,
		embedModel: cfg.OpenAIEmbedModel,
		httpClient: &http.Client{Timeout: timeout},
		policy:     policy,
	}, nil
}

func (c *aiClient) doOnce(ctx context.Context, method, path string, body any) ([]byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apperr.HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

// do runs one API call under the shared retry policy. Rate limits and
// server errors retry with backoff; any other failure surfaces at once.
func (c *aiClient) do(ctx context.Context, method, path string, body any, out any) error {
	attempt := 0
	return c.policy.Do(ctx, func() error {
		attempt++
		raw, err := c.doOnce(ctx, method, path, body)
		if err != nil {
			if apperr.IsRetryable(err) {
				c.log.Warn("AI request will retry",
					"path", path,
					"attempt", attempt,
					"error", err.Error(),
				)
			}
			return err
		}
		if out == nil {
			return nil
		}
		if uErr := json.Unmarshal(raw, out); uErr != nil {
			return apperr.Permanent(fmt.Errorf("decode response: %w", uErr))
		}
		return nil
	})
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (c *aiClient) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}
	req := embeddingsRequest{Model: c.embedModel, Input: inputs}
	var resp embeddingsResponse
	if err := c.do(ctx, "POST", "/v1/embeddings", req, &resp); err != nil {
		return nil, err
	}
	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = vec
		}
	}
	for i := range out {
		if out[i] == nil {
			return nil, apperr.Permanent(fmt.Errorf("missing embedding for index %d", i))
		}
	}
	return out, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Text     *chatFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatFormat struct {
	Type       string         `json:"type"`
	JSONSchema map[string]any `json:"json_schema,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal,omitempty"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *aiClient) complete(ctx context.Context, req chatRequest) (string, error) {
	var resp chatResponse
	if err := c.do(ctx, "POST", "/v1/chat/completions", req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", apperr.Permanent(errors.New("no choices in completion response"))
	}
	if r := resp.Choices[0].Message.Refusal; r != "" {
		return "", apperr.Permanent(fmt.Errorf("model refused: %s", r))
	}
	text := resp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return "", apperr.Permanent(errors.New("empty completion text"))
	}
	return text, nil
}

func (c *aiClient) CompleteText(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
}

func (c *aiClient) CompleteJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	if schemaName == "" {
		return nil, errors.New("schemaName required")
	}
	if schema == nil {
		return nil, errors.New("schema required")
	}
	text, err := c.complete(ctx, chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Text: &chatFormat{
			Type: "json_schema",
			JSONSchema: map[string]any{
				"name":   schemaName,
				"schema": schema,
				"strict": true,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, apperr.Permanent(fmt.Errorf("parse model JSON: %w; text=%s", err, text))
	}
	return obj, nil
}
