package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/lumachat/memoryd/llm"
)

const (
	messagesEndpoint = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"
)

// Client implements llm.Client against the Anthropic Messages API. Rate
// limits and server errors are retried with exponential backoff; other 4xx
// responses fail permanently.
type Client struct {
	apiKey     string
	model      string
	httpClient *http.Client
	maxRetries uint64
	logger     zerolog.Logger
}

// NewClient creates an Anthropic-backed completion client.
func NewClient(apiKey, model string, logger zerolog.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	return &Client{
		apiKey: apiKey,
		model:  model,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries: 5,
		logger:     logger.With().Str("component", "anthropicClient").Logger(),
	}, nil
}

type messagesRequest struct {
	Model       string            `json:"model"`
	MaxTokens   int               `json:"max_tokens"`
	System      string            `json:"system,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	Messages    []requestMessages `json:"messages"`
}

type requestMessages struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	payload := messagesRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Temperature: req.Temperature,
		Messages: []requestMessages{
			{Role: "user", Content: req.Prompt},
		},
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 1 * time.Second
	eb.Multiplier = 2.0
	eb.MaxInterval = 60 * time.Second
	eb.MaxElapsedTime = 5 * time.Minute
	eb.RandomizationFactor = 0.2
	eb.Reset()

	backoffConfig := backoff.WithMaxRetries(eb, c.maxRetries)

	var result *llm.Response

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, messagesEndpoint, bytes.NewReader(bodyBytes))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", apiVersion)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return llm.NewProviderError("anthropic request failed", err)
		}
		defer resp.Body.Close() //nolint:errcheck // Body close error can be ignored

		if resp.StatusCode >= 400 {
			var apiErr map[string]interface{}
			_ = json.NewDecoder(resp.Body).Decode(&apiErr)

			if resp.StatusCode == http.StatusTooManyRequests {
				retryAfter := extractRetryAfter(resp)
				if retryAfter > 0 {
					eb.InitialInterval = retryAfter
					eb.Multiplier = 1.5
					eb.RandomizationFactor = 0.1
					eb.Reset()
				}
				c.logger.Warn().Dur("retryAfter", retryAfter).Msg("Rate limit encountered, retrying")
				return llm.NewRateLimitError(
					fmt.Sprintf("anthropic rate limit: %s", resp.Status),
					&retryAfter,
					fmt.Errorf("%v", apiErr),
				)
			}

			// Don't retry client errors other than 429.
			if resp.StatusCode < 500 {
				return backoff.Permanent(&llm.Error{
					Type:       llm.ErrorTypeInvalidRequest,
					Message:    fmt.Sprintf("anthropic API error %s: %v", resp.Status, apiErr),
					StatusCode: resp.StatusCode,
				})
			}

			c.logger.Warn().Str("status", resp.Status).Msg("Server error, retrying")
			return &llm.Error{
				Type:       llm.ErrorTypeProvider,
				Message:    fmt.Sprintf("anthropic server error %s: %v", resp.Status, apiErr),
				Retryable:  true,
				StatusCode: resp.StatusCode,
			}
		}

		var msgResp messagesResponse
		if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		if len(msgResp.Content) == 0 {
			return fmt.Errorf("empty content in response")
		}
		text := strings.TrimSpace(msgResp.Content[0].Text)
		if text == "" {
			return fmt.Errorf("empty completion text")
		}

		result = &llm.Response{
			Text: text,
			Usage: &llm.Usage{
				InputTokens:  msgResp.Usage.InputTokens,
				OutputTokens: msgResp.Usage.OutputTokens,
			},
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(backoffConfig, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// extractRetryAfter parses the Retry-After header as either seconds or an
// HTTP date.
func extractRetryAfter(resp *http.Response) time.Duration {
	if retryAfterStr := resp.Header.Get("Retry-After"); retryAfterStr != "" {
		if seconds, err := strconv.Atoi(retryAfterStr); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if retryTime, err := time.Parse(time.RFC1123, retryAfterStr); err == nil {
			now := time.Now()
			if retryTime.After(now) {
				return retryTime.Sub(now)
			}
		}
	}
	return 60 * time.Second
}
