package ollama

import (
	"context"
	"fmt"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/lumachat/memoryd/llm"
)

// Client implements llm.Client using a local Ollama instance.
type Client struct {
	client *api.Client
	model  string
}

// NewClient creates an Ollama-backed completion client. The host is taken
// from the OLLAMA_HOST environment variable (default http://localhost:11434).
func NewClient(model string) (*Client, error) {
	if model == "" {
		model = "llama3.2:3b"
	}
	cli, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama client: %w", err)
	}
	return &Client{client: cli, model: model}, nil
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

	options := map[string]any{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	var responseBuilder strings.Builder
	stream := false
	genReq := &api.GenerateRequest{
		Model:   model,
		Prompt:  req.Prompt,
		System:  req.System,
		Stream:  &stream,
		Options: options,
	}

	err := c.client.Generate(ctx, genReq, func(resp api.GenerateResponse) error {
		responseBuilder.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return nil, llm.NewProviderError("ollama generate failed", err)
	}

	text := strings.TrimSpace(responseBuilder.String())
	if text == "" {
		return nil, fmt.Errorf("received empty response from model %q", model)
	}
	return &llm.Response{Text: text}, nil
}
