package ollama

import (
	"context"
	"fmt"

	"github.com/ollama/ollama/api"

	"github.com/lumachat/memoryd/memory"
)

type Model string

const (
	ModelMXBAI      Model = "mxbai-embed-large"
	ModelNomicEmbed Model = "nomic-embed-text"
)

type embedder struct {
	client *api.Client
	model  Model
}

// NewEmbedder returns an Embedder backed by a local Ollama instance. The host
// comes from OLLAMA_HOST.
func NewEmbedder(model Model) (memory.Embedder, error) {
	cli, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, err
	}
	return &embedder{client: cli, model: model}, nil
}

func (e *embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: string(e.model),
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned for input")
	}
	return resp.Embeddings[0], nil
}
