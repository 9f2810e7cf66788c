package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/brushwork-ai/brushwork/internal/config"
)

// OpenAIProvider generates images with the OpenAI Images API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	size   string
}

// NewOpenAI creates an OpenAI provider from configuration.
func NewOpenAI(cfg config.InferenceConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := 60 * time.Second
	if cfg.Timeout.Duration > 0 {
		timeout = cfg.Timeout.Duration
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	model := cfg.Engine
	if model == "" {
		model = openai.CreateImageModelDallE3
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		size:   fmt.Sprintf("%dx%d", orDefault(cfg.Width, 1024), orDefault(cfg.Height, 1024)),
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string { return "openai" }

// Generate requests one base64-encoded image and returns it as a data URI.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Image, error) {
	resp, err := p.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          p.model,
		Size:           p.size,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
		N:              1,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, providerError("openai HTTP %d: %s", nil, apiErr.HTTPStatusCode, apiErr.Message)
		}
		return nil, providerError("openai request", err)
	}

	if len(resp.Data) == 0 {
		return nil, providerError("no image returned", nil)
	}
	data := resp.Data[0]
	switch {
	case data.B64JSON != "":
		return &Image{URL: "data:image/png;base64," + data.B64JSON}, nil
	case data.URL != "":
		return &Image{URL: data.URL}, nil
	default:
		return nil, providerError("empty image payload", nil)
	}
}
