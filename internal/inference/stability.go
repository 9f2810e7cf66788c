package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brushwork-ai/brushwork/internal/config"
)

const (
	defaultStabilityBaseURL = "https://api.stability.ai"
	defaultStabilityEngine  = "stable-diffusion-xl-1024-v1-0"
)

// StabilityProvider calls the Stability AI v1 text-to-image endpoint.
type StabilityProvider struct {
	baseURL  string
	engine   string
	apiKey   string
	width    int
	height   int
	steps    int
	cfgScale float64
	client   *http.Client
}

// NewStability creates a Stability provider from configuration.
func NewStability(cfg config.InferenceConfig) *StabilityProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultStabilityBaseURL
	}
	engine := cfg.Engine
	if engine == "" {
		engine = defaultStabilityEngine
	}

	timeout := 60 * time.Second
	if cfg.Timeout.Duration > 0 {
		timeout = cfg.Timeout.Duration
	}

	return &StabilityProvider{
		baseURL:  strings.TrimRight(baseURL, "/"),
		engine:   engine,
		apiKey:   cfg.APIKey,
		width:    orDefault(cfg.Width, 1024),
		height:   orDefault(cfg.Height, 1024),
		steps:    orDefault(cfg.Steps, 30),
		cfgScale: cfg.CFGScale,
		client:   &http.Client{Timeout: timeout},
	}
}

// Name returns the provider name.
func (p *StabilityProvider) Name() string { return "stability" }

type stabilityTextPrompt struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

type stabilityRequest struct {
	TextPrompts []stabilityTextPrompt `json:"text_prompts"`
	CFGScale    float64               `json:"cfg_scale"`
	Height      int                   `json:"height"`
	Width       int                   `json:"width"`
	Steps       int                   `json:"steps"`
	Samples     int                   `json:"samples"`
}

type stabilityResponse struct {
	Artifacts []struct {
		Base64       string `json:"base64"`
		Seed         int64  `json:"seed"`
		FinishReason string `json:"finishReason"`
	} `json:"artifacts"`
}

// Generate renders a single 1024x1024 PNG and returns it as a data URI.
func (p *StabilityProvider) Generate(ctx context.Context, req Request) (*Image, error) {
	cfgScale := p.cfgScale
	if cfgScale == 0 {
		cfgScale = 7
	}
	body, err := json.Marshal(stabilityRequest{
		TextPrompts: []stabilityTextPrompt{{Text: req.Prompt, Weight: 1}},
		CFGScale:    cfgScale,
		Height:      p.height,
		Width:       p.width,
		Steps:       p.steps,
		Samples:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/generation/%s/text-to-image", p.baseURL, p.engine)
	var out stabilityResponse
	if err := p.do(ctx, http.MethodPost, url, body, &out); err != nil {
		return nil, err
	}

	if len(out.Artifacts) == 0 || out.Artifacts[0].Base64 == "" {
		return nil, providerError("no image returned", nil)
	}
	art := out.Artifacts[0]
	if art.FinishReason == "CONTENT_FILTERED" {
		return nil, providerError("image rejected by content filter", nil)
	}

	return &Image{
		URL:  "data:image/png;base64," + art.Base64,
		Seed: art.Seed,
	}, nil
}

// Balance returns the remaining Stability account credits. It doubles as a
// credential check.
func (p *StabilityProvider) Balance(ctx context.Context) (float64, error) {
	var out struct {
		Credits float64 `json:"credits"`
	}
	if err := p.do(ctx, http.MethodGet, p.baseURL+"/v1/user/balance", nil, &out); err != nil {
		return 0, err
	}
	return out.Credits, nil
}

func (p *StabilityProvider) do(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return providerError("stability request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return providerError("stability HTTP %d: %s", nil, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return providerError("decode stability response", err)
	}
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
