package inference

import (
	"fmt"

	"github.com/brushwork-ai/brushwork/internal/config"
)

// New creates a Provider based on the configured inference provider.
func New(cfg config.InferenceConfig) (Provider, error) {
	switch cfg.Provider {
	case "stability", "":
		return NewStability(cfg), nil
	case "openai":
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported inference provider: %q", cfg.Provider)
	}
}
