package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/brushwork-ai/brushwork/internal/config"
	"github.com/brushwork-ai/brushwork/internal/inference"
	"github.com/brushwork-ai/brushwork/internal/store"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor [config-file]",
		Short: "Check the config, database and provider credentials",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd, args)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return runChecks(ctx, cfg, cmd.OutOrStdout())
		},
	}
}

type check struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) (string, error)
}

var checks = []check{
	{"storage", checkStorage},
	{"inference", checkInference},
	{"billing", checkBilling},
}

// runChecks prints one line per check and fails if any check failed.
func runChecks(ctx context.Context, cfg *config.Config, out io.Writer) error {
	failed := 0
	for _, c := range checks {
		detail, err := c.run(ctx, cfg)
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(out, "  FAIL  %-10s %v\n", c.name, err)
			continue
		}
		_, _ = fmt.Fprintf(out, "  ok    %-10s %s\n", c.name, detail)
	}
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func checkStorage(ctx context.Context, cfg *config.Config) (string, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return "", err
	}
	defer func() { _ = db.Close() }()
	if err := db.Ping(ctx); err != nil {
		return "", fmt.Errorf("ping: %w", err)
	}
	return cfg.Storage.Driver + " reachable, migrations applied", nil
}

func checkInference(ctx context.Context, cfg *config.Config) (string, error) {
	p, err := inference.New(cfg.Inference)
	if err != nil {
		return "", err
	}
	sp, ok := p.(*inference.StabilityProvider)
	if !ok {
		return p.Name() + " configured (no credential probe available)", nil
	}
	credits, err := sp.Balance(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("stability key valid, %.2f provider credits left", credits), nil
}

func checkBilling(_ context.Context, cfg *config.Config) (string, error) {
	if !cfg.Billing.Enabled {
		return "disabled", nil
	}
	if !strings.HasPrefix(cfg.Billing.StripeSecretKey, "sk_") && !strings.HasPrefix(cfg.Billing.StripeSecretKey, "rk_") {
		return "", fmt.Errorf("stripe secret key should start with sk_ or rk_")
	}
	if !strings.HasPrefix(cfg.Billing.StripeWebhookSecret, "whsec_") {
		return "", fmt.Errorf("stripe webhook secret should start with whsec_")
	}
	mode := "live"
	if strings.Contains(cfg.Billing.StripeSecretKey, "_test_") {
		mode = "test"
	}
	return fmt.Sprintf("stripe %s mode, %d credits for %d %s minor units per pack",
		mode, cfg.Billing.CreditsPerPack, cfg.Billing.PackPriceCents, cfg.Billing.Currency), nil
}
