package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/brushwork-ai/brushwork/internal/config"
)

func TestVersionCmd(t *testing.T) {
	root := NewRootCmd("1.2.3")
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out.String()); got != "brushwork 1.2.3" {
		t.Errorf("version output: got %q", got)
	}
}

func TestResolveConfigPath(t *testing.T) {
	root := NewRootCmd("dev")
	if got := resolveConfigPath(root, nil, "brushwork.json"); got != "brushwork.json" {
		t.Errorf("default: got %q", got)
	}
	if got := resolveConfigPath(root, []string{"prod.json"}, "brushwork.json"); got != "prod.json" {
		t.Errorf("positional: got %q", got)
	}
	if err := root.PersistentFlags().Set("config", "flag.json"); err != nil {
		t.Fatal(err)
	}
	if got := resolveConfigPath(root, nil, "brushwork.json"); got != "flag.json" {
		t.Errorf("flag: got %q", got)
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing file: %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("BRUSHWORK_TEST_FROM_DOTENV=from-file\nBRUSHWORK_TEST_PRESET=from-file\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BRUSHWORK_TEST_FROM_DOTENV", "")
	t.Setenv("BRUSHWORK_TEST_PRESET", "from-env")
	_ = os.Unsetenv("BRUSHWORK_TEST_FROM_DOTENV")

	if err := loadEnvFile(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("BRUSHWORK_TEST_FROM_DOTENV"); got != "from-file" {
		t.Errorf("dotenv value: got %q", got)
	}
	if got := os.Getenv("BRUSHWORK_TEST_PRESET"); got != "from-env" {
		t.Errorf("existing env must win: got %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line logged at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("expected JSON warn line, got %q", out)
	}

	buf.Reset()
	newLogger(config.LoggingConfig{Level: "debug", Format: "text"}, buf).Debug("dbg")
	if !strings.Contains(buf.String(), "msg=dbg") {
		t.Errorf("expected text debug line, got %q", buf.String())
	}
}

func TestRunChecks(t *testing.T) {
	stability := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"bad key"}`))
			return
		}
		_, _ = w.Write([]byte(`{"credits": 42}`))
	}))
	t.Cleanup(stability.Close)

	cfg := &config.Config{
		Storage:   config.StorageConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "doctor.db")},
		Inference: config.InferenceConfig{Provider: "stability", APIKey: "sk-good", BaseURL: stability.URL},
		Billing: config.BillingConfig{
			Enabled:             true,
			StripeSecretKey:     "sk_test_abc",
			StripeWebhookSecret: "whsec_abc",
			Currency:            "usd",
			PackPriceCents:      500,
			CreditsPerPack:      10,
		},
	}

	out := &bytes.Buffer{}
	if err := runChecks(context.Background(), cfg, out); err != nil {
		t.Fatalf("runChecks: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "42.00 provider credits") || !strings.Contains(out.String(), "stripe test mode") {
		t.Errorf("output: %s", out.String())
	}

	cfg.Inference.APIKey = "sk-bad"
	cfg.Billing.StripeWebhookSecret = "not-a-secret"
	out.Reset()
	if err := runChecks(context.Background(), cfg, out); err == nil {
		t.Fatal("expected failures")
	}
	if got := strings.Count(out.String(), "FAIL"); got != 2 {
		t.Errorf("FAIL lines: got %d, want 2\n%s", got, out.String())
	}
}
