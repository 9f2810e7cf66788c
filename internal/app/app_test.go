package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/brushwork-ai/brushwork/internal/config"
	"github.com/brushwork-ai/brushwork/internal/inference"
	"github.com/brushwork-ai/brushwork/internal/store"
)

type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }

func (stubProvider) Generate(context.Context, inference.Request) (*inference.Image, error) {
	return &inference.Image{URL: "data:image/png;base64,AA=="}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Addr: "127.0.0.1:0", AllowedOrigins: []string{"*"}, MaxBodyBytes: 1 << 20},
		Auth: config.AuthConfig{
			Provider:          "builtin",
			JWTSecret:         "test-secret-at-least-32-chars-long",
			JWTExpiry:         config.Duration{Duration: time.Hour},
			AllowRegistration: true,
		},
		Storage:    config.StorageConfig{Driver: "sqlite", DSN: ":memory:", AuditRetention: config.Duration{Duration: 24 * time.Hour}},
		Inference:  config.InferenceConfig{Provider: "stability", APIKey: "sk-test", Timeout: config.Duration{Duration: time.Second}},
		Generation: config.GenerationConfig{DefaultBalance: 100, Cost: 1, MaxPromptLength: 1000},
		RateLimit:  config.RateLimitConfig{RequestsPerSecond: 100, Burst: 100},
	}
}

func newTestApp(t *testing.T) (*App, store.Store) {
	t.Helper()
	db, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	a, err := newWithProvider(testConfig(), db, stubProvider{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return a, db
}

func TestNewFromConfig(t *testing.T) {
	a, err := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = a.store.Close()

	cfg := testConfig()
	cfg.Storage.Driver = "oracle"
	if _, err := New(cfg, slog.Default()); err == nil {
		t.Error("expected error for unsupported storage driver")
	}
}

func TestServeEndToEnd(t *testing.T) {
	a, _ := newTestApp(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Post(base+"/api/auth/register", "application/json",
		strings.NewReader(`{"username":"e2e-user","password":"password123"}`))
	if err != nil {
		t.Fatal(err)
	}
	var reg struct {
		Token string `json:"token"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&reg)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || reg.Token == "" {
		t.Fatalf("register: status %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, base+"/api/generate", strings.NewReader(`{"prompt":"a lighthouse"}`))
	req.Header.Set("Authorization", "Bearer "+reg.Token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var res struct {
		Balance int64 `json:"balance"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&res)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || res.Balance != 99 {
		t.Errorf("generate: status %d, balance %d", resp.StatusCode, res.Balance)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestPurgeAuditEvents(t *testing.T) {
	a, db := newTestApp(t)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	old := &store.AuditEvent{ID: "old", Action: "test.old", CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &store.AuditEvent{ID: "fresh", Action: "test.fresh", CreatedAt: time.Now()}
	for _, ev := range []*store.AuditEvent{old, fresh} {
		if err := db.LogAuditEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	if n := a.purgeAuditEvents(ctx, time.Now().Add(-24*time.Hour)); n != 1 {
		t.Errorf("purged %d events, want 1", n)
	}
	events, err := db.ListAuditEvents(ctx, store.AuditFilter{Action: "test."})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != "fresh" {
		t.Errorf("remaining events: got %+v", events)
	}
}
