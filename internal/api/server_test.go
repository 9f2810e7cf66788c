package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/brushwork-ai/brushwork/internal/auth"
	"github.com/brushwork-ai/brushwork/internal/billing"
	"github.com/brushwork-ai/brushwork/internal/config"
	"github.com/brushwork-ai/brushwork/internal/generation"
	"github.com/brushwork-ai/brushwork/internal/inference"
	"github.com/brushwork-ai/brushwork/internal/store"
)

const testWebhookSecret = "whsec_api_test"

type stubProvider struct {
	err error
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Generate(_ context.Context, _ inference.Request) (*inference.Image, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &inference.Image{URL: "data:image/png;base64,c3R1Yg=="}, nil
}

type testEnv struct {
	srv      *Server
	authSvc  *auth.Service
	store    store.Store
	provider *stubProvider
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
		Auth: config.AuthConfig{
			Provider:          "builtin",
			JWTSecret:         "test-secret-at-least-32-chars-long",
			JWTExpiry:         config.Duration{Duration: time.Hour},
			AllowRegistration: true,
			Admins:            []string{"adminuser"},
		},
		Billing: config.BillingConfig{
			Enabled:             true,
			StripeSecretKey:     "sk_test_unused",
			StripeWebhookSecret: testWebhookSecret,
			AppURL:              "https://brushwork.test",
			Currency:            "usd",
			PackPriceCents:      500,
			CreditsPerPack:      10,
			MaxPacks:            100,
		},
		Generation: config.GenerationConfig{
			DefaultBalance:  100,
			Cost:            1,
			MaxPromptLength: 1000,
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc := auth.NewService(s, cfg.Auth)
	provider := &stubProvider{}
	gen := generation.New(s, provider, nil, logger, generation.Options{
		Cost:            cfg.Generation.Cost,
		DefaultBalance:  cfg.Generation.DefaultBalance,
		MaxPromptLength: cfg.Generation.MaxPromptLength,
		Timeout:         time.Second,
	})
	bill := billing.NewStripe(cfg.Billing, cfg.Generation.DefaultBalance, s, nil, logger)

	srv := NewServer(s, authSvc, authSvc, gen, cfg, ServerOptions{Billing: bill}, logger)
	return &testEnv{srv: srv, authSvc: authSvc, store: s, provider: provider}
}

// userToken registers username and returns its token and account subject.
func (e *testEnv) userToken(t *testing.T, username string) (string, string) {
	t.Helper()
	ctx := context.Background()
	user, err := e.authSvc.Register(ctx, username, "testpassword123")
	if err != nil {
		t.Fatal(err)
	}
	token, err := e.authSvc.Login(ctx, username, "testpassword123")
	if err != nil {
		t.Fatal(err)
	}
	return token, user.ID
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func (e *testEnv) balance(t *testing.T, token string) int64 {
	t.Helper()
	w := e.do(t, http.MethodGet, "/api/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/me: %d %s", w.Code, w.Body.String())
	}
	return int64(decode[map[string]any](t, w)["credit_balance"].(float64))
}

func TestHealthz(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("healthz: got %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options: got %q", got)
	}

	w = env.do(t, http.MethodGet, "/readyz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("readyz: got %d, want 200", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	env := setupTestServer(t)

	paths := []string{"/api/me", "/api/generations", "/api/transactions"}
	for _, p := range paths {
		if w := env.do(t, http.MethodGet, p, "", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: got %d, want 401", p, w.Code)
		}
		if w := env.do(t, http.MethodGet, p, "not-a-jwt", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("%s with bad token: got %d, want 401", p, w.Code)
		}
	}
	if w := env.do(t, http.MethodPost, "/api/generate", "", map[string]string{"prompt": "x"}); w.Code != http.StatusUnauthorized {
		t.Errorf("generate without token: got %d, want 401", w.Code)
	}
}

func TestRegisterAndLoginEndpoints(t *testing.T) {
	env := setupTestServer(t)
	creds := map[string]string{"username": "painter", "password": "brushes123"}

	w := env.do(t, http.MethodPost, "/api/auth/register", "", creds)
	if w.Code != http.StatusCreated {
		t.Fatalf("register: got %d %s", w.Code, w.Body.String())
	}
	token := decode[map[string]string](t, w)["token"]
	if token == "" {
		t.Fatal("register returned no token")
	}
	if got := env.balance(t, token); got != 100 {
		t.Errorf("new account balance: got %d, want 100", got)
	}

	if w := env.do(t, http.MethodPost, "/api/auth/register", "", creds); w.Code != http.StatusConflict {
		t.Errorf("duplicate register: got %d, want 409", w.Code)
	}
	weak := map[string]string{"username": "weakling", "password": "short"}
	if w := env.do(t, http.MethodPost, "/api/auth/register", "", weak); w.Code != http.StatusBadRequest {
		t.Errorf("weak password: got %d, want 400", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/auth/login", "", creds)
	if w.Code != http.StatusOK {
		t.Fatalf("login: got %d %s", w.Code, w.Body.String())
	}

	bad := map[string]string{"username": "painter", "password": "wrongpassword"}
	if w := env.do(t, http.MethodPost, "/api/auth/login", "", bad); w.Code != http.StatusUnauthorized {
		t.Errorf("bad login: got %d, want 401", w.Code)
	}

	events, err := env.store.ListAuditEvents(context.Background(), store.AuditFilter{Action: "login."})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("login audit events: got %d, want 2", len(events))
	}
}

func TestGenerateEndpoint(t *testing.T) {
	env := setupTestServer(t)
	token, _ := env.userToken(t, "fox")

	w := env.do(t, http.MethodPost, "/api/generate", token, map[string]string{"prompt": "a red fox"})
	if w.Code != http.StatusOK {
		t.Fatalf("generate: got %d %s", w.Code, w.Body.String())
	}
	res := decode[generation.Result](t, w)
	if res.Balance != 99 || res.Prompt != "a red fox" || res.ImageURL == "" {
		t.Errorf("result: got %+v", res)
	}

	w = env.do(t, http.MethodGet, "/api/generations", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: got %d", w.Code)
	}
	gens := decode[[]store.Generation](t, w)
	if len(gens) != 1 || gens[0].ID != res.ID {
		t.Errorf("library: got %+v", gens)
	}

	if w := env.do(t, http.MethodGet, "/api/generations/"+res.ID, token, nil); w.Code != http.StatusOK {
		t.Errorf("get own generation: got %d, want 200", w.Code)
	}

	otherToken, _ := env.userToken(t, "badger")
	if w := env.do(t, http.MethodGet, "/api/generations/"+res.ID, otherToken, nil); w.Code != http.StatusNotFound {
		t.Errorf("get foreign generation: got %d, want 404", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/generations/missing", token, nil); w.Code != http.StatusNotFound {
		t.Errorf("get missing generation: got %d, want 404", w.Code)
	}
}

func TestGenerateErrorMapping(t *testing.T) {
	env := setupTestServer(t)
	token, subject := env.userToken(t, "mapper")

	if w := env.do(t, http.MethodPost, "/api/generate", token, map[string]string{"prompt": "   "}); w.Code != http.StatusBadRequest {
		t.Errorf("blank prompt: got %d, want 400", w.Code)
	}

	env.provider.err = errors.New("upstream 500")
	if w := env.do(t, http.MethodPost, "/api/generate", token, map[string]string{"prompt": "a fox"}); w.Code != http.StatusBadGateway {
		t.Errorf("provider failure: got %d, want 502", w.Code)
	}
	if got := env.balance(t, token); got != 100 {
		t.Errorf("balance after provider failure: got %d, want 100", got)
	}
	env.provider.err = nil

	acct, err := env.store.GetAccountByExternalID(context.Background(), subject)
	if err != nil || acct == nil {
		t.Fatalf("GetAccountByExternalID: %v", err)
	}
	if _, err := env.store.Debit(context.Background(), acct.ID, 100); err != nil {
		t.Fatal(err)
	}
	w := env.do(t, http.MethodPost, "/api/generate", token, map[string]string{"prompt": "a fox"})
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("zero balance: got %d, want 402", w.Code)
	}
	if msg := decode[map[string]string](t, w)["error"]; msg != "insufficient credits" {
		t.Errorf("error message: got %q", msg)
	}

	if w := env.do(t, http.MethodPost, "/api/generate", token, nil); w.Code != http.StatusBadRequest {
		t.Errorf("missing body: got %d, want 400", w.Code)
	}
}

func TestClassifyGenerateError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrInsufficientCredits, http.StatusPaymentRequired},
		{generation.ErrInvalidPrompt, http.StatusBadRequest},
		{inference.ErrProvider, http.StatusBadGateway},
		{generation.ErrPersistence, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := classifyGenerateError(tt.err); got != tt.want {
			t.Errorf("%v: got %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestStripeWebhookRoute(t *testing.T) {
	env := setupTestServer(t)
	token, subject := env.userToken(t, "buyer")
	_ = env.balance(t, token)

	payload, _ := json.Marshal(map[string]any{
		"id":          "evt_api_1",
		"object":      "event",
		"type":        "checkout.session.completed",
		"api_version": "2025-01-01",
		"created":     time.Now().Unix(),
		"data": map[string]any{"object": map[string]any{
			"id":             "cs_test_api",
			"object":         "checkout.session",
			"amount_total":   1000,
			"currency":       "usd",
			"payment_status": "paid",
			"metadata":       map[string]string{"userId": subject, "credits": "20"},
		}},
	})
	header := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload, Secret: testWebhookSecret, Timestamp: time.Now(),
	}).Header

	post := func(sig string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", sig)
		w := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(w, req)
		return w.Code
	}

	if code := post("t=1,v1=forged"); code != http.StatusBadRequest {
		t.Errorf("forged: got %d, want 400", code)
	}
	for i := 0; i < 2; i++ {
		if code := post(header); code != http.StatusOK {
			t.Errorf("delivery #%d: got %d, want 200", i, code)
		}
	}
	if got := env.balance(t, token); got != 120 {
		t.Errorf("balance: got %d, want 120", got)
	}

	w := env.do(t, http.MethodGet, "/api/transactions", token, nil)
	txns := decode[[]store.Transaction](t, w)
	if len(txns) != 1 || txns[0].Credits != 20 {
		t.Errorf("transactions: got %+v", txns)
	}
}

func TestListPacks(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, http.MethodGet, "/api/billing/packs", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("packs: got %d", w.Code)
	}
	resp := decode[struct {
		Packs []billing.Pack `json:"packs"`
	}](t, w)
	if len(resp.Packs) != 3 || resp.Packs[2].Credits != 50 {
		t.Errorf("packs: got %+v", resp.Packs)
	}

	token, _ := env.userToken(t, "shopper")
	if w := env.do(t, http.MethodPost, "/api/billing/checkout", token, map[string]int{"quantity": 0}); w.Code != http.StatusBadRequest {
		t.Errorf("checkout quantity 0: got %d, want 400", w.Code)
	}
}

func TestAdminAudit(t *testing.T) {
	env := setupTestServer(t)
	userToken, _ := env.userToken(t, "regular")
	adminToken, _ := env.userToken(t, "adminuser")

	if w := env.do(t, http.MethodGet, "/api/admin/audit", userToken, nil); w.Code != http.StatusForbidden {
		t.Errorf("non-admin: got %d, want 403", w.Code)
	}

	_ = env.balance(t, userToken) // creates the account, which is audited
	w := env.do(t, http.MethodGet, "/api/admin/audit?action=account.", adminToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("admin: got %d", w.Code)
	}
	events := decode[[]store.AuditEvent](t, w)
	if len(events) != 1 || events[0].Action != "account.created" {
		t.Errorf("audit events: got %+v", events)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := setupTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/generate", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight: got %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow origin: got %q", got)
	}
}

func TestCORSAllowList(t *testing.T) {
	h := makeCORSMiddleware([]string{"https://brushwork.test"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for origin, want := range map[string]string{
		"https://brushwork.test": "https://brushwork.test",
		"https://evil.example":   "",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", origin)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != want {
			t.Errorf("origin %q: got %q, want %q", origin, got, want)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := newRateLimiter(1, 3)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !rl.allow("k") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if rl.allow("k") {
		t.Error("burst exhausted, request should be denied")
	}
	if !rl.allow("other") {
		t.Error("keys must not share buckets")
	}

	now = now.Add(time.Second)
	if !rl.allow("k") {
		t.Error("one token should have refilled")
	}
	if rl.allow("k") {
		t.Error("only one token should have refilled")
	}

	now = now.Add(time.Hour)
	if removed := rl.cleanup(10 * time.Minute); removed != 2 {
		t.Errorf("cleanup removed %d buckets, want 2", removed)
	}
}

func TestLoginRateLimit(t *testing.T) {
	env := setupTestServer(t)
	creds := map[string]string{"username": "nobody", "password": "whatever123"}

	limited := false
	for i := 0; i < 20; i++ {
		w := env.do(t, http.MethodPost, "/api/auth/login", "", creds)
		if w.Code == http.StatusTooManyRequests {
			limited = true
			if w.Header().Get("Retry-After") == "" {
				t.Error("missing Retry-After header")
			}
			break
		}
	}
	if !limited {
		t.Error("login was never rate limited")
	}
}

func TestMaxBodyBytes(t *testing.T) {
	env := setupTestServer(t)
	token, _ := env.userToken(t, "verbose")

	big := `{"prompt":"` + strings.Repeat("a", 2*1024*1024) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(big))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("oversized body: got %d, want 400", w.Code)
	}
}
