// Package api provides the HTTP API and middleware for brushwork.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/brushwork-ai/brushwork/internal/auth"
	"github.com/brushwork-ai/brushwork/internal/billing"
	"github.com/brushwork-ai/brushwork/internal/config"
	"github.com/brushwork-ai/brushwork/internal/generation"
	"github.com/brushwork-ai/brushwork/internal/inference"
	"github.com/brushwork-ai/brushwork/internal/store"
)

// Generator runs paid generation requests.
type Generator interface {
	Generate(ctx context.Context, subject, prompt string) (*generation.Result, error)
}

// ServerOptions contains optional dependencies for the API server.
type ServerOptions struct {
	Billing billing.Service  // nil when billing is disabled
	Live    http.HandlerFunc // websocket balance feed; nil disables /ws/account
}

// Server is the HTTP API server.
type Server struct {
	store             store.Store
	authProvider      auth.Provider
	loginProvider     auth.LoginProvider
	generator         Generator
	billing           billing.Service
	logger            *slog.Logger
	mux               *chi.Mux
	startTime         time.Time
	maxBodyBytes      int64
	defaultBalance    int64
	allowRegistration bool
	admins            map[string]bool
	loginRL           *rateLimiter
	rl                *rateLimiter
}

// NewServer creates a new API server. lp is nil when the auth provider does
// not support password login.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, gen Generator, cfg *config.Config, opts ServerOptions, logger *slog.Logger) *Server {
	srv := &Server{
		store:             s,
		authProvider:      ap,
		loginProvider:     lp,
		generator:         gen,
		billing:           opts.Billing,
		logger:            logger.With("component", "api"),
		startTime:         time.Now(),
		maxBodyBytes:      cfg.Server.MaxBodyBytes,
		defaultBalance:    cfg.Generation.DefaultBalance,
		allowRegistration: cfg.Auth.AllowRegistration,
		admins:            make(map[string]bool, len(cfg.Auth.Admins)),
	}
	for _, a := range cfg.Auth.Admins {
		srv.admins[a] = true
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Password login only exists for the builtin provider.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
		if srv.allowRegistration {
			mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/register", srv.handleRegister)
		}
	}

	// WebSocket route (auth handled inside)
	if opts.Live != nil {
		mux.Get("/ws/account", opts.Live)
	}

	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Post("/api/generate", srv.handleGenerate)
		r.Get("/api/generations", srv.handleListGenerations)
		r.Get("/api/generations/{generationID}", srv.handleGetGeneration)
		r.Get("/api/transactions", srv.handleListTransactions)

		r.With(srv.adminMiddleware).Get("/api/admin/audit", srv.handleAdminListAuditEvents)
	})

	if opts.Billing != nil {
		mux.Post("/api/webhooks/stripe", opts.Billing.HandleWebhook) // public, signature-verified
		mux.Get("/api/billing/packs", srv.handleListPacks)
		mux.Group(func(r chi.Router) {
			r.Use(srv.authMiddleware)
			r.Use(rateLimitMiddleware(srv.rl))
			r.Post("/api/billing/checkout", srv.handleCreateCheckout)
		})
	}

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":           s.authProvider.Name(),
		"allow_registration": s.loginProvider != nil && s.allowRegistration,
	})
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) decodeCredentials(w http.ResponseWriter, r *http.Request) (*credentials, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return nil, false
	}
	return &req, true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCredentials(w, r)
	if !ok {
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r.Context(), "login.failed", "", "", map[string]any{"username": req.Username})
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	subject := ""
	if user, _ := s.store.GetLocalUser(r.Context(), req.Username); user != nil {
		subject = user.ID
	}
	s.audit(r.Context(), "login.success", "", subject, nil)

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCredentials(w, r)
	if !ok {
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrUserExists):
		writeError(w, http.StatusConflict, "username already taken")
		return
	case errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("register user", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register user")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	s.audit(r.Context(), "user.registered", "", user.ID, map[string]any{"username": user.Username})
	writeJSON(w, http.StatusCreated, map[string]string{"id": user.ID, "token": token})
}

// --- Account handlers ---

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	acct, ok := s.ensureAccount(w, r, identity)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":             acct.ID,
		"external_id":    acct.ExternalID,
		"username":       identity.Username,
		"email":          identity.Email,
		"credit_balance": acct.CreditBalance,
		"created_at":     acct.CreatedAt,
	})
}

// ensureAccount resolves the caller's account, creating it with the default
// balance on first sight.
func (s *Server) ensureAccount(w http.ResponseWriter, r *http.Request, identity *auth.Identity) (*store.Account, bool) {
	acct, created, err := s.store.EnsureAccount(r.Context(), identity.Subject, s.defaultBalance)
	if err != nil {
		s.logger.Error("resolve account", "subject", identity.Subject, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve account")
		return nil, false
	}
	if created {
		s.audit(r.Context(), "account.created", acct.ID, identity.Subject, map[string]any{"via": "api"})
	}
	return acct, true
}

// --- Generation handlers ---

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.generator.Generate(r.Context(), identity.Subject, req.Prompt)
	if err != nil {
		status, msg := classifyGenerateError(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("generation failed", "subject", identity.Subject, "status", status, "error", err)
		}
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// classifyGenerateError maps a generation failure to an HTTP status and a
// client-safe message.
func classifyGenerateError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient credits"
	case errors.Is(err, generation.ErrInvalidPrompt):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, inference.ErrProvider):
		return http.StatusBadGateway, "image provider failed, please try again"
	default:
		return http.StatusInternalServerError, "failed to save generation"
	}
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	limit, offset := parsePage(r)

	acct, err := s.store.GetAccountByExternalID(r.Context(), identity.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve account")
		return
	}
	gens := []store.Generation{}
	if acct != nil {
		gens, err = s.store.ListGenerations(r.Context(), acct.ID, limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list generations")
			return
		}
		if gens == nil {
			gens = []store.Generation{}
		}
	}
	writeJSON(w, http.StatusOK, gens)
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	generationID := chi.URLParam(r, "generationID")

	gen, err := s.store.GetGeneration(r.Context(), generationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get generation")
		return
	}
	acct, err := s.store.GetAccountByExternalID(r.Context(), identity.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve account")
		return
	}
	// Other accounts' images are reported as missing rather than forbidden.
	if gen == nil || acct == nil || gen.AccountID != acct.ID {
		writeError(w, http.StatusNotFound, "generation not found")
		return
	}
	writeJSON(w, http.StatusOK, gen)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	limit, offset := parsePage(r)

	acct, err := s.store.GetAccountByExternalID(r.Context(), identity.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve account")
		return
	}
	txns := []store.Transaction{}
	if acct != nil {
		txns, err = s.store.ListTransactions(r.Context(), acct.ID, limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list transactions")
			return
		}
		if txns == nil {
			txns = []store.Transaction{}
		}
	}
	writeJSON(w, http.StatusOK, txns)
}

// --- Admin handlers ---

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r)
	filter := store.AuditFilter{
		Action:    r.URL.Query().Get("action"),
		AccountID: r.URL.Query().Get("account_id"),
		Limit:     limit,
		Offset:    offset,
	}

	events, err := s.store.ListAuditEvents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Billing handlers ---

func (s *Server) handleListPacks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"packs": s.billing.Packs()})
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Quantity int64 `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	checkoutURL, err := s.billing.CreateCheckoutSession(r.Context(), identity.Subject, req.Quantity)
	if err != nil {
		if errors.Is(err, billing.ErrInvalidQuantity) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Warn("create checkout session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create checkout session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": checkoutURL})
}

// --- Helpers ---

// parsePage reads limit and offset query parameters. limit defaults to 50
// and is capped at 500.
func parsePage(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func (s *Server) audit(ctx context.Context, action, accountID, subject string, detail map[string]any) {
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	if err := s.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		AccountID: accountID,
		Subject:   subject,
		Detail:    raw,
		CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
