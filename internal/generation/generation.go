// Package generation implements the paid text-to-image request: check the
// balance, call the provider, then record the image and debit the account in
// one store transaction. A failed provider call never costs a credit.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/brushwork-ai/brushwork/internal/inference"
	"github.com/brushwork-ai/brushwork/internal/store"
)

var (
	ErrInvalidPrompt = errors.New("generation: invalid prompt")
	ErrPersistence   = errors.New("generation: persistence error")
)

// Notifier is told about every committed balance change.
type Notifier interface {
	BalanceChanged(accountID string, balance int64, reason string)
}

// Options configures the Service.
type Options struct {
	Cost            int64         // credits per image; default 1
	DefaultBalance  int64         // balance of lazily created accounts
	MaxPromptLength int           // in runes; default 1000
	Timeout         time.Duration // provider call bound; default 60s
}

// Service handles generation requests.
type Service struct {
	store    store.Store
	provider inference.Provider
	notifier Notifier
	logger   *slog.Logger
	opts     Options
}

// Result is returned for a successful generation.
type Result struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	ImageURL  string    `json:"image_url"`
	CreatedAt time.Time `json:"created_at"`
	Balance   int64     `json:"balance"`
}

// New creates a generation Service. notifier may be nil.
func New(s store.Store, p inference.Provider, notifier Notifier, logger *slog.Logger, opts Options) *Service {
	if opts.Cost <= 0 {
		opts.Cost = 1
	}
	if opts.MaxPromptLength <= 0 {
		opts.MaxPromptLength = 1000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Service{
		store:    s,
		provider: p,
		notifier: notifier,
		logger:   logger.With("component", "generation"),
		opts:     opts,
	}
}

// Generate produces one image for the account identified by subject.
//
// Errors: ErrInvalidPrompt, store.ErrInsufficientCredits, inference.ErrProvider
// and ErrPersistence. Only a nil error changes the balance.
func (s *Service) Generate(ctx context.Context, subject, prompt string) (*Result, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidPrompt)
	}
	if n := utf8.RuneCountInString(prompt); n > s.opts.MaxPromptLength {
		return nil, fmt.Errorf("%w: prompt is %d characters, limit is %d", ErrInvalidPrompt, n, s.opts.MaxPromptLength)
	}

	acct, created, err := s.store.EnsureAccount(ctx, subject, s.opts.DefaultBalance)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve account: %w", ErrPersistence, err)
	}
	if created {
		s.logAudit(ctx, "account.created", acct.ID, subject, map[string]any{"balance": acct.CreditBalance})
	}

	if acct.CreditBalance < s.opts.Cost {
		return nil, store.ErrInsufficientCredits
	}

	// No transaction or lock is held across the provider call.
	genCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	img, err := s.provider.Generate(genCtx, inference.Request{Prompt: prompt})
	cancel()
	if err != nil {
		if !errors.Is(err, inference.ErrProvider) {
			err = fmt.Errorf("%w: %w", inference.ErrProvider, err)
		}
		s.logger.Warn("provider call failed", "account_id", acct.ID, "provider", s.provider.Name(), "error", err)
		s.logAudit(ctx, "generation.failed", acct.ID, subject, map[string]any{
			"provider": s.provider.Name(),
			"error":    err.Error(),
		})
		return nil, err
	}

	gen := &store.Generation{
		ID:        uuid.New().String(),
		AccountID: acct.ID,
		Prompt:    prompt,
		ImageURL:  img.URL,
		Provider:  s.provider.Name(),
		CreatedAt: time.Now().UTC(),
	}
	balance, err := s.store.CommitGeneration(ctx, gen, s.opts.Cost)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) {
			// A concurrent request spent the last credit while the provider ran.
			s.logAudit(ctx, "generation.failed", acct.ID, subject, map[string]any{
				"provider": s.provider.Name(),
				"error":    "balance drained during generation",
			})
			return nil, err
		}
		s.logger.Error("commit generation", "account_id", acct.ID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if s.notifier != nil {
		s.notifier.BalanceChanged(acct.ID, balance, "generation")
	}
	s.logAudit(ctx, "generation.completed", acct.ID, subject, map[string]any{
		"generation_id": gen.ID,
		"provider":      gen.Provider,
		"cost":          s.opts.Cost,
	})

	return &Result{
		ID:        gen.ID,
		Prompt:    gen.Prompt,
		ImageURL:  gen.ImageURL,
		CreatedAt: gen.CreatedAt,
		Balance:   balance,
	}, nil
}

// logAudit records an audit event. Failures are logged and otherwise ignored.
func (s *Service) logAudit(ctx context.Context, action, accountID, subject string, detail map[string]any) {
	raw, _ := json.Marshal(detail)
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
