package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/brushwork-ai/brushwork/internal/config"
	"github.com/brushwork-ai/brushwork/internal/store"
)

const maxWebhookBytes = 65536

// checkoutSessions creates Stripe Checkout sessions. *session.Client satisfies it.
type checkoutSessions interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeService implements Service on top of Stripe Checkout.
type StripeService struct {
	store          store.Store
	sessions       checkoutSessions
	webhookSecret  string
	appURL         string
	pricing        Pricing
	defaultBalance int64
	notifier       Notifier
	logger         *slog.Logger
}

// Outcome describes what ProcessEvent did with one webhook delivery.
type Outcome struct {
	EventID   string
	EventType string
	Handled   bool // event type credits the ledger
	Applied   bool // false for redeliveries and ignored events
	AccountID string
	Balance   int64
}

// NewStripe creates a StripeService. notifier may be nil.
func NewStripe(cfg config.BillingConfig, defaultBalance int64, s store.Store, notifier Notifier, logger *slog.Logger) *StripeService {
	return &StripeService{
		store:         s,
		sessions:      &session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: cfg.StripeSecretKey},
		webhookSecret: cfg.StripeWebhookSecret,
		appURL:        strings.TrimRight(cfg.AppURL, "/"),
		pricing: Pricing{
			Currency:       cfg.Currency,
			PackPriceCents: cfg.PackPriceCents,
			CreditsPerPack: cfg.CreditsPerPack,
			MaxPacks:       cfg.MaxPacks,
		},
		defaultBalance: defaultBalance,
		notifier:       notifier,
		logger:         logger.With("component", "billing"),
	}
}

// Packs returns the credit packs offered in the UI.
func (s *StripeService) Packs() []Pack {
	return s.pricing.Offered()
}

// CreateCheckoutSession starts a Stripe Checkout for quantity base packs and
// returns the hosted checkout URL. The subject and credit amount travel in
// the session metadata and come back with the completion webhook.
func (s *StripeService) CreateCheckoutSession(ctx context.Context, subject string, quantity int64) (string, error) {
	pack, err := s.pricing.PackFor(quantity)
	if err != nil {
		return "", err
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(pack.Currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String("Image Generation Credits"),
					Description: stripe.String(fmt.Sprintf("%d credits per pack", s.pricing.CreditsPerPack)),
				},
				UnitAmount: stripe.Int64(s.pricing.PackPriceCents),
			},
			Quantity: stripe.Int64(quantity),
		}},
		ClientReferenceID: stripe.String(subject),
		SuccessURL:        stripe.String(fmt.Sprintf("%s/dashboard?success=true&credits=%d", s.appURL, pack.Credits)),
		CancelURL:         stripe.String(s.appURL + "/dashboard?canceled=true"),
	}
	params.Context = ctx
	params.AddMetadata("userId", subject)
	params.AddMetadata("credits", strconv.FormatInt(pack.Credits, 10))

	sess, err := s.sessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// HandleWebhook verifies and applies a Stripe event delivery.
func (s *StripeService) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "cannot read body"})
		return
	}

	out, err := s.ProcessEvent(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, ErrInvalidSignature):
		s.logger.Warn("rejected webhook", "error", err)
		respond(w, http.StatusBadRequest, map[string]string{"error": "invalid signature"})
	case err != nil:
		// Non-2xx makes Stripe redeliver; the event id keeps the retry idempotent.
		s.logger.Error("apply webhook event", "error", err)
		respond(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	default:
		respond(w, http.StatusOK, map[string]any{"received": true, "applied": out.Applied})
	}
}

// ProcessEvent verifies the signature over payload and, for completed
// checkout sessions, records the purchase and credits the account.
func (s *StripeService) ProcessEvent(ctx context.Context, payload []byte, sigHeader string) (*Outcome, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &Outcome{EventID: event.ID, EventType: string(event.Type)}

	var sess stripe.CheckoutSession
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			s.logger.Error("malformed checkout session", "event_id", event.ID, "error", err)
			return out, nil
		}
	default:
		s.logger.Debug("ignoring webhook event", "event_id", event.ID, "type", event.Type)
		return out, nil
	}

	// Delayed payment methods complete the session unpaid and follow up with
	// async_payment_succeeded.
	if event.Type == stripe.EventTypeCheckoutSessionCompleted &&
		sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid &&
		sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
		s.logger.Info("checkout completed without payment, waiting for async payment",
			"event_id", event.ID, "session_id", sess.ID, "payment_status", sess.PaymentStatus)
		return out, nil
	}

	subject := sess.Metadata["userId"]
	credits, err := strconv.ParseInt(sess.Metadata["credits"], 10, 64)
	if subject == "" || err != nil || credits <= 0 {
		s.logger.Error("checkout session has unusable metadata",
			"event_id", event.ID, "session_id", sess.ID, "user_id", subject, "credits", sess.Metadata["credits"])
		s.logAudit(ctx, "credits.rejected", "", subject, map[string]any{
			"event_id":   event.ID,
			"session_id": sess.ID,
			"credits":    sess.Metadata["credits"],
		})
		return out, nil
	}

	out.Handled = true
	res, err := s.store.ApplyPayment(ctx, &store.Transaction{
		ID:              uuid.New().String(),
		Credits:         credits,
		AmountCents:     sess.AmountTotal,
		Currency:        string(sess.Currency),
		ProviderEventID: event.ID,
		CreatedAt:       time.Now().UTC(),
	}, subject, s.defaultBalance)
	if err != nil {
		return nil, fmt.Errorf("apply payment %s: %w", event.ID, err)
	}

	out.Applied = res.Applied
	out.AccountID = res.AccountID
	out.Balance = res.Balance

	if !res.Applied {
		s.logger.Info("duplicate webhook delivery", "event_id", event.ID, "account_id", res.AccountID)
		return out, nil
	}

	s.logger.Info("credits purchased", "event_id", event.ID, "account_id", res.AccountID,
		"credits", credits, "balance", res.Balance)
	if res.AccountCreated {
		s.logAudit(ctx, "account.created", res.AccountID, subject, map[string]any{"via": "payment"})
	}
	s.logAudit(ctx, "credits.purchased", res.AccountID, subject, map[string]any{
		"event_id": event.ID,
		"credits":  credits,
		"amount":   sess.AmountTotal,
		"currency": sess.Currency,
	})
	if s.notifier != nil {
		s.notifier.BalanceChanged(res.AccountID, res.Balance, "purchase")
	}
	return out, nil
}

// logAudit records an audit event. Failures are logged and otherwise ignored.
func (s *StripeService) logAudit(ctx context.Context, action, accountID, subject string, detail map[string]any) {
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

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
