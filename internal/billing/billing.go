// Package billing sells credit packs through Stripe Checkout and applies
// completed payments to the ledger from the Stripe webhook.
package billing

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")
	ErrInvalidQuantity  = errors.New("billing: invalid quantity")
)

// Service handles billing operations (checkout and webhooks).
type Service interface {
	HandleWebhook(w http.ResponseWriter, r *http.Request)
	CreateCheckoutSession(ctx context.Context, subject string, quantity int64) (string, error)
	Packs() []Pack
}

// Notifier is told about every committed balance change.
type Notifier interface {
	BalanceChanged(accountID string, balance int64, reason string)
}
