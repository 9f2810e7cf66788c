package auth

import (
	"context"

	"github.com/brushwork-ai/brushwork/internal/store"
)

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	Subject  string // account external ID: local user ID (builtin) or Clerk user ID
	Username string
	Email    string
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}

// LoginProvider is implemented by providers that support username/password login.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password string) (*store.LocalUser, error)
}
