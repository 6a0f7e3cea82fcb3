package auth

import (
	"context"

	"github.com/jimaku-ai/jimaku/internal/store"
)

// Identity is the verified caller identity attached to a request.
type Identity struct {
	UserID   string
	Username string
	Email    string
	Role     string // "admin" or "user"
}

// Provider validates bearer tokens and returns the caller identity.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support username/password
// login (builtin only; Clerk users authenticate externally).
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, email, password, role string) (*store.User, error)
}
