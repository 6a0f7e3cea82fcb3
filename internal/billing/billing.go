// Package billing handles Stripe checkout, portal, and webhook processing.
package billing

import (
	"context"
	"net/http"
)

// Service handles billing operations (checkout, portal, webhooks).
type Service interface {
	HandleWebhook(w http.ResponseWriter, r *http.Request)
	// CreateCheckoutSession ensures a Stripe customer exists for the user and
	// opens a subscription checkout session for the pro plan.
	CreateCheckoutSession(ctx context.Context, userID, email, successURL, cancelURL string) (string, error)
	CreatePortalSession(ctx context.Context, userID, returnURL string) (string, error)
}
