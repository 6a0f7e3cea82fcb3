package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	bpsession "github.com/stripe/stripe-go/v82/billingportal/session"
	cosession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"

	"github.com/jimaku-ai/jimaku/internal/config"
	"github.com/jimaku-ai/jimaku/internal/store"
)

// StripeService implements Service against the Stripe API.
// The API call sites are injectable so tests can run without network access.
type StripeService struct {
	store         store.Store
	webhookSecret string
	pricePro      string
	freeMinutes   float64
	logger        *slog.Logger

	createCustomer        func(params *stripelib.CustomerParams) (*stripelib.Customer, error)
	createCheckoutSession func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
	createPortalSession   func(params *stripelib.BillingPortalSessionParams) (*stripelib.BillingPortalSession, error)
}

// NewStripeService creates a StripeService and sets the global Stripe API key.
func NewStripeService(s store.Store, cfg config.BillingConfig, freeMinutes float64, logger *slog.Logger) *StripeService {
	stripelib.Key = strings.TrimSpace(cfg.StripeSecretKey)

	return &StripeService{
		store:                 s,
		webhookSecret:         cfg.StripeWebhookSecret,
		pricePro:              cfg.StripePricePro,
		freeMinutes:           freeMinutes,
		logger:                logger.With("component", "billing"),
		createCustomer:        customer.New,
		createCheckoutSession: cosession.New,
		createPortalSession:   bpsession.New,
	}
}

// EnsureCustomer returns the stored Stripe customer ref for the user, creating
// one when absent. Concurrent calls persist exactly one ref: the write is a
// compare-and-set, and a loser discards its just-created customer in favor of
// the stored one (the orphaned Stripe record is logged, not deleted).
func (s *StripeService) EnsureCustomer(ctx context.Context, userID, email string) (string, error) {
	ent, err := s.store.GetEntitlement(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("get entitlement: %w", err)
	}
	if ent == nil {
		return "", fmt.Errorf("no entitlement for user %s", userID)
	}
	if ent.StripeCustomerID != "" {
		return ent.StripeCustomerID, nil
	}

	params := &stripelib.CustomerParams{
		Email: stripelib.String(email),
	}
	params.AddMetadata("user_id", userID)
	cust, err := s.createCustomer(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}

	won, err := s.store.SetStripeCustomerID(ctx, userID, cust.ID)
	if err != nil {
		return "", fmt.Errorf("persist customer ref: %w", err)
	}
	if !won {
		ent, err := s.store.GetEntitlement(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("reload entitlement: %w", err)
		}
		if ent == nil || ent.StripeCustomerID == "" {
			return "", fmt.Errorf("lost customer ref race but no ref stored for user %s", userID)
		}
		s.logger.Warn("lost customer creation race, orphaned stripe customer",
			"user", userID, "orphaned_customer", cust.ID, "stored_customer", ent.StripeCustomerID)
		return ent.StripeCustomerID, nil
	}

	return cust.ID, nil
}

// CreateCheckoutSession opens a subscription checkout session for the pro plan.
func (s *StripeService) CreateCheckoutSession(ctx context.Context, userID, email, successURL, cancelURL string) (string, error) {
	customerID, err := s.EnsureCustomer(ctx, userID, email)
	if err != nil {
		return "", err
	}

	params := &stripelib.CheckoutSessionParams{
		Customer:   stripelib.String(customerID),
		Mode:       stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		SuccessURL: stripelib.String(successURL),
		CancelURL:  stripelib.String(cancelURL),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(s.pricePro),
				Quantity: stripelib.Int64(1),
			},
		},
	}
	// The activation event is resolved back to the user via this metadata.
	params.AddMetadata("user_id", userID)

	sess, err := s.createCheckoutSession(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreatePortalSession opens a Stripe billing portal session for subscription
// management. The user must already have a customer ref.
func (s *StripeService) CreatePortalSession(ctx context.Context, userID, returnURL string) (string, error) {
	ent, err := s.store.GetEntitlement(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("get entitlement: %w", err)
	}
	if ent == nil || ent.StripeCustomerID == "" {
		return "", fmt.Errorf("no billing customer for user %s", userID)
	}

	sess, err := s.createPortalSession(&stripelib.BillingPortalSessionParams{
		Customer:  stripelib.String(ent.StripeCustomerID),
		ReturnURL: stripelib.String(returnURL),
	})
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return sess.URL, nil
}
