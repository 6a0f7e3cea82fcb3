package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/jimaku-ai/jimaku/internal/store"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// checkoutSession is a minimal representation of a Stripe checkout.session event.
type checkoutSession struct {
	ID           string            `json:"id"`
	Mode         string            `json:"mode"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// subscription is a minimal representation of a Stripe subscription event.
type subscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
}

// invoice is a minimal representation of a Stripe invoice event.
type invoice struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
}

// HandleWebhook verifies the Stripe signature, claims the event id for
// idempotency, and applies the entitlement transition. Duplicates and stale
// cancellations acknowledge with 200; a failed application releases the claim
// and returns 500 so Stripe redelivers.
func (s *StripeService) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		s.logger.Warn("webhook signature verification failed", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid Stripe signature"})
		return
	}

	ctx := r.Context()

	// Claim the event id before touching state. Providers retry delivery, so a
	// lost claim means another delivery already applied this event.
	fresh, err := s.store.MarkWebhookEventProcessed(ctx, event.ID, string(event.Type))
	if err != nil {
		s.logger.Error("webhook dedup check failed", "event_id", event.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "processing failed"})
		return
	}
	if !fresh {
		s.logger.Info("webhook duplicate ignored", "event_id", event.ID, "type", event.Type)
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	if err := s.handleEvent(ctx, &event); err != nil {
		s.logger.Error("webhook processing failed", "event_id", event.ID, "type", event.Type, "error", err)
		// Release the claim so the provider's redelivery is not dropped.
		if uerr := s.store.UnmarkWebhookEvent(ctx, event.ID); uerr != nil {
			s.logger.Error("failed to release webhook event claim", "event_id", event.ID, "error", uerr)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "processing failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *StripeService) handleEvent(ctx context.Context, event *stripelib.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var sess checkoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return s.handleCheckoutCompleted(ctx, sess)

	case "customer.subscription.deleted":
		var sub subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return s.handleSubscriptionDeleted(ctx, sub)

	case "invoice.payment_failed":
		var inv invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return s.handlePaymentFailed(ctx, inv)

	default:
		s.logger.Info("webhook ignored (unhandled type)", "event_id", event.ID, "type", event.Type)
		return nil
	}
}

// handleCheckoutCompleted activates the pro plan. The event is resolved by the
// internal user id carried in the checkout metadata set at session creation.
func (s *StripeService) handleCheckoutCompleted(ctx context.Context, sess checkoutSession) error {
	userID := strings.TrimSpace(sess.Metadata["user_id"])
	if userID == "" {
		return fmt.Errorf("checkout session %s missing user_id metadata", sess.ID)
	}
	subID := strings.TrimSpace(sess.Subscription)
	if subID == "" {
		return fmt.Errorf("checkout session %s missing subscription", sess.ID)
	}

	// An activation delivered after its own cancellation must not re-admit the
	// user: the net effect of the pair is free regardless of delivery order.
	canceled, err := s.store.IsSubscriptionCanceled(ctx, subID)
	if err != nil {
		return fmt.Errorf("check canceled subscription: %w", err)
	}
	if canceled {
		s.logger.Info("activation suppressed, subscription already canceled",
			"user", userID, "subscription", subID)
		s.audit(ctx, "webhook.stale_activation", userID,
			fmt.Sprintf(`{"subscription":%q}`, subID))
		return nil
	}

	if err := s.store.ActivateSubscription(ctx, userID, strings.TrimSpace(sess.Customer), subID); err != nil {
		return fmt.Errorf("activate subscription: %w", err)
	}

	s.logger.Info("subscription activated", "user", userID, "subscription", subID)
	s.audit(ctx, "billing.subscription_activated", userID,
		fmt.Sprintf(`{"subscription":%q}`, subID))
	return nil
}

// handleSubscriptionDeleted downgrades to free. The event carries only the
// customer/subscription refs, so it is resolved by customer; the downgrade is
// guarded on a matching subscription ref so a stale cancellation for a
// superseded subscription cannot downgrade a resubscribed user.
func (s *StripeService) handleSubscriptionDeleted(ctx context.Context, sub subscription) error {
	customerID := strings.TrimSpace(sub.Customer)
	if customerID == "" {
		return fmt.Errorf("subscription %s missing customer", sub.ID)
	}

	// Tombstone first: if the matching activation has not arrived yet, it must
	// find the cancellation already recorded.
	if err := s.store.RecordCanceledSubscription(ctx, sub.ID); err != nil {
		return fmt.Errorf("record canceled subscription: %w", err)
	}

	applied, err := s.store.CancelSubscription(ctx, customerID, sub.ID, s.freeMinutes)
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	if !applied {
		s.logger.Info("stale cancellation ignored", "customer", customerID, "subscription", sub.ID)
		s.audit(ctx, "webhook.stale_cancellation", "",
			fmt.Sprintf(`{"customer":%q,"subscription":%q}`, customerID, sub.ID))
		return nil
	}

	s.logger.Info("subscription canceled", "customer", customerID, "subscription", sub.ID)
	s.audit(ctx, "billing.subscription_canceled", "",
		fmt.Sprintf(`{"customer":%q,"subscription":%q}`, customerID, sub.ID))
	return nil
}

// handlePaymentFailed is an observability hook only; a failed payment is not a
// downgrade trigger on its own.
func (s *StripeService) handlePaymentFailed(ctx context.Context, inv invoice) error {
	s.logger.Warn("invoice payment failed", "customer", inv.Customer, "invoice", inv.ID)
	s.audit(ctx, "webhook.payment_failed", "",
		fmt.Sprintf(`{"customer":%q,"invoice":%q}`, inv.Customer, inv.ID))
	return nil
}

func (s *StripeService) audit(ctx context.Context, action, userID, detail string) {
	if err := s.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    userID,
		Detail:    json.RawMessage(detail),
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
