// Package store defines the storage interface for the hub and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Plan names. The free plan is metered against a fixed minute cap;
// pro is uncapped (MinutesLimit is NULL while pro).
const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// Store is the persistence interface for the hub.
//
// Entitlement mutations are single-statement updates scoped to the field
// subset they own: tier transitions touch plan/limit/subscription fields,
// usage commits touch minutes_used only. Concurrent writers to disjoint
// subsets must never clobber each other.
type Store interface {
	// Users (builtin auth)
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)

	// Entitlements
	GetEntitlement(ctx context.Context, userID string) (*Entitlement, error)
	// CreateDefaultEntitlement inserts a free-tier record with zero usage and
	// the given cap, or returns the existing record untouched.
	CreateDefaultEntitlement(ctx context.Context, userID, email string, freeMinutes float64) (*Entitlement, error)
	GetEntitlementByStripeCustomer(ctx context.Context, customerID string) (*Entitlement, error)
	// ActivateSubscription moves the user to pro: clears the minute cap and
	// records the customer and subscription refs.
	ActivateSubscription(ctx context.Context, userID, customerID, subscriptionID string) error
	// CancelSubscription moves the entitlement identified by customerID back
	// to free with the given cap, but only when the stored subscription ref
	// matches subscriptionID. Returns false when no row matched (stale event).
	CancelSubscription(ctx context.Context, customerID, subscriptionID string, freeMinutes float64) (bool, error)
	// AddMinutesUsed atomically increases the usage counter.
	AddMinutesUsed(ctx context.Context, userID string, minutes float64) error
	// SetStripeCustomerID persists a newly created customer ref only when no
	// ref is stored yet. Returns false when another writer won the race.
	SetStripeCustomerID(ctx context.Context, userID, customerID string) (bool, error)

	// Webhook event dedup
	// MarkWebhookEventProcessed claims an event id. Returns false when the id
	// was already claimed (duplicate delivery).
	MarkWebhookEventProcessed(ctx context.Context, eventID, eventType string) (bool, error)
	// UnmarkWebhookEvent releases a claim so the provider's redelivery can be
	// applied after a processing failure.
	UnmarkWebhookEvent(ctx context.Context, eventID string) error
	PurgeOldWebhookEvents(ctx context.Context, before time.Time) (int64, error)

	// Subscription tombstones. A cancellation is recorded even when it does
	// not match the stored subscription ref, so an activation delivered after
	// its own cancellation (out-of-order delivery) is suppressed and the net
	// effect is independent of delivery order.
	RecordCanceledSubscription(ctx context.Context, subscriptionID string) error
	IsSubscriptionCanceled(ctx context.Context, subscriptionID string) (bool, error)
	PurgeOldCanceledSubscriptions(ctx context.Context, before time.Time) (int64, error)

	// Transcriptions (append-only usage records)
	AppendTranscription(ctx context.Context, tr *Transcription) error
	ListTranscriptions(ctx context.Context, userID string, limit int) ([]Transcription, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User represents a hub user (builtin auth provider only; Clerk users are
// managed externally and identified by their token subject).
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Entitlement is the durable record of a user's plan, usage, and billing linkage.
type Entitlement struct {
	UserID               string     `json:"user_id"`
	Email                string     `json:"email,omitempty"`
	Plan                 string     `json:"plan"`
	MinutesUsed          float64    `json:"minutes_used"`
	MinutesLimit         *float64   `json:"minutes_limit,omitempty"` // nil = uncapped (pro)
	StripeCustomerID     string     `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string     `json:"stripe_subscription_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Transcription is an append-only usage record for one completed job.
type Transcription struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Filename      string    `json:"filename"`
	DurationSecs  float64   `json:"duration_secs"`
	SegmentsCount int       `json:"segments_count"`
	Minutes       float64   `json:"minutes"`
	CreatedAt     time.Time `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
