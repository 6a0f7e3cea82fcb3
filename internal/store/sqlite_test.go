package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEntitlement provisions a free-tier record for a fresh user ID.
func createTestEntitlement(t *testing.T, s *SQLiteStore) *Entitlement {
	t.Helper()
	userID := uuid.New().String()
	ent, err := s.CreateDefaultEntitlement(context.Background(), userID, userID[:8]+"@example.com", 5)
	if err != nil {
		t.Fatalf("CreateDefaultEntitlement: %v", err)
	}
	return ent
}

func TestCreateDefaultEntitlement(t *testing.T) {
	s := newTestStore(t)
	ent := createTestEntitlement(t, s)

	if ent.Plan != PlanFree {
		t.Errorf("plan = %q, want %q", ent.Plan, PlanFree)
	}
	if ent.MinutesUsed != 0 {
		t.Errorf("minutes_used = %f, want 0", ent.MinutesUsed)
	}
	if ent.MinutesLimit == nil || *ent.MinutesLimit != 5 {
		t.Errorf("minutes_limit = %v, want 5", ent.MinutesLimit)
	}
}

func TestCreateDefaultEntitlement_DoesNotResetExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ent := createTestEntitlement(t, s)

	if err := s.AddMinutesUsed(ctx, ent.UserID, 3.5); err != nil {
		t.Fatal(err)
	}

	// A repeat provision call for the same user must leave usage untouched.
	again, err := s.CreateDefaultEntitlement(ctx, ent.UserID, ent.Email, 5)
	if err != nil {
		t.Fatal(err)
	}
	if again.MinutesUsed != 3.5 {
		t.Errorf("minutes_used after re-provision = %f, want 3.5", again.MinutesUsed)
	}
}

func TestGetEntitlement_NotFound(t *testing.T) {
	s := newTestStore(t)
	ent, err := s.GetEntitlement(context.Background(), "no-such-user")
	if err != nil {
		t.Fatal(err)
	}
	if ent != nil {
		t.Errorf("expected nil entitlement, got %+v", ent)
	}
}

func TestActivateSubscription(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ent := createTestEntitlement(t, s)

	if err := s.ActivateSubscription(ctx, ent.UserID, "cus_1", "sub_1"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetEntitlement(ctx, ent.UserID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Plan != PlanPro {
		t.Errorf("plan = %q, want %q", got.Plan, PlanPro)
	}
	if got.MinutesLimit != nil {
		t.Errorf("minutes_limit = %v, want nil", got.MinutesLimit)
	}
	if got.StripeCustomerID != "cus_1" || got.StripeSubscriptionID != "sub_1" {
		t.Errorf("billing refs = %q/%q, want cus_1/sub_1", got.StripeCustomerID, got.StripeSubscriptionID)
	}
}

func TestActivateSubscription_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ent := createTestEntitlement(t, s)

	for i := 0; i < 3; i++ {
		if err := s.ActivateSubscription(ctx, ent.UserID, "cus_1", "sub_1"); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := s.GetEntitlement(ctx, ent.UserID)
	if got.Plan != PlanPro || got.StripeSubscriptionID != "sub_1" {
		t.Errorf("repeat activation changed state: %+v", got)
	}
}

func TestActivateSubscription_PreservesUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ent := createTestEntitlement(t, s)

	if err := s.AddMinutesUsed(ctx, ent.UserID, 4.2); err != nil {
		t.Fatal(err)
	}
	if err := s.ActivateSubscription(ctx, ent.UserID, "cus_1", "sub_1"); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetEntitlement(ctx, ent.UserID)
	if got.MinutesUsed != 4.2 {
		t.Errorf("minutes_used = %f, want 4.2 (tier change must not touch usage)", got.MinutesUsed)
	}
}

func TestActivateSubscription_UnknownUser(t *testing.T) {
	s := newTestStore(t)
	if err := s.ActivateSubscription(context.Background(), "ghost", "cus_1", "sub_1"); err == nil {
		t.Error("expected error for unknown user")
	}
}

func TestActivateSubscription_KeepsExistingCustomerID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ent := createTestEntitlement(t, s)

	if ok, err := s.SetStripeCustomerID(ctx, ent.UserID, "cus_orig"); err != nil || !ok {
		t.Fatalf("SetStripeCustomerID: ok=%v err=%v", ok, err)
	}
	// Activation with an empty customer ref must not blank the stored one.
	if err := s.ActivateSubscription(ctx, ent.UserID, "", "sub_1"); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetEntitlement(ctx, ent.UserID)
	if got.StripeCustomerID != "cus_orig" {
		t.Errorf("stripe_customer_id = %q, want cus_orig", got.StripeCustomerID)
	}
}

func TestCancelSubscription(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ent := createTestEntitlement(t, s)

	if err := s.ActivateSubscription(ctx, ent.UserID, "cus_1", "sub_1"); err != nil {
		t.Fatal(err)
	}

	applied, err := s.CancelSubscription(ctx, "cus_1", "sub_1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("cancellation not applied")
	}

	got, _ := s.GetEntitlement(ctx, ent.UserID)
	if got.Plan != PlanFree {
		t.Errorf("plan = %q, want %q", got.Plan, PlanFree)
	}
	if got.MinutesLimit == nil || *got.MinutesLimit != 5 {
		t.Errorf("minutes_limit = %v, want 5", got.MinutesLimit)
	}
	if got.StripeSubscriptionID != "" {
		t.Errorf("stripe_subscription_id = %q, want cleared", got.StripeSubscriptionID)
	}
	if got.StripeCustomerID != "cus_1" {
		t.Errorf("stripe_customer_id = %q, want cus_1 (customer ref survives cancellation)", got.StripeCustomerID)
	}
}

func TestCancelSubscription_MismatchedSubscriptionIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ent := createTestEntitlement(t, s)

	// The user re-subscribed under sub_2; a late cancellation for sub_1 must
	// not downgrade them.
	if err := s.ActivateSubscription(ctx, ent.UserID, "cus_1", "sub_2"); err != nil {
		t.Fatal(err)
	}

	applied, err := s.CancelSubscription(ctx, "cus_1", "sub_1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("stale cancellation was applied")
	}

	got, _ := s.GetEntitlement(ctx, ent.UserID)
	if got.Plan != PlanPro || got.StripeSubscriptionID != "sub_2" {
		t.Errorf("active subscription disturbed: %+v", got)
	}
}

func TestCancelSubscription_UnknownCustomer(t *testing.T) {
	s := newTestStore(t)
	applied, err := s.CancelSubscription(context.Background(), "cus_ghost", "sub_1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("cancellation applied for unknown customer")
	}
}

func TestCancelSubscription_PreservesUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ent := createTestEntitlement(t, s)

	if err := s.ActivateSubscription(ctx, ent.UserID, "cus_1", "sub_1"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddMinutesUsed(ctx, ent.UserID, 42); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CancelSubscription(ctx, "cus_1", "sub_1", 5); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetEntitlement(ctx, ent.UserID)
	if got.MinutesUsed != 42 {
		t.Errorf("minutes_used = %f, want 42 (downgrade does not erase usage)", got.MinutesUsed)
	}
}

func TestAddMinutesUsed_Accumulates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ent := createTestEntitlement(t, s)

	for _, m := range []float64{1.5, 2.25, 0.25} {
		if err := s.AddMinutesUsed(ctx, ent.UserID, m); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := s.GetEntitlement(ctx, ent.UserID)
	if got.MinutesUsed != 4 {
		t.Errorf("minutes_used = %f, want 4", got.MinutesUsed)
	}
}

func TestAddMinutesUsed_ConcurrentCommits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ent := createTestEntitlement(t, s)

	// Single pooled connection so parallel commits contend in the pool
	// rather than on SQLite file locks.
	s.db.SetMaxOpenConns(1)

	const workers = 8
	const commitsEach = 5
	errCh := make(chan error, workers*commitsEach)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < commitsEach; j++ {
				if err := s.AddMinutesUsed(ctx, ent.UserID, 0.25); err != nil {
					errCh <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	// Every commit must land; an interleaved read-modify-write would lose some.
	got, _ := s.GetEntitlement(ctx, ent.UserID)
	if got.MinutesUsed != workers*commitsEach*0.25 {
		t.Errorf("minutes_used = %f, want %f", got.MinutesUsed, workers*commitsEach*0.25)
	}
}

func TestAddMinutesUsed_UnknownUser(t *testing.T) {
	s := newTestStore(t)
	if err := s.AddMinutesUsed(context.Background(), "ghost", 1); err == nil {
		t.Error("expected error for unknown user")
	}
}

func TestSetStripeCustomerID_CompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ent := createTestEntitlement(t, s)

	ok, err := s.SetStripeCustomerID(ctx, ent.UserID, "cus_a")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first set should win")
	}

	// Second writer loses and the stored value is unchanged.
	ok, err = s.SetStripeCustomerID(ctx, ent.UserID, "cus_b")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second set should lose")
	}

	got, _ := s.GetEntitlement(ctx, ent.UserID)
	if got.StripeCustomerID != "cus_a" {
		t.Errorf("stripe_customer_id = %q, want cus_a", got.StripeCustomerID)
	}
}

func TestGetEntitlementByStripeCustomer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ent := createTestEntitlement(t, s)

	if _, err := s.SetStripeCustomerID(ctx, ent.UserID, "cus_lookup"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetEntitlementByStripeCustomer(ctx, "cus_lookup")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.UserID != ent.UserID {
		t.Errorf("lookup by customer returned %+v, want user %s", got, ent.UserID)
	}

	missing, err := s.GetEntitlementByStripeCustomer(ctx, "cus_missing")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown customer, got %+v", missing)
	}
}

func TestMarkWebhookEventProcessed_Dedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	claimed, err := s.MarkWebhookEventProcessed(ctx, "evt_1", "checkout.session.completed")
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("first delivery should claim the event")
	}

	claimed, err = s.MarkWebhookEventProcessed(ctx, "evt_1", "checkout.session.completed")
	if err != nil {
		t.Fatal(err)
	}
	if claimed {
		t.Error("redelivery should not claim the event again")
	}
}

func TestUnmarkWebhookEvent_AllowsRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.MarkWebhookEventProcessed(ctx, "evt_2", "customer.subscription.deleted"); err != nil {
		t.Fatal(err)
	}
	if err := s.UnmarkWebhookEvent(ctx, "evt_2"); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.MarkWebhookEventProcessed(ctx, "evt_2", "customer.subscription.deleted")
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Error("released event should be claimable again")
	}
}

func TestPurgeOldWebhookEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.MarkWebhookEventProcessed(ctx, "evt_old", "t"); err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeOldWebhookEvents(ctx, time.Now().Add(1*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged %d events, want 1", n)
	}

	// After the purge the id can be claimed again.
	claimed, _ := s.MarkWebhookEventProcessed(ctx, "evt_old", "t")
	if !claimed {
		t.Error("purged event id should be claimable")
	}
}

func TestCanceledSubscriptionMarkers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	canceled, err := s.IsSubscriptionCanceled(ctx, "sub_x")
	if err != nil {
		t.Fatal(err)
	}
	if canceled {
		t.Error("fresh subscription reported canceled")
	}

	if err := s.RecordCanceledSubscription(ctx, "sub_x"); err != nil {
		t.Fatal(err)
	}
	// Recording twice is fine (webhook redelivery).
	if err := s.RecordCanceledSubscription(ctx, "sub_x"); err != nil {
		t.Fatal(err)
	}

	canceled, err = s.IsSubscriptionCanceled(ctx, "sub_x")
	if err != nil {
		t.Fatal(err)
	}
	if !canceled {
		t.Error("recorded cancellation not found")
	}

	if _, err := s.PurgeOldCanceledSubscriptions(ctx, time.Now().Add(1*time.Hour)); err != nil {
		t.Fatal(err)
	}
	canceled, _ = s.IsSubscriptionCanceled(ctx, "sub_x")
	if canceled {
		t.Error("marker survived purge")
	}
}

func TestTranscriptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ent := createTestEntitlement(t, s)

	for i := 0; i < 3; i++ {
		err := s.AppendTranscription(ctx, &Transcription{
			ID:            uuid.New().String(),
			UserID:        ent.UserID,
			Filename:      "ep1.mp3",
			DurationSecs:  90,
			SegmentsCount: 12,
			Minutes:       1.5,
			CreatedAt:     time.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	items, err := s.ListTranscriptions(ctx, ent.UserID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d transcriptions, want 2", len(items))
	}

	other, err := s.ListTranscriptions(ctx, "someone-else", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("got %d transcriptions for other user, want 0", len(other))
	}
}

func TestAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := s.LogAuditEvent(ctx, &AuditEvent{
			ID:        uuid.New().String(),
			Action:    "subscription.activated",
			UserID:    "user-1",
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	events, err := s.ListAuditEvents(ctx, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Errorf("got %d events, want 3", len(events))
	}

	paged, err := s.ListAuditEvents(ctx, 10, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(paged) != 2 {
		t.Errorf("got %d events at offset 3, want 2", len(paged))
	}
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{
		ID:           uuid.New().String(),
		Username:     "miko",
		Email:        "miko@example.com",
		PasswordHash: "hash",
		Role:         "user",
		CreatedAt:    time.Now(),
	}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}

	byName, err := s.GetUser(ctx, "miko")
	if err != nil {
		t.Fatal(err)
	}
	if byName == nil || byName.ID != u.ID {
		t.Errorf("GetUser = %+v, want id %s", byName, u.ID)
	}

	byID, err := s.GetUserByID(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if byID == nil || byID.Username != "miko" {
		t.Errorf("GetUserByID = %+v", byID)
	}

	missing, err := s.GetUser(ctx, "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing user, got %+v", missing)
	}
}
