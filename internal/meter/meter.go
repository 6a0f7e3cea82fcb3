// Package meter gates and records transcription minute usage against the
// caller's entitlement.
package meter

import (
	"context"
	"fmt"

	"github.com/jimaku-ai/jimaku/internal/store"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  string // set when denied, e.g. "quota exhausted"

	Plan         string
	MinutesUsed  float64
	MinutesLimit *float64 // nil = uncapped
}

// Meter performs advisory admission checks and atomic usage commits.
//
// Admit does not reserve capacity: two overlapping jobs can both be admitted
// near the cap and both commit afterwards, so a small transient overrun at the
// quota boundary is possible. The cap is re-checked on every admission from
// the persisted record, never from an in-process cache.
type Meter struct {
	store store.Store
}

// New creates a Meter.
func New(s store.Store) *Meter {
	return &Meter{store: s}
}

// Admit reads the current entitlement and decides whether a metered job may
// start. Pro is always admitted regardless of recorded usage; free is admitted
// while minutes_used is below the cap.
func (m *Meter) Admit(ctx context.Context, userID string) (Decision, error) {
	ent, err := m.store.GetEntitlement(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("get entitlement: %w", err)
	}
	if ent == nil {
		return Decision{}, fmt.Errorf("no entitlement for user %s", userID)
	}

	d := Decision{
		Plan:         ent.Plan,
		MinutesUsed:  ent.MinutesUsed,
		MinutesLimit: ent.MinutesLimit,
	}

	if ent.Plan == store.PlanPro || ent.MinutesLimit == nil {
		d.Allowed = true
		return d, nil
	}

	if ent.MinutesUsed >= *ent.MinutesLimit {
		d.Reason = "quota exhausted"
		return d, nil
	}

	d.Allowed = true
	return d, nil
}

// Commit unconditionally adds consumed minutes to the usage counter. Usage is
// recorded for pro users too, for observability; the add is a single atomic
// statement so concurrent commits from the same user never lose updates.
func (m *Meter) Commit(ctx context.Context, userID string, minutes float64) error {
	if minutes < 0 {
		return fmt.Errorf("negative usage commit: %f", minutes)
	}
	if minutes == 0 {
		return nil
	}
	return m.store.AddMinutesUsed(ctx, userID, minutes)
}
