package billing

// PlanLimits defines the quota policy for a plan.
type PlanLimits struct {
	Minutes   float64 `json:"minutes"` // transcription minutes per account (0 = unlimited)
	Unlimited bool    `json:"unlimited"`
}

// Plans returns the plan table for the given free-tier cap. The cap comes
// from config and is never user-settable; pro is uncapped.
func Plans(freeMinutes float64) map[string]PlanLimits {
	return map[string]PlanLimits{
		"free": {Minutes: freeMinutes},
		"pro":  {Unlimited: true},
	}
}

// GetLimits returns the limits for a plan, defaulting to free for unknown plans.
func GetLimits(plan string, freeMinutes float64) PlanLimits {
	if l, ok := Plans(freeMinutes)[plan]; ok {
		return l
	}
	return PlanLimits{Minutes: freeMinutes}
}
