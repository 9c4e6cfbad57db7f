package entitle

// Lock reasons reported on a locked decision.
const (
	// LockReasonAuth means the user must log in to use the feature.
	LockReasonAuth = "auth"

	// LockReasonPlan means the user is logged in but their plan does not
	// include the feature.
	LockReasonPlan = "plan"
)

// Access is the caller's resolved identity state.
type Access struct {
	Authenticated bool
	Admin         bool
	PlanID        string // current plan; empty means no subscription
}

// Decision is the entitlement outcome for one (user, feature) pair.
type Decision struct {
	Unlocked     bool   `json:"unlocked"`
	LockReason   string `json:"lockReason,omitempty"`   // "auth" or "plan"
	RequiredPlan string `json:"requiredPlan,omitempty"` // display hint only
}

// Resolve decides whether access is permitted for a feature. The
// precedence order is load-bearing product behavior: free users get
// anything marked free-compatible, and only truly plan-restricted
// features show an upgrade prompt. Reordering the steps changes which
// prompt (login vs upgrade) a user sees.
func (c *Catalog) Resolve(featureID string, a Access) Decision {
	allowed, configured := c.Features[featureID]

	// 1. Unconfigured features are public.
	if !configured {
		return Decision{Unlocked: true}
	}

	// 2. Explicit wildcard is public too.
	if contains(allowed, PlanAny) {
		return Decision{Unlocked: true}
	}

	// 3. Admins bypass all plan checks.
	if a.Admin {
		return Decision{Unlocked: true}
	}

	// 4. A feature is auth-only when any allowed entry is the
	// "authenticated" sentinel or a free plan.
	requiresAuthOnly := false
	for _, entry := range allowed {
		if entry == PlanAuthenticated || c.IsFree(entry) {
			requiresAuthOnly = true
			break
		}
	}

	// 5. Anonymous users are asked to log in; the required plan shown is
	// the first allowed entry, for display only.
	if !a.Authenticated {
		return Decision{
			LockReason:   LockReasonAuth,
			RequiredPlan: firstEntry(allowed),
		}
	}

	// 6. Any logged-in user passes an "authenticated" feature.
	if contains(allowed, PlanAuthenticated) {
		return Decision{Unlocked: true}
	}

	// 7. Free-tier access: auth-only features are open to users without
	// a paid subscription.
	if requiresAuthOnly && c.IsFree(a.PlanID) {
		return Decision{Unlocked: true}
	}

	// 8. Otherwise membership in the allowed list decides.
	if contains(allowed, a.PlanID) {
		return Decision{Unlocked: true}
	}
	return Decision{
		LockReason:   LockReasonPlan,
		RequiredPlan: c.firstPaidEntry(allowed),
	}
}

// firstPaidEntry returns the first allowed entry that names a paid plan,
// used as the upgrade prompt target.
func (c *Catalog) firstPaidEntry(allowed []string) string {
	for _, entry := range allowed {
		if entry == PlanAuthenticated {
			continue
		}
		if p, ok := c.byID[entry]; ok && !p.Free() {
			return entry
		}
	}
	return firstEntry(allowed)
}

func firstEntry(allowed []string) string {
	if len(allowed) == 0 {
		return ""
	}
	return allowed[0]
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
