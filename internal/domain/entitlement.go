package domain

import "time"

// DataDelay is how far back displayed timestamps are clamped for users
// without real-time access.
const DataDelay = 15 * time.Minute

// Profile is the subscription state of a user as stored in the backend.
// A guest has no profile at all.
type Profile struct {
	UserID             string `json:"user_id"`
	SubscriptionActive bool   `json:"subscription_active"`
	SubscriptionTier   string `json:"subscription_tier"`
}

// Entitlement is the derived access level. Never stored, always
// recomputed from the profile.
type Entitlement struct {
	IsPremium       bool `json:"is_premium"`
	ShouldDelayData bool `json:"should_delay_data"`
}

// DelayStatus is the user-facing explanation of data freshness.
type DelayStatus struct {
	IsDelayed  bool   `json:"is_delayed"`
	DelayText  string `json:"delay_text"`
	StatusText string `json:"status_text"`
}

// EntitlementFor derives the access level. isGuest always wins: a guest
// gets delayed data no matter what profile fields say.
func EntitlementFor(isGuest bool, p Profile) Entitlement {
	premium := !isGuest && p.SubscriptionActive && p.SubscriptionTier != "" && p.SubscriptionTier != "free"
	return Entitlement{
		IsPremium:       premium,
		ShouldDelayData: !premium,
	}
}

// DelayStatusFor renders the freshness banner for the given access level.
func DelayStatusFor(isGuest bool, p Profile) DelayStatus {
	e := EntitlementFor(isGuest, p)
	switch {
	case isGuest:
		return DelayStatus{IsDelayed: true, DelayText: "15 min delay", StatusText: "Sign in for real-time data"}
	case !e.IsPremium:
		return DelayStatus{IsDelayed: true, DelayText: "15 min delay", StatusText: "Upgrade for real-time data"}
	default:
		return DelayStatus{IsDelayed: false, DelayText: "", StatusText: "Live market data"}
	}
}

// DelayedTimestamp clamps ts so a delayed user never sees data fresher
// than now-DataDelay. Timestamps already older than the delay window
// pass through unchanged.
func DelayedTimestamp(ts, now time.Time) time.Time {
	limit := now.Add(-DataDelay)
	if ts.After(limit) {
		return limit
	}
	return ts
}

// ApplyDelay clamps a quote's timestamp for a delayed user. The quote
// book always holds live data; the clamp happens at the read boundary.
func (e Entitlement) ApplyDelay(q Quote, now time.Time) Quote {
	if !e.ShouldDelayData {
		return q
	}
	q.Ts = DelayedTimestamp(q.Time(), now).UnixMilli()
	return q
}
