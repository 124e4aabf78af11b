package model

import "time"

// Tier is an account's subscription tier.
type Tier string

const (
	TierFree    Tier = "free"
	TierStarter Tier = "starter"
	TierPro     Tier = "pro"
	TierAgency  Tier = "agency"
)

// IsPaid reports whether the tier carries an active subscription.
func (t Tier) IsPaid() bool {
	switch t {
	case TierStarter, TierPro, TierAgency:
		return true
	}
	return false
}

// Usage is the per-account daily scan counter.
type Usage struct {
	ScanCount  int        `json:"scan_count"`
	LastScanAt *time.Time `json:"last_scan_at,omitempty"`
}

// Account holds the subscription, usage and stored profile of a customer.
type Account struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	CreatedAt        time.Time  `json:"created_at"`
	SubscriptionTier Tier       `json:"subscription_tier"`
	TrialEndsAt      *time.Time `json:"trial_ends_at,omitempty"`
	ScanAllowance    int        `json:"scan_allowance"`
	Timezone         string     `json:"timezone"`
	Usage

	WebsiteURL    string   `json:"website_url,omitempty"`
	Description   string   `json:"description,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
	DigestEnabled bool     `json:"digest_enabled"`
}

// Location resolves the account timezone, falling back to UTC.
func (a Account) Location() *time.Location {
	if a.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Profile returns the stored business profile, if any keywords are set.
func (a Account) Profile() (BusinessProfile, bool) {
	if len(a.Keywords) == 0 {
		return BusinessProfile{}, false
	}
	return BusinessProfile{
		Description: a.Description,
		Keywords:    append([]string(nil), a.Keywords...),
		SourceURL:   a.WebsiteURL,
	}, true
}
