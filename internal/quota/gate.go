// Package quota decides whether an account may run a scan and records the
// usage increment.
//
// The read and the conditional write are not under a lock. Two scans from
// the same account can both read the same counter; only one compare-and-set
// wins and the loser re-reads. A day rollover computed from slightly
// different clocks on two devices can still let both through. That window is
// accepted.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadscan/internal/model"
	"github.com/sells-group/leadscan/internal/store"
)

// Code is the terminal outcome of the gate.
type Code string

const (
	Allowed           Code = "ALLOWED"
	AuthRequired      Code = "AUTH_REQUIRED"
	PaywallRequired   Code = "PAYWALL_REQUIRED"
	DailyLimitReached Code = "DAILY_LIMIT_REACHED"
)

// State is the account's subscription state at decision time.
type State string

const (
	StateTrialActive  State = "trial_active"
	StateTrialExpired State = "trial_expired"
	StatePaid         State = "paid"
)

// Decision is the gate outcome plus the counters it was based on.
type Decision struct {
	Code      Code
	State     State
	Used      int
	Limit     int
	Remaining int
}

// Allowed reports whether the scan may proceed.
func (d Decision) Allowed() bool { return d.Code == Allowed }

// ErrContention is returned when every compare-and-set attempt lost a race.
var ErrContention = eris.New("quota: usage update contention")

// AccountStore is the subset of the store the gate needs.
type AccountStore interface {
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
	CompareAndSetUsage(ctx context.Context, accountID string, prev, next model.Usage) (bool, error)
}

// Config holds trial and limit settings.
type Config struct {
	TrialDays       int
	TrialDailyLimit int
	PaidDailyLimit  int
	MaxAttempts     int
}

// Gate enforces trial windows and daily scan limits.
type Gate struct {
	store AccountStore
	cfg   Config
	now   func() time.Time
	log   *zap.Logger
}

// New creates a Gate.
func New(s AccountStore, cfg Config) *Gate {
	if cfg.TrialDays <= 0 {
		cfg.TrialDays = 7
	}
	if cfg.TrialDailyLimit <= 0 {
		cfg.TrialDailyLimit = 5
	}
	if cfg.PaidDailyLimit <= 0 {
		cfg.PaidDailyLimit = 25
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Gate{
		store: s,
		cfg:   cfg,
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "quota")),
	}
}

// CheckAndIncrement decides whether accountID may scan now and, if so,
// records the scan. A lost compare-and-set re-reads the account and decides
// again.
func (g *Gate) CheckAndIncrement(ctx context.Context, accountID string) (Decision, error) {
	if accountID == "" {
		return Decision{Code: AuthRequired}, nil
	}

	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		acct, err := g.store.GetAccount(ctx, accountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return Decision{Code: AuthRequired}, nil
			}
			return Decision{}, eris.Wrapf(err, "quota: load account %s", accountID)
		}

		// Postgres keeps microseconds; truncating keeps the next read
		// comparable with what was written.
		now := g.now().UTC().Truncate(time.Microsecond)
		d := g.Evaluate(*acct, now)
		if !d.Allowed() {
			return d, nil
		}

		next := model.Usage{ScanCount: d.Used + 1, LastScanAt: &now}
		ok, err := g.store.CompareAndSetUsage(ctx, acct.ID, acct.Usage, next)
		if err != nil {
			return Decision{}, eris.Wrapf(err, "quota: increment usage %s", accountID)
		}
		if ok {
			d.Used++
			d.Remaining = max(d.Limit-d.Used, 0)
			return d, nil
		}
		g.log.Debug("usage compare-and-set lost, retrying",
			zap.String("account_id", accountID), zap.Int("attempt", attempt))
	}
	return Decision{}, ErrContention
}

// Evaluate decides without writing. Used is the effective count after the
// day rollover; Remaining counts scans left before this one runs.
func (g *Gate) Evaluate(acct model.Account, now time.Time) Decision {
	d := Decision{State: g.state(acct, now)}
	if d.State == StateTrialExpired {
		d.Code = PaywallRequired
		return d
	}

	d.Used = EffectiveCount(acct, now)
	d.Limit = g.limit(acct, d.State)
	d.Remaining = max(d.Limit-d.Used, 0)
	if d.Used >= d.Limit {
		d.Code = DailyLimitReached
		return d
	}
	d.Code = Allowed
	return d
}

func (g *Gate) state(acct model.Account, now time.Time) State {
	if acct.SubscriptionTier.IsPaid() {
		return StatePaid
	}
	if now.Before(TrialEnd(acct, g.cfg.TrialDays)) {
		return StateTrialActive
	}
	return StateTrialExpired
}

func (g *Gate) limit(acct model.Account, s State) int {
	if acct.ScanAllowance > 0 {
		return acct.ScanAllowance
	}
	if s == StatePaid {
		return g.cfg.PaidDailyLimit
	}
	return g.cfg.TrialDailyLimit
}

// TrialEnd is the later of the explicit trial end and created_at plus
// trialDays. Accounts without an explicit end still get the derived one.
func TrialEnd(acct model.Account, trialDays int) time.Time {
	derived := acct.CreatedAt.AddDate(0, 0, trialDays)
	if acct.TrialEndsAt != nil && acct.TrialEndsAt.After(derived) {
		return *acct.TrialEndsAt
	}
	return derived
}

// EffectiveCount is the stored scan count, or zero when the last scan fell
// on an earlier calendar day in the account's timezone.
func EffectiveCount(acct model.Account, now time.Time) int {
	if acct.LastScanAt == nil {
		return 0
	}
	loc := acct.Location()
	if !sameDay(acct.LastScanAt.In(loc), now.In(loc)) {
		return 0
	}
	return acct.ScanCount
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
