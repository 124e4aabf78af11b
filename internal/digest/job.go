package digest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadscan/internal/model"
	"github.com/sells-group/leadscan/pkg/email"
)

// JobStore is the persistence the digest job needs.
type JobStore interface {
	ListDigestAccounts(ctx context.Context) ([]model.Account, error)
	ListLeads(ctx context.Context, accountID string, status model.LeadStatus, since time.Time) ([]model.Lead, error)
	MarkEmailed(ctx context.Context, accountID string, fetched []string, ranked []model.Lead) error
	UpsertWorkerStatus(ctx context.Context, ws model.WorkerStatus) error
}

// JobConfig configures a digest run.
type JobConfig struct {
	Lookback   time.Duration
	WorkerName string
}

// RunSummary reports one digest run.
type RunSummary struct {
	Accounts int
	Sent     int
	Skipped  int
	Failed   int
	Fallback int
}

// Job sends each digest-enabled account its selected leads once per cycle.
type Job struct {
	store    JobStore
	reranker *Reranker
	sender   email.Client
	renderer Renderer
	cfg      JobConfig
	now      func() time.Time
	log      *zap.Logger
}

// NewJob creates a digest Job.
func NewJob(s JobStore, reranker *Reranker, sender email.Client, renderer Renderer, cfg JobConfig) *Job {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if cfg.WorkerName == "" {
		cfg.WorkerName = "digest"
	}
	return &Job{
		store:    s,
		reranker: reranker,
		sender:   sender,
		renderer: renderer,
		cfg:      cfg,
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "digest")),
	}
}

// Run processes every digest-enabled account in turn. A failing account is
// logged and skipped; the run itself only fails when the account list or
// the heartbeat cannot be read or written.
func (j *Job) Run(ctx context.Context) (*RunSummary, error) {
	start := j.now()
	accts, err := j.store.ListDigestAccounts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "digest: list accounts")
	}

	sum := &RunSummary{Accounts: len(accts)}
	for _, acct := range accts {
		if err := ctx.Err(); err != nil {
			return sum, eris.Wrap(err, "digest: run cancelled")
		}
		sent, fallback, err := j.processAccount(ctx, acct)
		switch {
		case err != nil:
			sum.Failed++
			j.log.Error("digest failed for account",
				zap.String("account_id", acct.ID), zap.Error(err))
		case sent:
			sum.Sent++
		default:
			sum.Skipped++
		}
		if fallback {
			sum.Fallback++
		}
	}

	if err := j.store.UpsertWorkerStatus(ctx, model.WorkerStatus{
		Worker:           j.cfg.WorkerName,
		LastRunAt:        j.now().UTC(),
		LastRunSentCount: sum.Sent,
	}); err != nil {
		return sum, eris.Wrap(err, "digest: write worker status")
	}

	j.log.Info("digest run complete",
		zap.Int("accounts", sum.Accounts),
		zap.Int("sent", sum.Sent),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
		zap.Int("fallback", sum.Fallback),
		zap.Duration("elapsed", j.now().Sub(start)),
	)
	return sum, nil
}

func (j *Job) processAccount(ctx context.Context, acct model.Account) (sent, fallback bool, err error) {
	if acct.Email == "" {
		return false, false, eris.Errorf("digest: account %s has no email", acct.ID)
	}

	since := j.now().Add(-j.cfg.Lookback)
	backlog, err := j.store.ListLeads(ctx, acct.ID, model.LeadStatusNew, since)
	if err != nil {
		return false, false, eris.Wrap(err, "digest: list backlog")
	}
	if len(backlog) == 0 {
		return false, false, nil
	}

	sel := j.reranker.RerankBacklog(ctx, acct, backlog)
	if sel.Err != nil {
		j.log.Warn("batch classification fell back to keyword ranking",
			zap.String("account_id", acct.ID), zap.Error(sel.Err))
	}

	msg, err := j.renderer.Render(acct, sel.Leads)
	if err != nil {
		return false, sel.Fallback, err
	}
	id, err := j.sender.Send(ctx, msg)
	if err != nil {
		return false, sel.Fallback, eris.Wrap(err, "digest: send")
	}

	fetched := make([]string, len(backlog))
	for i, l := range backlog {
		fetched[i] = l.ID
	}
	if err := j.store.MarkEmailed(ctx, acct.ID, fetched, sel.Classified()); err != nil {
		// The email is out but the backlog was not flipped; the next run
		// will resend these leads.
		return true, sel.Fallback, eris.Wrapf(err, "digest: mark emailed (message %s)", id)
	}

	j.log.Info("digest sent",
		zap.String("account_id", acct.ID),
		zap.Int("backlog", len(backlog)),
		zap.Int("selected", len(sel.Leads)),
		zap.Bool("completion", sel.Completed),
		zap.String("message_id", id),
	)
	return true, sel.Fallback, nil
}
