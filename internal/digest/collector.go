package digest

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadscan/internal/classify"
	"github.com/sells-group/leadscan/internal/model"
	"github.com/sells-group/leadscan/internal/scan"
)

// CollectorStore is the persistence the collector needs.
type CollectorStore interface {
	ListDigestAccounts(ctx context.Context) ([]model.Account, error)
	InsertLeads(ctx context.Context, leads []model.Lead) (int, error)
}

// CollectSummary reports one collector run.
type CollectSummary struct {
	Accounts int
	Skipped  int
	Failed   int
	Inserted int
}

// Collector fills the digest backlog: it runs retrieval for every
// digest-enabled account with a stored profile and stores new leads.
// There is no quota on this path.
type Collector struct {
	store     CollectorStore
	retriever scan.CandidateRetriever
	deduper   scan.CandidateDeduper
	log       *zap.Logger
}

// NewCollector creates a Collector.
func NewCollector(s CollectorStore, retriever scan.CandidateRetriever, deduper scan.CandidateDeduper) *Collector {
	return &Collector{
		store:     s,
		retriever: retriever,
		deduper:   deduper,
		log:       zap.L().With(zap.String("component", "collector")),
	}
}

// Run collects for each account in turn, isolating per-account failures.
func (c *Collector) Run(ctx context.Context) (*CollectSummary, error) {
	accts, err := c.store.ListDigestAccounts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "collector: list accounts")
	}

	sum := &CollectSummary{Accounts: len(accts)}
	for _, acct := range accts {
		if err := ctx.Err(); err != nil {
			return sum, eris.Wrap(err, "collector: run cancelled")
		}
		prof, ok := acct.Profile()
		if !ok {
			sum.Skipped++
			continue
		}
		n, err := c.collectAccount(ctx, acct.ID, prof)
		if err != nil {
			sum.Failed++
			c.log.Error("collect failed for account",
				zap.String("account_id", acct.ID), zap.Error(err))
			continue
		}
		sum.Inserted += n
	}

	c.log.Info("collect run complete",
		zap.Int("accounts", sum.Accounts),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
		zap.Int("inserted", sum.Inserted),
	)
	return sum, nil
}

func (c *Collector) collectAccount(ctx context.Context, accountID string, prof model.BusinessProfile) (int, error) {
	rr := c.retriever.Retrieve(ctx, prof)
	if len(rr.FailedKeywords) > 0 {
		c.log.Warn("collect retrieval partial",
			zap.String("account_id", accountID),
			zap.Strings("failed_keywords", rr.FailedKeywords))
	}

	candidates, err := c.deduper.Dedupe(ctx, rr.Candidates, accountID)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	leads := make([]model.Lead, 0, len(candidates))
	for _, cand := range candidates {
		cat, _ := classify.Classify(cand, prof)
		leads = append(leads, model.NewLead(accountID, cand, cat, model.LeadStatusNew))
	}
	return c.store.InsertLeads(ctx, leads)
}
