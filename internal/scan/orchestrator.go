// Package scan runs the on-demand lead scan: quota, profile, retrieval,
// dedup and categorisation inside one deadline.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadscan/internal/classify"
	"github.com/sells-group/leadscan/internal/model"
	"github.com/sells-group/leadscan/internal/profile"
	"github.com/sells-group/leadscan/internal/quota"
	"github.com/sells-group/leadscan/internal/retrieve"
	"github.com/sells-group/leadscan/internal/store"
)

// ErrScanTimeout is returned when the pipeline does not finish before the
// scan deadline. Nothing is persisted in that case.
var ErrScanTimeout = eris.New("scan: deadline exceeded")

// QuotaExceededError is returned when the quota gate denies the scan.
type QuotaExceededError struct {
	Decision quota.Decision
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("scan: quota denied: %s", e.Decision.Code)
}

// Code is the stable outcome code shown to callers.
func (e *QuotaExceededError) Code() quota.Code { return e.Decision.Code }

// Degradation notes added by the orchestrator.
const (
	DegradedRetrieve = "retrieve"
	DegradedTimeout  = "retrieve_timeout"
	DegradedDedupe   = "dedupe"
	DegradedPersist  = "persist"
)

// Request is one scan invocation. An empty AccountID is an anonymous teaser
// scan: no quota, no dedup, no persistence, and a truncated result. When
// Keywords is set the profile is used as given and the builder is skipped.
type Request struct {
	AccountID   string
	URL         string
	Description string
	Keywords    []string
}

// Teaser reports whether the request is anonymous.
func (r Request) Teaser() bool { return r.AccountID == "" }

// Stage dependencies.
type (
	QuotaGate interface {
		CheckAndIncrement(ctx context.Context, accountID string) (quota.Decision, error)
	}
	ProfileBuilder interface {
		Build(ctx context.Context, rawURL, description string) (*profile.Result, error)
	}
	CandidateRetriever interface {
		Retrieve(ctx context.Context, p model.BusinessProfile) *retrieve.Result
	}
	CandidateDeduper interface {
		Dedupe(ctx context.Context, candidates []model.Candidate, accountID string) ([]model.Candidate, error)
	}
	LeadWriter interface {
		InsertLeads(ctx context.Context, leads []model.Lead) (int, error)
	}
)

// Config bounds a scan.
type Config struct {
	Timeout       time.Duration
	MaxResults    int
	TeaserResults int
}

// Orchestrator composes the pipeline stages.
type Orchestrator struct {
	gate      QuotaGate
	builder   ProfileBuilder
	retriever CandidateRetriever
	deduper   CandidateDeduper
	leads     LeadWriter
	cfg       Config
	log       *zap.Logger
}

// New creates an Orchestrator.
func New(gate QuotaGate, builder ProfileBuilder, retriever CandidateRetriever, deduper CandidateDeduper, leads LeadWriter, cfg Config) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 25
	}
	if cfg.TeaserResults <= 0 {
		cfg.TeaserResults = 3
	}
	return &Orchestrator{
		gate:      gate,
		builder:   builder,
		retriever: retriever,
		deduper:   deduper,
		leads:     leads,
		cfg:       cfg,
		log:       zap.L().With(zap.String("component", "scan")),
	}
}

type outcome struct {
	res *model.ScanResult
	err error
}

// Scan runs the pipeline and returns score-descending leads. If the deadline
// fires first, the in-flight pipeline is abandoned and its result discarded.
func (o *Orchestrator) Scan(ctx context.Context, req Request) (*model.ScanResult, error) {
	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		res, err := o.run(sctx, req)
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-sctx.Done():
		if errors.Is(sctx.Err(), context.DeadlineExceeded) {
			o.log.Warn("scan deadline exceeded, discarding result",
				zap.String("account_id", req.AccountID),
				zap.Duration("timeout", o.cfg.Timeout))
			return nil, ErrScanTimeout
		}
		return nil, eris.Wrap(sctx.Err(), "scan: cancelled")
	}
	if out.err != nil {
		return nil, out.err
	}
	res := out.res

	if !req.Teaser() && len(res.Leads) > 0 {
		n, err := o.leads.InsertLeads(ctx, res.Leads)
		if err != nil {
			var pe *store.PersistenceError
			if errors.As(err, &pe) {
				o.log.Error("scan leads not persisted, data loss risk",
					zap.String("account_id", req.AccountID),
					zap.Int("leads", pe.Count),
					zap.Error(err))
			} else {
				o.log.Error("scan leads not persisted",
					zap.String("account_id", req.AccountID), zap.Error(err))
			}
			res.Degraded = append(res.Degraded, DegradedPersist)
		} else {
			o.log.Debug("scan leads persisted", zap.Int("inserted", n))
		}
	}

	o.log.Info("scan complete",
		zap.String("account_id", req.AccountID),
		zap.Bool("teaser", req.Teaser()),
		zap.Int("leads", len(res.Leads)),
		zap.Int("remaining", res.Remaining),
		zap.Strings("degraded", res.Degraded),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request) (*model.ScanResult, error) {
	res := &model.ScanResult{}

	// Bad input is refused before it can spend a scan.
	kws := profile.NormalizeKeywords(req.Keywords, profile.MaxKeywordCount)
	if len(kws) == 0 {
		if _, err := profile.CheckInput(req.URL, req.Description); err != nil {
			return nil, err
		}
	}

	if !req.Teaser() {
		d, err := o.gate.CheckAndIncrement(ctx, req.AccountID)
		if err != nil {
			return nil, eris.Wrap(err, "scan: quota")
		}
		if !d.Allowed() {
			return nil, &QuotaExceededError{Decision: d}
		}
	}

	prof, degraded, err := o.resolveProfile(ctx, req, kws)
	if err != nil {
		return nil, err
	}
	res.Degraded = append(res.Degraded, degraded...)

	rr := o.retriever.Retrieve(ctx, prof)
	if len(rr.FailedKeywords) > 0 {
		res.Degraded = append(res.Degraded, DegradedRetrieve)
		if rr.TimedOut {
			res.Degraded = append(res.Degraded, DegradedTimeout)
		}
	}

	candidates, err := o.deduper.Dedupe(ctx, rr.Candidates, req.AccountID)
	if err != nil {
		o.log.Warn("dedup unavailable, keeping all candidates", zap.Error(err))
		res.Degraded = append(res.Degraded, DegradedDedupe)
		candidates = rr.Candidates
	}

	status := model.LeadStatusScanner
	leads := make([]model.Lead, 0, len(candidates))
	for _, c := range candidates {
		cat, _ := classify.Classify(c, prof)
		leads = append(leads, model.NewLead(req.AccountID, c, cat, status))
	}
	SortLeads(leads)
	if len(leads) > o.cfg.MaxResults {
		leads = leads[:o.cfg.MaxResults]
	}

	if req.Teaser() && len(leads) > o.cfg.TeaserResults {
		res.Remaining = len(leads) - o.cfg.TeaserResults
		leads = leads[:o.cfg.TeaserResults]
	}
	res.Leads = leads
	return res, nil
}

func (o *Orchestrator) resolveProfile(ctx context.Context, req Request, kws []string) (model.BusinessProfile, []string, error) {
	if len(kws) > 0 {
		return model.BusinessProfile{
			Description: strings.TrimSpace(req.Description),
			Keywords:    kws,
			SourceURL:   req.URL,
		}, nil, nil
	}
	built, err := o.builder.Build(ctx, req.URL, req.Description)
	if err != nil {
		return model.BusinessProfile{}, nil, err
	}
	return built.Profile, built.Degraded, nil
}

// SortLeads orders leads by score descending. Equal scores keep their
// retrieval order.
func SortLeads(leads []model.Lead) {
	sort.SliceStable(leads, func(i, j int) bool {
		return leads[i].MatchScore > leads[j].MatchScore
	})
}
