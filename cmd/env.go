package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/leadscan/internal/classify"
	"github.com/sells-group/leadscan/internal/config"
	"github.com/sells-group/leadscan/internal/dedupe"
	"github.com/sells-group/leadscan/internal/digest"
	"github.com/sells-group/leadscan/internal/monitoring"
	"github.com/sells-group/leadscan/internal/profile"
	"github.com/sells-group/leadscan/internal/quota"
	"github.com/sells-group/leadscan/internal/resilience"
	"github.com/sells-group/leadscan/internal/retrieve"
	"github.com/sells-group/leadscan/internal/scan"
	"github.com/sells-group/leadscan/internal/store"
	anthropicpkg "github.com/sells-group/leadscan/pkg/anthropic"
	"github.com/sells-group/leadscan/pkg/email"
	"github.com/sells-group/leadscan/pkg/reddit"
)

// appEnv holds the store, clients and pipeline components a command needs.
// Fields a mode does not use are nil.
type appEnv struct {
	Store     store.Store
	Scan      *scan.Orchestrator
	Digest    *digest.Job
	Collector *digest.Collector
	Monitor   *monitoring.Checker
	redis     *redis.Client
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "leadscan.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.ServiceDatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv validates config for mode, opens the store and builds the
// components that mode runs. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}
	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	if mode == "serve" || mode == "monitor" {
		env.Monitor = monitoring.NewChecker(monitoring.NewCollector(st), monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
	}
	if mode == "sweep" || mode == "migrate" || mode == "monitor" {
		return env, nil
	}

	ai := anthropicpkg.NewClient(cfg.Anthropic.Key)
	retriever, err := newRetriever(cfg)
	if err != nil {
		env.Close()
		return nil, err
	}
	deduper := dedupe.New(st)

	switch mode {
	case "scan", "serve":
		var cache profile.Cache
		if cfg.Redis.URL != "" {
			rdb, err := profile.NewRedisClient(ctx, cfg.Redis.URL)
			if err != nil {
				zap.L().Warn("redis unavailable, profile cache disabled", zap.Error(err))
			} else {
				env.redis = rdb
				cache = profile.NewRedisCache(rdb, time.Duration(cfg.Redis.ProfileTTLHours)*time.Hour)
			}
		}
		builder := profile.NewBuilder(ai,
			profile.NewHTTPFetcher(cfg.Profile.UserAgent, time.Duration(cfg.Profile.FetchTimeoutSecs)*time.Second),
			cache,
			profile.Config{
				Model:             cfg.Anthropic.ProfileModel,
				Temperature:       cfg.Anthropic.Temperature,
				KeywordCount:      cfg.Profile.KeywordCount,
				CompletionTimeout: time.Duration(cfg.Anthropic.ProfileTimeoutSecs) * time.Second,
			})
		gate := quota.New(st, quota.Config{
			TrialDays:       cfg.Quota.TrialDays,
			TrialDailyLimit: cfg.Quota.TrialDailyLimit,
			PaidDailyLimit:  cfg.Quota.PaidDailyLimit,
		})
		env.Scan = scan.New(gate, builder, retriever, deduper, st, scan.Config{
			Timeout:       time.Duration(cfg.Scan.TimeoutSecs) * time.Second,
			MaxResults:    cfg.Scan.MaxResults,
			TeaserResults: cfg.Scan.TeaserResults,
		})
	}

	if (mode == "digest" || mode == "serve") && cfg.Email.Key != "" {
		env.Digest = newDigestJob(st, ai)
	}
	if mode == "collect" || mode == "serve" {
		env.Collector = digest.NewCollector(st, retriever, deduper)
	}

	return env, nil
}

func newRetriever(c *config.Config) (*retrieve.Retriever, error) {
	rules, err := retrieve.LoadRules(c.Retrieve.FilterPath)
	if err != nil {
		return nil, err
	}
	if c.Retrieve.FilterPath == "" {
		if c.Retrieve.MinTitleLen > 0 {
			rules.MinTitleLength = c.Retrieve.MinTitleLen
		}
		if c.Retrieve.MaxAgeDays > 0 {
			rules.MaxAgeDays = c.Retrieve.MaxAgeDays
		}
	}

	search := reddit.NewClient(
		reddit.WithBaseURL(c.Reddit.BaseURL),
		reddit.WithToken(c.Reddit.Token),
		reddit.WithUserAgent(c.Reddit.UserAgent),
		reddit.WithLimiter(reddit.NewAdaptiveLimiter(rate.Limit(c.Reddit.RateLimit), c.Retrieve.Concurrency)),
	)

	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("reddit", "search")
	return retrieve.New(search, retrieve.NewFilter(rules), retrieve.Config{
		Concurrency: c.Retrieve.Concurrency,
		Budget:      time.Duration(c.Retrieve.BudgetSecs) * time.Second,
		Limit:       c.Reddit.Limit,
		TimeWindow:  c.Reddit.TimeWindow,
		Retry:       retry,
	}), nil
}

func newDigestJob(st store.Store, ai anthropicpkg.Client) *digest.Job {
	classifier := classify.NewClassifier(ai, classify.Config{
		Model:       cfg.Anthropic.RankModel,
		Temperature: cfg.Anthropic.Temperature,
		Timeout:     time.Duration(cfg.Anthropic.RankTimeoutSecs) * time.Second,
	})
	reranker := digest.NewReranker(classifier, digest.RerankConfig{
		Threshold:       cfg.Digest.Threshold,
		TopN:            cfg.Digest.TopN,
		BatchCandidates: cfg.Digest.BatchCandidates,
	})
	sender := email.NewClient(cfg.Email.Key, email.WithBaseURL(cfg.Email.BaseURL))
	return digest.NewJob(st, reranker, sender,
		digest.Renderer{From: cfg.Email.From, AppURL: cfg.Email.AppURL},
		digest.JobConfig{
			Lookback:   time.Duration(cfg.Digest.LookbackHours) * time.Hour,
			WorkerName: cfg.Digest.WorkerName,
		})
}
