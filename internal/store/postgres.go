package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadscan/internal/db"
	"github.com/sells-group/leadscan/internal/model"
)

// PostgresStore implements Store using pgxpool. Usage counters go through
// service, an elevated-privilege pool that bypasses row-level policies.
type PostgresStore struct {
	pool    db.Pool
	service db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore. An empty serviceConnString reuses the
// regular pool for usage updates.
func NewPostgres(ctx context.Context, connString, serviceConnString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pool, err := openPool(ctx, connString, poolCfg)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{pool: pool, service: pool, closeFn: pool.Close}

	if serviceConnString != "" && serviceConnString != connString {
		svc, err := openPool(ctx, serviceConnString, &PoolConfig{MaxConns: 4, MinConns: 1})
		if err != nil {
			pool.Close()
			return nil, eris.Wrap(err, "postgres: service pool")
		}
		s.service = svc
		s.closeFn = func() {
			pool.Close()
			svc.Close()
		}
	}
	return s, nil
}

// NewPostgresFromPools wraps existing pools.
func NewPostgresFromPools(pool, service db.Pool) *PostgresStore {
	if service == nil {
		service = pool
	}
	return &PostgresStore{pool: pool, service: service}
}

func openPool(ctx context.Context, connString string, poolCfg *PoolConfig) (*pgxpool.Pool, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return pool, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS accounts (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	email             TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	subscription_tier TEXT NOT NULL DEFAULT 'free',
	trial_ends_at     TIMESTAMPTZ,
	scan_allowance    INTEGER NOT NULL DEFAULT 0,
	timezone          TEXT NOT NULL DEFAULT 'UTC',
	scan_count        INTEGER NOT NULL DEFAULT 0,
	last_scan_at      TIMESTAMPTZ,
	website_url       TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	keywords          TEXT[] NOT NULL DEFAULT '{}',
	digest_enabled    BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS leads (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	account_id     TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	title          TEXT NOT NULL,
	community_id   TEXT NOT NULL DEFAULT '',
	url            TEXT NOT NULL DEFAULT '',
	body_text      TEXT NOT NULL DEFAULT '',
	match_score    DOUBLE PRECISION NOT NULL CHECK (match_score >= 0 AND match_score <= 1),
	match_category TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'new',
	is_saved       BOOLEAN NOT NULL DEFAULT false,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_leads_account_title ON leads(account_id, title);
CREATE INDEX IF NOT EXISTS idx_leads_account_status_created ON leads(account_id, status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_leads_unsaved_created ON leads(created_at) WHERE NOT is_saved;
CREATE INDEX IF NOT EXISTS idx_accounts_digest ON accounts(digest_enabled) WHERE digest_enabled;

CREATE TABLE IF NOT EXISTS worker_status (
	worker              TEXT PRIMARY KEY,
	last_run_at         TIMESTAMPTZ NOT NULL,
	last_run_sent_count INTEGER NOT NULL DEFAULT 0
);
`

const accountSelect = `SELECT id, email, created_at, subscription_tier, trial_ends_at, scan_allowance, timezone,
	scan_count, last_scan_at, website_url, description, keywords, digest_enabled FROM accounts`

const leadSelect = `SELECT id, account_id, title, community_id, url, body_text, match_score, match_category, status, is_saved, created_at FROM leads`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx, accountSelect+` WHERE id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get account %s", accountID)
	}
	return a, nil
}

func (s *PostgresStore) ListDigestAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx, accountSelect+` WHERE digest_enabled ORDER BY created_at, id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list digest accounts")
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan account")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list digest accounts")
}

func (s *PostgresStore) UpsertAccount(ctx context.Context, a model.Account) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	keywords := a.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO accounts (id, email, created_at, subscription_tier, trial_ends_at, scan_allowance,
		timezone, scan_count, last_scan_at, website_url, description, keywords, digest_enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, subscription_tier = EXCLUDED.subscription_tier,
			trial_ends_at = EXCLUDED.trial_ends_at, scan_allowance = EXCLUDED.scan_allowance,
			timezone = EXCLUDED.timezone, website_url = EXCLUDED.website_url,
			description = EXCLUDED.description, keywords = EXCLUDED.keywords,
			digest_enabled = EXCLUDED.digest_enabled`,
		a.ID, a.Email, a.CreatedAt, string(a.SubscriptionTier), a.TrialEndsAt, a.ScanAllowance,
		a.Timezone, a.ScanCount, a.LastScanAt, a.WebsiteURL, a.Description, keywords, a.DigestEnabled,
	)
	return eris.Wrapf(err, "postgres: upsert account %s", a.ID)
}

func (s *PostgresStore) CompareAndSetUsage(ctx context.Context, accountID string, prev, next model.Usage) (bool, error) {
	tag, err := s.service.Exec(ctx,
		`UPDATE accounts SET scan_count = $1, last_scan_at = $2
		WHERE id = $3 AND scan_count = $4 AND last_scan_at IS NOT DISTINCT FROM $5`,
		next.ScanCount, next.LastScanAt, accountID, prev.ScanCount, prev.LastScanAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: update usage %s", accountID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListLeadTitles(ctx context.Context, accountID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT title FROM leads WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list lead titles %s", accountID)
	}
	titles, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return titles, eris.Wrap(err, "postgres: collect lead titles")
}

func (s *PostgresStore) InsertLeads(ctx context.Context, leads []model.Lead) (int, error) {
	rows := leadRows(leads)
	n, err := db.InsertIgnore(ctx, s.pool, db.InsertConfig{
		Table:        "leads",
		Columns:      leadColumns,
		ConflictKeys: []string{"account_id", "title"},
	}, rows)
	if err != nil {
		return int(n), &PersistenceError{Op: "insert leads", Count: len(leads), Err: err}
	}
	return int(n), nil
}

func (s *PostgresStore) ListLeads(ctx context.Context, accountID string, status model.LeadStatus, since time.Time) ([]model.Lead, error) {
	rows, err := s.pool.Query(ctx,
		leadSelect+` WHERE account_id = $1 AND status = $2 AND created_at >= $3 ORDER BY created_at, id`,
		accountID, string(status), since,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list leads %s", accountID)
	}
	defer rows.Close()

	var out []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list leads")
}

func (s *PostgresStore) MarkEmailed(ctx context.Context, accountID string, fetched []string, ranked []model.Lead) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: mark emailed: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if len(fetched) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE leads SET status = $1 WHERE account_id = $2 AND id = ANY($3)`,
			string(model.LeadStatusEmailed), accountID, fetched,
		); err != nil {
			return eris.Wrap(err, "postgres: mark emailed")
		}
	}
	for _, l := range ranked {
		if _, err := tx.Exec(ctx,
			`UPDATE leads SET match_category = $1, match_score = $2 WHERE account_id = $3 AND id = $4`,
			string(l.MatchCategory), l.MatchScore, accountID, l.ID,
		); err != nil {
			return eris.Wrapf(err, "postgres: rerank lead %s", l.ID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: mark emailed: commit tx")
}

func (s *PostgresStore) UpdateLead(ctx context.Context, accountID, leadID string, patch LeadPatch) (*model.Lead, error) {
	var status *string
	if patch.Status != nil {
		v := string(*patch.Status)
		status = &v
	}
	l, err := scanLead(s.pool.QueryRow(ctx,
		`UPDATE leads SET status = COALESCE($1, status), is_saved = COALESCE($2, is_saved)
		WHERE id = $3 AND account_id = $4
		RETURNING id, account_id, title, community_id, url, body_text, match_score, match_category, status, is_saved, created_at`,
		status, patch.IsSaved, leadID, accountID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update lead %s", leadID)
	}
	return l, nil
}

func (s *PostgresStore) DeleteExpiredLeads(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM leads WHERE NOT is_saved AND created_at < $1`, before)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired leads")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) UpsertWorkerStatus(ctx context.Context, ws model.WorkerStatus) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO worker_status (worker, last_run_at, last_run_sent_count) VALUES ($1, $2, $3)
		ON CONFLICT (worker) DO UPDATE SET last_run_at = EXCLUDED.last_run_at, last_run_sent_count = EXCLUDED.last_run_sent_count`,
		ws.Worker, ws.LastRunAt, ws.LastRunSentCount,
	)
	return eris.Wrapf(err, "postgres: upsert worker status %s", ws.Worker)
}

func (s *PostgresStore) GetWorkerStatus(ctx context.Context, worker string) (*model.WorkerStatus, error) {
	var ws model.WorkerStatus
	err := s.pool.QueryRow(ctx,
		`SELECT worker, last_run_at, last_run_sent_count FROM worker_status WHERE worker = $1`, worker,
	).Scan(&ws.Worker, &ws.LastRunAt, &ws.LastRunSentCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get worker status %s", worker)
	}
	return &ws, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAccount(row scannable) (*model.Account, error) {
	var a model.Account
	var tier string
	err := row.Scan(&a.ID, &a.Email, &a.CreatedAt, &tier, &a.TrialEndsAt, &a.ScanAllowance, &a.Timezone,
		&a.ScanCount, &a.LastScanAt, &a.WebsiteURL, &a.Description, &a.Keywords, &a.DigestEnabled)
	if err != nil {
		return nil, err
	}
	a.SubscriptionTier = model.Tier(tier)
	return &a, nil
}

func scanLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var category, status string
	err := row.Scan(&l.ID, &l.AccountID, &l.Title, &l.CommunityID, &l.URL, &l.Body,
		&l.MatchScore, &category, &status, &l.IsSaved, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	l.MatchCategory = model.Category(category)
	l.Status = model.LeadStatus(status)
	return &l, nil
}

// leadRows assigns ids and timestamps and flattens leads in leadColumns order.
func leadRows(leads []model.Lead) [][]any {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(leads))
	for i := range leads {
		l := &leads[i]
		if l.ID == "" {
			l.ID = uuid.New().String()
		}
		if l.CreatedAt.IsZero() {
			l.CreatedAt = now
		}
		rows = append(rows, []any{
			l.ID, l.AccountID, l.Title, l.CommunityID, l.URL, l.Body,
			l.MatchScore, string(l.MatchCategory), string(l.Status), l.IsSaved, l.CreatedAt,
		})
	}
	return rows
}
