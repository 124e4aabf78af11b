package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/leadscan/internal/model"
)

// sqliteTime is fixed-width so stored timestamps compare lexically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using modernc.org/sqlite. database/sql pools
// connections, so per-connection pragmas travel in the DSN.
type SQLiteStore struct {
	db *sql.DB
}

// connPragmas apply to every connection the pool opens.
var connPragmas = []string{
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"synchronous(NORMAL)",
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// journal_mode is stored in the database file.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: exec PRAGMA journal_mode=WAL")
	}
	return &SQLiteStore{db: db}, nil
}

func withPragmas(dsn string) string {
	params := make([]string, len(connPragmas))
	for i, p := range connPragmas {
		params[i] = "_pragma=" + p
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS accounts (
	id                TEXT PRIMARY KEY,
	email             TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	subscription_tier TEXT NOT NULL DEFAULT 'free',
	trial_ends_at     TEXT,
	scan_allowance    INTEGER NOT NULL DEFAULT 0,
	timezone          TEXT NOT NULL DEFAULT 'UTC',
	scan_count        INTEGER NOT NULL DEFAULT 0,
	last_scan_at      TEXT,
	website_url       TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	keywords          TEXT NOT NULL DEFAULT '[]',
	digest_enabled    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS leads (
	id             TEXT PRIMARY KEY,
	account_id     TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	title          TEXT NOT NULL,
	community_id   TEXT NOT NULL DEFAULT '',
	url            TEXT NOT NULL DEFAULT '',
	body_text      TEXT NOT NULL DEFAULT '',
	match_score    REAL NOT NULL CHECK (match_score >= 0 AND match_score <= 1),
	match_category TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'new',
	is_saved       INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_leads_account_title ON leads(account_id, title);
CREATE INDEX IF NOT EXISTS idx_leads_account_status_created ON leads(account_id, status, created_at);

CREATE TABLE IF NOT EXISTS worker_status (
	worker              TEXT PRIMARY KEY,
	last_run_at         TEXT NOT NULL,
	last_run_sent_count INTEGER NOT NULL DEFAULT 0
);
`

const sqliteAccountSelect = `SELECT id, email, created_at, subscription_tier, trial_ends_at, scan_allowance, timezone,
	scan_count, last_scan_at, website_url, description, keywords, digest_enabled FROM accounts`

const sqliteLeadColumns = `id, account_id, title, community_id, url, body_text, match_score, match_category, status, is_saved, created_at`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	a, err := scanSQLiteAccount(s.db.QueryRowContext(ctx, sqliteAccountSelect+` WHERE id = ?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get account %s", accountID)
	}
	return a, nil
}

func (s *SQLiteStore) ListDigestAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx, sqliteAccountSelect+` WHERE digest_enabled = 1 ORDER BY created_at, id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list digest accounts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Account
	for rows.Next() {
		a, err := scanSQLiteAccount(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan account")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list digest accounts")
}

func (s *SQLiteStore) UpsertAccount(ctx context.Context, a model.Account) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Keywords == nil {
		a.Keywords = []string{}
	}
	kw, err := json.Marshal(a.Keywords)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal keywords")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO accounts (id, email, created_at, subscription_tier, trial_ends_at,
		scan_allowance, timezone, scan_count, last_scan_at, website_url, description, keywords, digest_enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET email = excluded.email, subscription_tier = excluded.subscription_tier,
			trial_ends_at = excluded.trial_ends_at, scan_allowance = excluded.scan_allowance,
			timezone = excluded.timezone, website_url = excluded.website_url,
			description = excluded.description, keywords = excluded.keywords,
			digest_enabled = excluded.digest_enabled`,
		a.ID, a.Email, formatTime(a.CreatedAt), string(a.SubscriptionTier), formatTimePtr(a.TrialEndsAt),
		a.ScanAllowance, a.Timezone, a.ScanCount, formatTimePtr(a.LastScanAt), a.WebsiteURL, a.Description,
		string(kw), a.DigestEnabled,
	)
	return eris.Wrapf(err, "sqlite: upsert account %s", a.ID)
}

func (s *SQLiteStore) CompareAndSetUsage(ctx context.Context, accountID string, prev, next model.Usage) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET scan_count = ?, last_scan_at = ? WHERE id = ? AND scan_count = ? AND last_scan_at IS ?`,
		next.ScanCount, formatTimePtr(next.LastScanAt), accountID, prev.ScanCount, formatTimePtr(prev.LastScanAt),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: update usage %s", accountID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ListLeadTitles(ctx context.Context, accountID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT title FROM leads WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list lead titles %s", accountID)
	}
	defer rows.Close() //nolint:errcheck

	var titles []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan title")
		}
		titles = append(titles, t)
	}
	return titles, eris.Wrap(rows.Err(), "sqlite: list lead titles")
}

func (s *SQLiteStore) InsertLeads(ctx context.Context, leads []model.Lead) (int, error) {
	if len(leads) == 0 {
		return 0, nil
	}
	n, err := s.insertLeads(ctx, leads)
	if err != nil {
		return n, &PersistenceError{Op: "insert leads", Count: len(leads), Err: err}
	}
	return n, nil
}

func (s *SQLiteStore) insertLeads(ctx context.Context, leads []model.Lead) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO leads (`+sqliteLeadColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, title) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert lead")
	}
	defer stmt.Close() //nolint:errcheck

	inserted := 0
	for _, row := range leadRows(leads) {
		row[len(row)-1] = formatTime(row[len(row)-1].(time.Time))
		res, err := stmt.ExecContext(ctx, row...)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: insert lead")
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit tx")
	}
	return inserted, nil
}

func (s *SQLiteStore) ListLeads(ctx context.Context, accountID string, status model.LeadStatus, since time.Time) ([]model.Lead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteLeadColumns+` FROM leads WHERE account_id = ? AND status = ? AND created_at >= ? ORDER BY created_at, id`,
		accountID, string(status), formatTime(since),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list leads %s", accountID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Lead
	for rows.Next() {
		l, err := scanSQLiteLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list leads")
}

func (s *SQLiteStore) MarkEmailed(ctx context.Context, accountID string, fetched []string, ranked []model.Lead) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: mark emailed: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if len(fetched) > 0 {
		args := make([]any, 0, len(fetched)+2)
		args = append(args, string(model.LeadStatusEmailed), accountID)
		for _, id := range fetched {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(fetched)), ", ")
		if _, err := tx.ExecContext(ctx,
			`UPDATE leads SET status = ? WHERE account_id = ? AND id IN (`+placeholders+`)`, args...,
		); err != nil {
			return eris.Wrap(err, "sqlite: mark emailed")
		}
	}
	for _, l := range ranked {
		if _, err := tx.ExecContext(ctx,
			`UPDATE leads SET match_category = ?, match_score = ? WHERE account_id = ? AND id = ?`,
			string(l.MatchCategory), l.MatchScore, accountID, l.ID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: rerank lead %s", l.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: mark emailed: commit tx")
}

func (s *SQLiteStore) UpdateLead(ctx context.Context, accountID, leadID string, patch LeadPatch) (*model.Lead, error) {
	var status any
	if patch.Status != nil {
		status = string(*patch.Status)
	}
	var saved any
	if patch.IsSaved != nil {
		saved = *patch.IsSaved
	}
	l, err := scanSQLiteLead(s.db.QueryRowContext(ctx,
		`UPDATE leads SET status = COALESCE(?, status), is_saved = COALESCE(?, is_saved)
		WHERE id = ? AND account_id = ? RETURNING `+sqliteLeadColumns,
		status, saved, leadID, accountID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update lead %s", leadID)
	}
	return l, nil
}

func (s *SQLiteStore) DeleteExpiredLeads(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM leads WHERE is_saved = 0 AND created_at < ?`, formatTime(before))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired leads")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) UpsertWorkerStatus(ctx context.Context, ws model.WorkerStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_status (worker, last_run_at, last_run_sent_count) VALUES (?, ?, ?)
		ON CONFLICT (worker) DO UPDATE SET last_run_at = excluded.last_run_at, last_run_sent_count = excluded.last_run_sent_count`,
		ws.Worker, formatTime(ws.LastRunAt), ws.LastRunSentCount,
	)
	return eris.Wrapf(err, "sqlite: upsert worker status %s", ws.Worker)
}

func (s *SQLiteStore) GetWorkerStatus(ctx context.Context, worker string) (*model.WorkerStatus, error) {
	var ws model.WorkerStatus
	var lastRun string
	err := s.db.QueryRowContext(ctx,
		`SELECT worker, last_run_at, last_run_sent_count FROM worker_status WHERE worker = ?`, worker,
	).Scan(&ws.Worker, &lastRun, &ws.LastRunSentCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get worker status %s", worker)
	}
	if ws.LastRunAt, err = parseTime(lastRun); err != nil {
		return nil, err
	}
	return &ws, nil
}

func scanSQLiteAccount(row scannable) (*model.Account, error) {
	var a model.Account
	var tier, created, keywords string
	var trialEnds, lastScan sql.NullString
	err := row.Scan(&a.ID, &a.Email, &created, &tier, &trialEnds, &a.ScanAllowance, &a.Timezone,
		&a.ScanCount, &lastScan, &a.WebsiteURL, &a.Description, &keywords, &a.DigestEnabled)
	if err != nil {
		return nil, err
	}
	a.SubscriptionTier = model.Tier(tier)
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if a.TrialEndsAt, err = parseNullTime(trialEnds); err != nil {
		return nil, err
	}
	if a.LastScanAt, err = parseNullTime(lastScan); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(keywords), &a.Keywords); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal keywords")
	}
	return &a, nil
}

func scanSQLiteLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var category, status, created string
	err := row.Scan(&l.ID, &l.AccountID, &l.Title, &l.CommunityID, &l.URL, &l.Body,
		&l.MatchScore, &category, &status, &l.IsSaved, &created)
	if err != nil {
		return nil, err
	}
	l.MatchCategory = model.Category(category)
	l.Status = model.LeadStatus(status)
	if l.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &l, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
