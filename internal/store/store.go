package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadscan/internal/model"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = eris.New("store: not found")

// PersistenceError marks a failed write whose data is lost unless retried.
type PersistenceError struct {
	Op    string
	Count int
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store: %s (%d rows): %v", e.Op, e.Count, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// LeadPatch carries the account-initiated mutations of a lead. Nil fields
// are left untouched.
type LeadPatch struct {
	Status  *model.LeadStatus `json:"status,omitempty"`
	IsSaved *bool             `json:"is_saved,omitempty"`
}

// Store defines the persistence interface for the lead pipeline.
type Store interface {
	// Accounts
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
	ListDigestAccounts(ctx context.Context) ([]model.Account, error)
	UpsertAccount(ctx context.Context, a model.Account) error
	// CompareAndSetUsage writes next only if the stored usage still equals
	// prev. Runs on the elevated connection where one is configured.
	CompareAndSetUsage(ctx context.Context, accountID string, prev, next model.Usage) (bool, error)

	// Leads
	ListLeadTitles(ctx context.Context, accountID string) ([]string, error)
	InsertLeads(ctx context.Context, leads []model.Lead) (int, error)
	ListLeads(ctx context.Context, accountID string, status model.LeadStatus, since time.Time) ([]model.Lead, error)
	// MarkEmailed flips fetched to emailed and applies ranked categories, in
	// one transaction.
	MarkEmailed(ctx context.Context, accountID string, fetched []string, ranked []model.Lead) error
	UpdateLead(ctx context.Context, accountID, leadID string, patch LeadPatch) (*model.Lead, error)
	DeleteExpiredLeads(ctx context.Context, before time.Time) (int64, error)

	// Worker heartbeat
	UpsertWorkerStatus(ctx context.Context, ws model.WorkerStatus) error
	GetWorkerStatus(ctx context.Context, worker string) (*model.WorkerStatus, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// leadColumns is the insert column order shared by both drivers.
var leadColumns = []string{
	"id", "account_id", "title", "community_id", "url", "body_text",
	"match_score", "match_category", "status", "is_saved", "created_at",
}
