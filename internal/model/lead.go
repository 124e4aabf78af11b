package model

import (
	"strings"
	"time"
)

// BusinessProfile is the normalized topic profile a scan searches with.
type BusinessProfile struct {
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
	SourceURL   string   `json:"source_url,omitempty"`
}

// Candidate is an unowned post returned by the search provider.
type Candidate struct {
	Title       string    `json:"title"`
	CommunityID string    `json:"community_id"`
	URL         string    `json:"url"`
	Body        string    `json:"body_text"`
	PostedAt    time.Time `json:"posted_at"`
}

// NormalizedTitle is the dedup form of a title.
func (c Candidate) NormalizedTitle() string {
	return strings.TrimSpace(c.Title)
}

// LeadStatus tracks where a lead is in its lifecycle.
type LeadStatus string

const (
	LeadStatusNew       LeadStatus = "new"
	LeadStatusEmailed   LeadStatus = "emailed"
	LeadStatusScanner   LeadStatus = "scanner"
	LeadStatusContacted LeadStatus = "contacted"
	LeadStatusArchived  LeadStatus = "archived"
)

// Valid reports whether s is a known status.
func (s LeadStatus) Valid() bool {
	switch s {
	case LeadStatusNew, LeadStatusEmailed, LeadStatusScanner, LeadStatusContacted, LeadStatusArchived:
		return true
	}
	return false
}

// Lead is an account-owned, classified candidate.
type Lead struct {
	ID            string     `json:"id"`
	AccountID     string     `json:"account_id,omitempty"`
	Title         string     `json:"title"`
	CommunityID   string     `json:"community_id"`
	URL           string     `json:"url"`
	Body          string     `json:"body_text"`
	MatchScore    float64    `json:"match_score"`
	MatchCategory Category   `json:"match_category"`
	Status        LeadStatus `json:"status"`
	IsSaved       bool       `json:"is_saved"`
	CreatedAt     time.Time  `json:"created_at"`
}

// NewLead builds a lead from a candidate with the category's fixed score.
func NewLead(accountID string, c Candidate, category Category, status LeadStatus) Lead {
	return Lead{
		AccountID:     accountID,
		Title:         c.NormalizedTitle(),
		CommunityID:   c.CommunityID,
		URL:           c.URL,
		Body:          c.Body,
		MatchScore:    ScoreFor(category),
		MatchCategory: category,
		Status:        status,
	}
}

// Candidate returns the lead's post fields.
func (l Lead) Candidate() Candidate {
	return Candidate{
		Title:       l.Title,
		CommunityID: l.CommunityID,
		URL:         l.URL,
		Body:        l.Body,
		PostedAt:    l.CreatedAt,
	}
}

// ScanResult is the output of one orchestrator invocation.
type ScanResult struct {
	Leads     []Lead   `json:"leads"`
	Remaining int      `json:"remaining,omitempty"`
	Degraded  []string `json:"degraded,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// WorkerStatus is the heartbeat row written by background jobs.
type WorkerStatus struct {
	Worker           string    `json:"worker"`
	LastRunAt        time.Time `json:"last_run_at"`
	LastRunSentCount int       `json:"last_run_sent_count"`
}
