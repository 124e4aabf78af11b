package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/leadscan/internal/digest"
	"github.com/sells-group/leadscan/internal/model"
	"github.com/sells-group/leadscan/internal/profile"
	"github.com/sells-group/leadscan/internal/quota"
	"github.com/sells-group/leadscan/internal/scan"
	"github.com/sells-group/leadscan/internal/store"
)

// accountHeader carries the authenticated account ID, set by the gateway in
// front of this service.
const accountHeader = "X-Account-ID"

type (
	scanner interface {
		Scan(ctx context.Context, req scan.Request) (*model.ScanResult, error)
	}
	digestRunner interface {
		Run(ctx context.Context) (*digest.RunSummary, error)
	}
	leadUpdater interface {
		UpdateLead(ctx context.Context, accountID, leadID string, patch store.LeadPatch) (*model.Lead, error)
	}
	pinger interface {
		Ping(ctx context.Context) error
	}
)

// server holds the HTTP handlers. digest may be nil when email delivery is
// not configured.
type server struct {
	scans       scanner
	digest      digestRunner
	leads       leadUpdater
	db          pinger
	digestToken string
	origins     []string
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", accountHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/scan", s.handleScan)
	r.Post("/digest/run", s.handleDigestRun)
	r.Patch("/leads/{id}", s.handleUpdateLead)
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type scanRequest struct {
	URL         string   `json:"url"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
}

type scanResponse struct {
	Leads     []model.Lead `json:"leads"`
	Remaining int          `json:"remaining,omitempty"`
	Degraded  []string     `json:"degraded,omitempty"`
	Error     string       `json:"error,omitempty"`
	Code      string       `json:"code,omitempty"`
}

func (s *server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}

	res, err := s.scans.Scan(r.Context(), scan.Request{
		AccountID:   strings.TrimSpace(r.Header.Get(accountHeader)),
		URL:         req.URL,
		Description: req.Description,
		Keywords:    req.Keywords,
	})
	if err != nil {
		status, body := scanErrorResponse(err)
		if status >= http.StatusInternalServerError {
			zap.L().Error("scan failed", zap.Int("status", status), zap.Error(err))
		}
		writeJSON(w, status, body)
		return
	}

	leads := res.Leads
	if leads == nil {
		leads = []model.Lead{}
	}
	writeJSON(w, http.StatusOK, scanResponse{
		Leads:     leads,
		Remaining: res.Remaining,
		Degraded:  res.Degraded,
		Error:     res.Error,
	})
}

// scanErrorResponse maps a scan failure to a status code and a stable body.
func scanErrorResponse(err error) (int, scanResponse) {
	body := scanResponse{Leads: []model.Lead{}}

	var qe *scan.QuotaExceededError
	switch {
	case errors.As(err, &qe):
		body.Code = string(qe.Code())
		body.Error = "scan not allowed"
		switch qe.Code() {
		case quota.AuthRequired:
			return http.StatusUnauthorized, body
		case quota.PaywallRequired:
			return http.StatusPaymentRequired, body
		default:
			return http.StatusTooManyRequests, body
		}
	case errors.Is(err, profile.ErrUnsafeURL):
		body.Error = "url not allowed"
		body.Code = "UNSAFE_URL"
		return http.StatusBadRequest, body
	case errors.Is(err, profile.ErrNoInput):
		body.Error = "url or description required"
		body.Code = "INVALID_INPUT"
		return http.StatusBadRequest, body
	case errors.Is(err, scan.ErrScanTimeout):
		body.Error = "scan timed out"
		body.Code = "SCAN_TIMEOUT"
		return http.StatusGatewayTimeout, body
	default:
		body.Error = "scan failed"
		return http.StatusInternalServerError, body
	}
}

func (s *server) handleDigestRun(w http.ResponseWriter, r *http.Request) {
	if !s.authorizedDigest(r) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return
	}
	if s.digest == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "digest not configured"})
		return
	}

	// A dropped trigger connection does not abort a run in progress.
	summary, err := s.digest.Run(context.WithoutCancel(r.Context()))
	if err != nil {
		zap.L().Error("triggered digest run failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "digest run failed"})
		return
	}
	zap.L().Info("triggered digest run complete", zap.Int("sent", summary.Sent), zap.Int("failed", summary.Failed))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) authorizedDigest(r *http.Request) bool {
	if s.digestToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.digestToken)) == 1
}

func (s *server) handleUpdateLead(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(r.Header.Get(accountHeader))
	if accountID == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "account required", Code: string(quota.AuthRequired)})
		return
	}

	var patch store.LeadPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if patch.Status == nil && patch.IsSaved == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "status or is_saved required"})
		return
	}
	if patch.Status != nil && !patch.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown status " + string(*patch.Status)})
		return
	}

	lead, err := s.leads.UpdateLead(r.Context(), accountID, chi.URLParam(r, "id"), patch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "lead not found"})
			return
		}
		zap.L().Error("update lead failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "update failed"})
		return
	}
	writeJSON(w, http.StatusOK, lead)
}
