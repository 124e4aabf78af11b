package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadscan/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertWorkerStale AlertType = "worker_stale"
	AlertWorkerIdle  AlertType = "worker_idle"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds and sends
// alerts via webhook when they are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	staleAfter := time.Duration(a.cfg.StaleAfterHours) * time.Hour

	for _, w := range snap.Workers {
		if w.Missing {
			alerts = append(alerts, Alert{
				Type:      AlertWorkerStale,
				Severity:  "high",
				Message:   fmt.Sprintf("Worker %s has never reported a run", w.Name),
				Details:   map[string]any{"worker": w.Name},
				Timestamp: snap.CollectedAt,
			})
			continue
		}

		age := snap.CollectedAt.Sub(w.LastRunAt)
		if staleAfter > 0 && age > staleAfter {
			alerts = append(alerts, Alert{
				Type:     AlertWorkerStale,
				Severity: "high",
				Message: fmt.Sprintf("Worker %s last ran %.1fh ago, threshold %dh",
					w.Name, age.Hours(), a.cfg.StaleAfterHours),
				Details: map[string]any{
					"worker":      w.Name,
					"last_run_at": w.LastRunAt,
					"age_hours":   age.Hours(),
				},
				Timestamp: snap.CollectedAt,
			})
			continue
		}

		if a.cfg.AlertOnIdle && w.LastRunSentCount == 0 {
			alerts = append(alerts, Alert{
				Type:     AlertWorkerIdle,
				Severity: "low",
				Message:  fmt.Sprintf("Worker %s last run sent nothing", w.Name),
				Details: map[string]any{
					"worker":      w.Name,
					"last_run_at": w.LastRunAt,
				},
				Timestamp: snap.CollectedAt,
			})
		}
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
