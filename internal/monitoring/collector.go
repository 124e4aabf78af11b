package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadscan/internal/model"
	"github.com/sells-group/leadscan/internal/store"
)

// WorkerHealth is the last heartbeat of one background worker.
type WorkerHealth struct {
	Name             string    `json:"name"`
	LastRunAt        time.Time `json:"last_run_at"`
	LastRunSentCount int       `json:"last_run_sent_count"`
	Missing          bool      `json:"missing"`
}

// Snapshot holds a point-in-time view of worker heartbeats.
type Snapshot struct {
	Workers     []WorkerHealth `json:"workers"`
	CollectedAt time.Time      `json:"collected_at"`
}

// HeartbeatReader is the store subset the collector reads.
type HeartbeatReader interface {
	GetWorkerStatus(ctx context.Context, worker string) (*model.WorkerStatus, error)
}

// Collector gathers worker heartbeats from the store.
type Collector struct {
	store HeartbeatReader
	now   func() time.Time
}

// NewCollector creates a new heartbeat collector.
func NewCollector(st HeartbeatReader) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect reads the heartbeat of each named worker. A worker with no row is
// reported as Missing.
func (c *Collector) Collect(ctx context.Context, workers []string) (*Snapshot, error) {
	snap := &Snapshot{CollectedAt: c.now().UTC()}

	for _, name := range workers {
		ws, err := c.store.GetWorkerStatus(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			snap.Workers = append(snap.Workers, WorkerHealth{Name: name, Missing: true})
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: get worker status %s", name)
		}
		snap.Workers = append(snap.Workers, WorkerHealth{
			Name:             name,
			LastRunAt:        ws.LastRunAt,
			LastRunSentCount: ws.LastRunSentCount,
		})
	}

	return snap, nil
}
