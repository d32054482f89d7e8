// Package heartbeat reports worker status to the control plane and carries
// the remote pause flag back. Heartbeats are advisory telemetry; losing one
// never stops a worker, but a received enabled=false does.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/foresight-labs/market-pipeline/internal/model"
)

// DefaultInterval is how often a worker reports.
const DefaultInterval = 30 * time.Second

// disabledPollInterval is how often a paused worker re-checks the flag.
const disabledPollInterval = time.Second

// controlResponse is the control plane's answer to a heartbeat.
type controlResponse struct {
	Enabled bool `json:"enabled"`
}

// Reporter accumulates per-worker counters and posts them on a fixed
// interval. Counters are deltas: they reset after each successful report.
type Reporter struct {
	client     *http.Client
	baseURL    string
	workerType model.WorkerType
	instanceID string
	hostname   string
	pid        int
	interval   time.Duration

	mu        sync.Mutex
	status    model.WorkerStatus
	processed int
	failed    int
	lastError string

	enabled atomic.Bool
}

// NewReporter creates a reporter for one worker process. baseURL points at
// the control plane root (no trailing slash).
func NewReporter(baseURL string, workerType model.WorkerType, instanceID string, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	host, _ := os.Hostname()
	r := &Reporter{
		client:     &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		workerType: workerType,
		instanceID: instanceID,
		hostname:   host,
		pid:        os.Getpid(),
		interval:   interval,
		status:     model.WorkerStatusStarting,
	}
	r.enabled.Store(true)
	return r
}

// SetStatus records the advisory worker status.
func (r *Reporter) SetStatus(s model.WorkerStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// RecordProcessed counts one successfully handled message.
func (r *Reporter) RecordProcessed() {
	r.mu.Lock()
	r.processed++
	r.mu.Unlock()
}

// RecordFailed counts one failed message and keeps its error for the next
// report.
func (r *Reporter) RecordFailed(err error) {
	r.mu.Lock()
	r.failed++
	if err != nil {
		r.lastError = err.Error()
	}
	r.mu.Unlock()
}

// Enabled reports whether the control plane currently allows consumption.
func (r *Reporter) Enabled() bool {
	return r.enabled.Load()
}

// WaitEnabled blocks, polling the pause flag, until the worker is
// re-enabled or the context ends. It polls the flag rather than consuming,
// so no delivery is in flight while paused.
func (r *Reporter) WaitEnabled(ctx context.Context) error {
	ticker := time.NewTicker(disabledPollInterval)
	defer ticker.Stop()
	for {
		if r.enabled.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run reports on the interval until ctx ends, then sends a final stopped
// heartbeat on a fresh short-lived context.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.SetStatus(model.WorkerStatusStopped)
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.Beat(stopCtx); err != nil {
				zap.L().Warn("final heartbeat failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := r.Beat(ctx); err != nil {
				zap.L().Warn("heartbeat failed",
					zap.String("worker_type", string(r.workerType)),
					zap.Error(err),
				)
			}
		}
	}
}

// Beat posts one heartbeat and applies the control plane's enabled flag.
// On success the delta counters reset.
func (r *Reporter) Beat(ctx context.Context) error {
	// Take the deltas out at snapshot time so increments landing during
	// the POST count toward the next beat instead of being zeroed away.
	r.mu.Lock()
	processed, failed := r.processed, r.failed
	r.processed, r.failed = 0, 0
	hb := model.Heartbeat{
		InstanceID:        r.instanceID,
		WorkerType:        r.workerType,
		Status:            r.status,
		MessagesProcessed: processed,
		MessagesFailed:    failed,
		LastError:         r.lastError,
		Hostname:          r.hostname,
		PID:               r.pid,
		ReportedAt:        time.Now().UTC(),
	}
	r.mu.Unlock()

	reported := false
	defer func() {
		if !reported {
			// Failed report: put the deltas back for the next beat.
			r.mu.Lock()
			r.processed += processed
			r.failed += failed
			r.mu.Unlock()
		}
	}()

	body, err := json.Marshal(hb)
	if err != nil {
		return eris.Wrap(err, "heartbeat: marshal")
	}

	url := fmt.Sprintf("%s/workers/%s/heartbeat", r.baseURL, r.workerType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "heartbeat: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "heartbeat: post")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("heartbeat: control plane returned %d", resp.StatusCode)
	}

	var ctrl controlResponse
	if err := json.NewDecoder(resp.Body).Decode(&ctrl); err != nil {
		return eris.Wrap(err, "heartbeat: decode response")
	}

	wasEnabled := r.enabled.Swap(ctrl.Enabled)
	if wasEnabled != ctrl.Enabled {
		zap.L().Info("worker enable flag changed",
			zap.String("worker_type", string(r.workerType)),
			zap.Bool("enabled", ctrl.Enabled),
		)
	}

	reported = true
	return nil
}
