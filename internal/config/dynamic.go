package config

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// SettingsReader loads the current runtime settings, typically from the
// settings table.
type SettingsReader interface {
	GetSettings(ctx context.Context) (map[string]string, error)
}

// Dynamic holds runtime-tunable settings. Workers reload it when the
// scheduler broadcasts a refresh, so operator changes take effect without
// restarts.
type Dynamic struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewDynamic returns an empty Dynamic. Call Reload before first use.
func NewDynamic() *Dynamic {
	return &Dynamic{values: map[string]string{}}
}

// Reload replaces all settings with the reader's current snapshot.
func (d *Dynamic) Reload(ctx context.Context, r SettingsReader) error {
	values, err := r.GetSettings(ctx)
	if err != nil {
		return eris.Wrap(err, "config: reload settings")
	}
	d.mu.Lock()
	d.values = values
	d.mu.Unlock()
	return nil
}

// Snapshot returns a copy of all current settings.
func (d *Dynamic) Snapshot() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.values))
	for k, v := range d.values {
		out[k] = v
	}
	return out
}

// String returns the setting or def when unset.
func (d *Dynamic) String(key, def string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if v, ok := d.values[key]; ok {
		return v
	}
	return def
}

// Int returns the setting parsed as an integer, or def when unset or
// malformed.
func (d *Dynamic) Int(key string, def int) int {
	d.mu.RLock()
	v, ok := d.values[key]
	d.mu.RUnlock()
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Float returns the setting parsed as a float, or def when unset or
// malformed.
func (d *Dynamic) Float(key string, def float64) float64 {
	d.mu.RLock()
	v, ok := d.values[key]
	d.mu.RUnlock()
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// Settings keys workers consult at runtime.
const (
	KeyMaxRetries          = "worker.max_retries"
	KeyProcessingDelayMs   = "worker.processing_delay_ms"
	KeyConfidenceThreshold = "validator.confidence_threshold"
	KeyDisputeWindowHours  = "resolver.dispute_window_hours"
)

// MaxRetries returns the retry ceiling for failed messages.
func (d *Dynamic) MaxRetries(def int) int {
	return d.Int(KeyMaxRetries, def)
}

// ProcessingDelay returns the per-message pacing delay.
func (d *Dynamic) ProcessingDelay(def time.Duration) time.Duration {
	ms := d.Int(KeyProcessingDelayMs, -1)
	if ms < 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// ConfidenceThreshold returns the validator auto-approve cutoff.
func (d *Dynamic) ConfidenceThreshold(def float64) float64 {
	return d.Float(KeyConfidenceThreshold, def)
}

// DisputeWindow returns how long resolved markets stay open to disputes.
func (d *Dynamic) DisputeWindow(def time.Duration) time.Duration {
	h := d.Int(KeyDisputeWindowHours, -1)
	if h < 0 {
		return def
	}
	return time.Duration(h) * time.Hour
}
