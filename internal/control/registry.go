package control

import (
	"sort"
	"sync"
	"time"

	"github.com/foresight-labs/market-pipeline/internal/model"
)

// workerKinds is the set of types the registry tracks; heartbeats from
// anything else are rejected.
var workerKinds = map[model.WorkerType]bool{
	model.WorkerCrawler:   true,
	model.WorkerExtractor: true,
	model.WorkerGenerator: true,
	model.WorkerValidator: true,
	model.WorkerPublisher: true,
	model.WorkerResolver:  true,
	model.WorkerDispute:   true,
}

// WorkerState is one worker type's registry view: the remote-control flag
// plus the latest heartbeat per instance.
type WorkerState struct {
	Type      model.WorkerType           `json:"type"`
	Enabled   bool                       `json:"enabled"`
	Instances map[string]model.Heartbeat `json:"instances"`
}

// Registry holds per-type enable flags and last-seen heartbeats. Flags
// default to enabled; they live in memory because a control plane restart
// re-enabling everything is the safe failure mode.
type Registry struct {
	mu       sync.RWMutex
	disabled map[model.WorkerType]bool
	beats    map[model.WorkerType]map[string]model.Heartbeat
}

// NewRegistry builds an empty registry with every worker type enabled.
func NewRegistry() *Registry {
	return &Registry{
		disabled: map[model.WorkerType]bool{},
		beats:    map[model.WorkerType]map[string]model.Heartbeat{},
	}
}

// Record stores a heartbeat and returns whether the worker type is
// currently enabled.
func (r *Registry) Record(hb model.Heartbeat) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.beats[hb.WorkerType] == nil {
		r.beats[hb.WorkerType] = map[string]model.Heartbeat{}
	}
	hb.ReportedAt = time.Now().UTC()
	r.beats[hb.WorkerType][hb.InstanceID] = hb
	return !r.disabled[hb.WorkerType]
}

// SetEnabled flips the remote-control flag for one worker type.
func (r *Registry) SetEnabled(wt model.WorkerType, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[wt] = !enabled
}

// Enabled reports the current flag for one worker type.
func (r *Registry) Enabled(wt model.WorkerType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.disabled[wt]
}

// Snapshot lists every known worker type's state, including types that
// have never reported.
func (r *Registry) Snapshot() []WorkerState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]WorkerState, 0, len(workerKinds))
	for wt := range workerKinds {
		st := WorkerState{
			Type:      wt,
			Enabled:   !r.disabled[wt],
			Instances: map[string]model.Heartbeat{},
		}
		for id, hb := range r.beats[wt] {
			st.Instances[id] = hb
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
