package model

import "time"

// WorkerType identifies a pipeline stage worker.
type WorkerType string

const (
	WorkerCrawler   WorkerType = "crawler"
	WorkerExtractor WorkerType = "extractor"
	WorkerGenerator WorkerType = "generator"
	WorkerValidator WorkerType = "validator"
	WorkerPublisher WorkerType = "publisher"
	WorkerResolver  WorkerType = "resolver"
	WorkerDispute   WorkerType = "dispute"
)

// WorkerStatus is the advisory state reported in heartbeats. It is an
// observability signal, not authoritative state.
type WorkerStatus string

const (
	WorkerStatusStarting WorkerStatus = "starting"
	WorkerStatusRunning  WorkerStatus = "running"
	WorkerStatusIdle     WorkerStatus = "idle"
	WorkerStatusError    WorkerStatus = "error"
	WorkerStatusStopped  WorkerStatus = "stopped"
)

// Heartbeat is one periodic worker report. Counters are deltas since the
// previous report, not cumulative totals.
type Heartbeat struct {
	InstanceID        string       `json:"instance_id"`
	WorkerType        WorkerType   `json:"worker_type"`
	Status            WorkerStatus `json:"status"`
	MessagesProcessed int          `json:"messages_processed"`
	MessagesFailed    int          `json:"messages_failed"`
	LastError         string       `json:"last_error,omitempty"`
	Hostname          string       `json:"hostname"`
	PID               int          `json:"pid"`
	ReportedAt        time.Time    `json:"reported_at"`
}
