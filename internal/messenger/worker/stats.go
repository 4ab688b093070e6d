package worker

import (
	"sync/atomic"
	"time"
)

// State is the worker's lifecycle position. Transitions only move forward
// through stopped → starting → running → draining → stopped.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// ShutdownReason records why a worker left the running state.
type ShutdownReason string

const (
	ReasonNone    ShutdownReason = ""
	ReasonLimit   ShutdownReason = "limit"
	ReasonSignal  ShutdownReason = "signal"
	ReasonFailure ShutdownReason = "failure"
	ReasonError   ShutdownReason = "error"
	ReasonManual  ShutdownReason = "manual"
)

// Stats is a point-in-time snapshot of a worker's in-memory counters. The
// counters are process-local, reset on restart and never persisted.
type Stats struct {
	WorkerID            string         `json:"worker_id"`
	State               string         `json:"state"`
	Claimed             uint64         `json:"claimed"`
	Processed           uint64         `json:"processed"`
	Succeeded           uint64         `json:"succeeded"`
	Failed              uint64         `json:"failed"`
	DeadLettered        uint64         `json:"dead_lettered"`
	ConsecutiveFailures uint64         `json:"consecutive_failures"`
	TransportErrors     uint64         `json:"transport_errors"`
	Uptime              time.Duration  `json:"uptime"`
	ShutdownReason      ShutdownReason `json:"shutdown_reason,omitempty"`
	LastError           string         `json:"last_error,omitempty"`
}

// counters are incremented from handler goroutines and read from the loop
// and HTTP surface, so everything is atomic. Single-writer per counter on
// the hot path keeps this cheap.
type counters struct {
	claimed             atomic.Uint64
	processed           atomic.Uint64
	succeeded           atomic.Uint64
	failed              atomic.Uint64
	deadLettered        atomic.Uint64
	consecutiveFailures atomic.Uint64
	transportErrors     atomic.Uint64
}
