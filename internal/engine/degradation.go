package engine

import (
	"fmt"
	"sync"
	"time"
)

// MaxConsecutiveFailures is the trip threshold for either API counter.
const MaxConsecutiveFailures = 3

// Names used in degradation reasons and the status view.
const (
	apiClaude = "Claude"
	apiGraph  = "Graph"
)

// DegradationState tracks consecutive failures of the two external APIs.
// Either counter reaching the threshold flips the engine into degraded
// mode; the next success of the API that caused it clears the mode
// immediately. Engine-scoped, single writer; reads may come from the
// status endpoint concurrently.
type DegradationState struct {
	mu             sync.RWMutex
	claudeFailures int
	graphFailures  int
	degraded       bool
	since          time.Time
	reason         string
	reasonAPI      string

	now func() time.Time
}

// DegradationSnapshot is a point-in-time copy for status reporting.
type DegradationSnapshot struct {
	IsDegraded     bool      `json:"is_degraded"`
	DegradedSince  time.Time `json:"degraded_since,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	ClaudeFailures int       `json:"claude_failures"`
	GraphFailures  int       `json:"graph_failures"`
}

// NewDegradationState creates a clean degradation tracker.
func NewDegradationState() *DegradationState {
	return &DegradationState{now: time.Now}
}

// RecordClaudeFailure counts one all-attempts-failed classification.
// Returns true when this failure tripped degraded mode.
func (d *DegradationState) RecordClaudeFailure() bool {
	return d.recordFailure(apiClaude)
}

// RecordClaudeSuccess resets the Claude counter and clears degraded mode
// when Claude was the cause.
func (d *DegradationState) RecordClaudeSuccess() {
	d.recordSuccess(apiClaude)
}

// RecordGraphFailure counts one mail fetch failure. Returns true when this
// failure tripped degraded mode.
func (d *DegradationState) RecordGraphFailure() bool {
	return d.recordFailure(apiGraph)
}

// RecordGraphSuccess resets the Graph counter and clears degraded mode
// when Graph was the cause.
func (d *DegradationState) RecordGraphSuccess() {
	d.recordSuccess(apiGraph)
}

func (d *DegradationState) recordFailure(api string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	counter := &d.claudeFailures
	if api == apiGraph {
		counter = &d.graphFailures
	}
	*counter++

	if *counter >= MaxConsecutiveFailures && !d.degraded {
		d.degraded = true
		d.since = d.now()
		d.reasonAPI = api
		d.reason = fmt.Sprintf("%s API: %d consecutive failures", api, *counter)
		return true
	}
	return false
}

func (d *DegradationState) recordSuccess(api string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if api == apiGraph {
		d.graphFailures = 0
	} else {
		d.claudeFailures = 0
	}

	if d.degraded && d.reasonAPI == api {
		d.degraded = false
		d.since = time.Time{}
		d.reason = ""
		d.reasonAPI = ""
	}
}

// IsDegraded reports whether degraded mode is active.
func (d *DegradationState) IsDegraded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.degraded
}

// DegradedByClaude reports whether the active degradation was caused by
// the LLM side. Only this kind suspends per-message LLM calls.
func (d *DegradationState) DegradedByClaude() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.degraded && d.reasonAPI == apiClaude
}

// Snapshot returns a copy for status reporting.
func (d *DegradationState) Snapshot() DegradationSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return DegradationSnapshot{
		IsDegraded:     d.degraded,
		DegradedSince:  d.since,
		Reason:         d.reason,
		ClaudeFailures: d.claudeFailures,
		GraphFailures:  d.graphFailures,
	}
}
