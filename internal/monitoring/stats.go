package monitoring

import (
	"sync"
	"sync/atomic"
)

// FitStats accumulates producer counters across events. All methods are
// safe for concurrent use by the per-event workers.
type FitStats struct {
	Events        atomic.Int64
	Muons         atomic.Int64
	BeamSpotFits  atomic.Int64 // muons resolved by the beam-spot constraint
	VertexFits    atomic.Int64 // muons resolved by the vertex constraint
	Fallbacks     atomic.Int64 // muons that kept their unconstrained values
	BadBeamEvents atomic.Int64 // events whose beam spot failed the quality gate

	mu       sync.Mutex
	failures map[string]int64
}

// NewFitStats returns an empty counter set.
func NewFitStats() *FitStats {
	return &FitStats{failures: make(map[string]int64)}
}

// RecordFailure counts one failed fit attempt under reason.
func (s *FitStats) RecordFailure(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures == nil {
		s.failures = make(map[string]int64)
	}
	s.failures[reason]++
}

// Failures returns a copy of the failure counts keyed by reason.
func (s *FitStats) Failures() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.failures))
	for k, v := range s.failures {
		out[k] = v
	}
	return out
}

// Log writes a one-line summary followed by one line per failure reason.
func (s *FitStats) Log() {
	Logf("fit summary: events=%d muons=%d beamspot=%d vertex=%d fallback=%d bad_beam_events=%d",
		s.Events.Load(), s.Muons.Load(), s.BeamSpotFits.Load(), s.VertexFits.Load(),
		s.Fallbacks.Load(), s.BadBeamEvents.Load())
	for reason, n := range s.Failures() {
		Logf("fit failures: reason=%q count=%d", reason, n)
	}
}
