package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/muonbs/internal/config"
	"github.com/banshee-data/muonbs/internal/constraint"
	"github.com/banshee-data/muonbs/internal/event"
	"github.com/banshee-data/muonbs/internal/monitoring"
	"github.com/banshee-data/muonbs/internal/policy"
	"github.com/banshee-data/muonbs/internal/refpoint"
)

var logf = monitoring.Prefixed("orchestrator")

// Result holds one event's outputs. Pt, PtErr and Resolutions are
// index-aligned with the event's muon collection.
type Result struct {
	Key         event.Key
	Pt          []float64
	PtErr       []float64
	Resolutions []policy.Resolution
	Selection   refpoint.Selection
}

// Orchestrator is safe for concurrent use as long as its Fitter is.
type Orchestrator struct {
	selector refpoint.Selector
	policy   *policy.Policy
	stats    *monitoring.FitStats
}

// New returns an Orchestrator. stats may be nil.
func New(selector refpoint.Selector, fitter policy.Fitter, stats *monitoring.FitStats) *Orchestrator {
	if stats == nil {
		stats = monitoring.NewFitStats()
	}
	return &Orchestrator{
		selector: selector,
		policy:   policy.New(fitter),
		stats:    stats,
	}
}

// NewFromConfig wires the production selector and Kalman constraint from cfg.
func NewFromConfig(cfg *config.ProducerConfig, stats *monitoring.FitStats) *Orchestrator {
	selector := refpoint.NewSelector(cfg.GetBeamWidthRelErrMax(), cfg.GetMinBeamWidth())
	service := constraint.NewKalmanConstraint(constraint.KalmanConfigFromProducer(cfg))
	return New(selector, constraint.NewAdapter(service), stats)
}

// Stats returns the counters the orchestrator updates.
func (o *Orchestrator) Stats() *monitoring.FitStats {
	return o.stats
}

// Run computes the constrained pt and ptErr sequences for one event's
// inputs. Both slices have len(muons) entries in muon order.
func (o *Orchestrator) Run(muons []event.Muon, bs event.BeamSpot, vertices []event.Vertex, scores []float64) (pt, ptErr []float64) {
	res := o.RunEvent(&event.Event{Muons: muons, BeamSpot: bs, Vertices: vertices, VertexScores: scores})
	return res.Pt, res.PtErr
}

// RunEvent processes one event.
func (o *Orchestrator) RunEvent(ev *event.Event) Result {
	if !ev.ScoresAligned() {
		logf("event %s: %d vertices but %d scores; unscored vertices are never selected",
			ev.Key, len(ev.Vertices), len(ev.VertexScores))
	}

	sel := o.selector.Select(ev.BeamSpot, ev.Vertices, ev.VertexScores)
	if !sel.BeamQualityOK {
		o.stats.BadBeamEvents.Add(1)
	}

	res := Result{
		Key:         ev.Key,
		Pt:          make([]float64, 0, len(ev.Muons)),
		PtErr:       make([]float64, 0, len(ev.Muons)),
		Resolutions: make([]policy.Resolution, 0, len(ev.Muons)),
		Selection:   sel,
	}
	for i := range ev.Muons {
		r := o.resolve(ev.Key, i, ev.Muons[i], sel)
		res.Pt = append(res.Pt, r.Pt)
		res.PtErr = append(res.PtErr, r.PtErr)
		res.Resolutions = append(res.Resolutions, r)
	}

	o.stats.Events.Add(1)
	o.stats.Muons.Add(int64(len(ev.Muons)))
	return res
}

// resolve applies the policy to one muon. A panicking Fitter yields the
// unconstrained values so the muon is never dropped.
func (o *Orchestrator) resolve(key event.Key, index int, m event.Muon, sel refpoint.Selection) (r policy.Resolution) {
	defer func() {
		if p := recover(); p != nil {
			logf("event %s muon %d: fit panicked: %v", key, index, p)
			r = policy.Resolution{Pt: m.Pt, PtErr: event.MissingValue, Source: policy.SourceFallback}
			if m.BestTrack != nil {
				r.PtErr = m.BestTrack.PtErr
			}
			o.stats.Fallbacks.Add(1)
			o.stats.RecordFailure(constraint.ErrPanic.Error())
		}
	}()

	r = o.policy.Resolve(m, sel)
	switch r.Source {
	case policy.SourceBeamSpot:
		o.stats.BeamSpotFits.Add(1)
	case policy.SourceVertex:
		o.stats.VertexFits.Add(1)
	default:
		o.stats.Fallbacks.Add(1)
		if r.Attempted {
			o.stats.RecordFailure(r.Attempt.Reason())
		}
	}
	return r
}

// RunEvents processes events concurrently with at most workers in flight
// (workers < 1 means 1). Results are returned in input order. Cancelling
// ctx stops scheduling further events and returns ctx.Err().
func (o *Orchestrator) RunEvents(ctx context.Context, events []event.Event, workers int) ([]Result, error) {
	if workers < 1 {
		workers = 1
	}
	results := make([]Result, len(events))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range events {
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = o.RunEvent(&events[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("run events: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run events: %w", err)
	}
	return results, nil
}
