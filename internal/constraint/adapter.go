package constraint

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/muonbs/internal/event"
	"github.com/banshee-data/muonbs/internal/refpoint"
)

var (
	ErrNilTrack            = errors.New("nil track")
	ErrDegenerateReference = errors.New("degenerate reference point")
	ErrSingular            = errors.New("singular innovation")
	ErrNotConverged        = errors.New("fit did not converge")
	ErrChi2                = errors.New("chi2 above limit")
	ErrPanic               = errors.New("fit service panicked")
	ErrInvalidResult       = errors.New("non-finite refit parameters")
)

// Service is a constrained single-track vertex fit.
type Service interface {
	Constrain(track *event.Track, ref refpoint.ReferencePoint) (Result, error)
}

// ServiceFunc adapts a plain function to Service.
type ServiceFunc func(track *event.Track, ref refpoint.ReferencePoint) (Result, error)

func (f ServiceFunc) Constrain(track *event.Track, ref refpoint.ReferencePoint) (Result, error) {
	return f(track, ref)
}

// Result is a successful refit as returned by a Service.
type Result struct {
	Track *event.Track
	Chi2  float64
}

// Outcome is the interpreted result of one fit attempt. Track is set only
// when OK is true; Err carries the reason otherwise.
type Outcome struct {
	OK    bool
	Track *event.Track
	Chi2  float64
	Err   error
}

// Failed returns a non-OK outcome carrying err.
func Failed(err error) Outcome {
	return Outcome{Err: err}
}

// Succeeded returns an OK outcome for a refit track.
func Succeeded(track *event.Track, chi2 float64) Outcome {
	return Outcome{OK: true, Track: track, Chi2: chi2}
}

// Reason returns a short label for a failed outcome, suitable as a counter
// key. OK outcomes return the empty string.
func (o Outcome) Reason() string {
	if o.OK {
		return ""
	}
	for _, known := range []error{
		ErrNilTrack, ErrDegenerateReference, ErrSingular,
		ErrNotConverged, ErrChi2, ErrPanic, ErrInvalidResult,
	} {
		if errors.Is(o.Err, known) {
			return known.Error()
		}
	}
	if o.Err == nil {
		return "unknown"
	}
	return "service error"
}

// Adapter wraps a Service behind the call used by the per-muon policy.
type Adapter struct {
	service Service
}

// NewAdapter returns an Adapter delegating to service.
func NewAdapter(service Service) *Adapter {
	return &Adapter{service: service}
}

// Fit attempts one constrained refit. It never panics and never retries.
func (a *Adapter) Fit(track *event.Track, ref refpoint.ReferencePoint) (out Outcome) {
	if track == nil {
		return Failed(ErrNilTrack)
	}
	if ref.Degenerate() {
		return Failed(ErrDegenerateReference)
	}

	defer func() {
		if r := recover(); r != nil {
			out = Failed(fmt.Errorf("%w: %v", ErrPanic, r))
		}
	}()

	res, err := a.service.Constrain(track, ref)
	if err != nil {
		return Failed(err)
	}
	if res.Track == nil || !res.Track.Valid() || math.IsNaN(res.Chi2) {
		return Failed(ErrInvalidResult)
	}
	return Succeeded(res.Track, res.Chi2)
}
