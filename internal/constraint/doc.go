// Package constraint refits a single track under the constraint that it
// originates from a reference point.
//
// Adapter is the stable call used by the per-muon policy: it delegates to
// a Service, and turns every kind of failure (errors, degenerate inputs,
// panics, non-finite results) into an Outcome with OK=false. It never
// retries.
//
// KalmanConstraint is the production Service: an iterated extended Kalman
// update of the transverse track parameters (q/pt, phi, dxy) with the
// impact parameter relative to the reference point as the measurement.
package constraint
