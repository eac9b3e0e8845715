// Package event holds the read-only, single-event data model consumed by
// the constrained-pt producer: muons with their best tracks, the beam spot,
// and the primary vertex collection with its parallel score sequence.
//
// Nothing in this package is mutated after construction. Values are shared
// freely between the selector, the per-muon policy and the fit service.
package event
