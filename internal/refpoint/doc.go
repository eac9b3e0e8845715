// Package refpoint chooses, once per event, the spatial points a muon track
// may be constrained to: the beam spot and the best-scored primary vertex.
//
// Key types: ReferencePoint, Selection, Selector.
//
// The vertex choice is a strict argmax over an index-aligned score sequence
// with a running maximum starting at zero. Equal later scores never replace
// an earlier maximum, and non-positive scores are never selected; when no
// vertex qualifies the vertex reference is the zero-valued ReferencePoint,
// which is degenerate and makes any fit against it fail.
package refpoint
