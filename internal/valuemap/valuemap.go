// Package valuemap packages per-muon producer outputs into maps keyed by
// muon identity: the event key plus the muon's index in its collection.
package valuemap

import (
	"errors"
	"fmt"
	"sort"

	"github.com/banshee-data/muonbs/internal/event"
)

// Product labels of the constrained-pt producer.
const (
	LabelPt    = "muonBSConstrainedPt"
	LabelPtErr = "muonBSConstrainedPtErr"
)

var (
	ErrDuplicateEvent = errors.New("values already inserted for event")
	ErrLengthMismatch = errors.New("value sequences differ in length")
)

// Key identifies one muon.
type Key struct {
	Event event.Key
	Index int
}

// ValueMap associates one float per muon with the muon's identity.
type ValueMap struct {
	Label  string
	values map[event.Key][]float64
	count  int
}

// New returns an empty map for label.
func New(label string) *ValueMap {
	return &ValueMap{Label: label, values: make(map[event.Key][]float64)}
}

// Insert stores values for every muon of ev, in collection order. An event
// can be inserted once.
func (m *ValueMap) Insert(ev event.Key, values []float64) error {
	if _, ok := m.values[ev]; ok {
		return fmt.Errorf("%s: %w %s", m.Label, ErrDuplicateEvent, ev)
	}
	cp := make([]float64, len(values))
	copy(cp, values)
	m.values[ev] = cp
	m.count += len(cp)
	return nil
}

// Has reports whether values were inserted for ev.
func (m *ValueMap) Has(ev event.Key) bool {
	_, ok := m.values[ev]
	return ok
}

// Get returns the value stored for k.
func (m *ValueMap) Get(k Key) (float64, bool) {
	vs, ok := m.values[k.Event]
	if !ok || k.Index < 0 || k.Index >= len(vs) {
		return 0, false
	}
	return vs[k.Index], true
}

// Values returns the values for ev in muon order, or nil.
func (m *ValueMap) Values(ev event.Key) []float64 {
	return m.values[ev]
}

// Len returns the number of muons stored across all events.
func (m *ValueMap) Len() int {
	return m.count
}

// Events returns the stored event keys in (run, lumi, event) order.
func (m *ValueMap) Events() []event.Key {
	keys := make([]event.Key, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Run != b.Run {
			return a.Run < b.Run
		}
		if a.Lumi != b.Lumi {
			return a.Lumi < b.Lumi
		}
		return a.Number < b.Number
	})
	return keys
}

// Products holds the two producer outputs.
type Products struct {
	Pt    *ValueMap
	PtErr *ValueMap
}

// NewProducts returns empty pt and ptErr maps.
func NewProducts() Products {
	return Products{Pt: New(LabelPt), PtErr: New(LabelPtErr)}
}

// Fill inserts one event's index-aligned pt and ptErr sequences.
func (p Products) Fill(ev event.Key, pt, ptErr []float64) error {
	if len(pt) != len(ptErr) {
		return fmt.Errorf("event %s: %w (%d vs %d)", ev, ErrLengthMismatch, len(pt), len(ptErr))
	}
	// Check both maps first so a rejected event leaves neither modified.
	for _, m := range []*ValueMap{p.Pt, p.PtErr} {
		if m.Has(ev) {
			return fmt.Errorf("%s: %w %s", m.Label, ErrDuplicateEvent, ev)
		}
	}
	if err := p.Pt.Insert(ev, pt); err != nil {
		return err
	}
	return p.PtErr.Insert(ev, ptErr)
}
