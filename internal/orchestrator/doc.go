// Package orchestrator runs the constrained-pt producer over events.
//
// Responsibilities: select the reference points once per event, resolve
// every muon in input order, and emit index-aligned pt / ptErr sequences
// whose length always equals the muon count. RunEvents fans independent
// events out to a bounded worker pool while keeping results in input order.
package orchestrator
