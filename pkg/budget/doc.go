// Package budget holds the per-run ceilings and the counters checked against them.
//
// Invariants:
// - A Budget is never mutated after a run starts.
// - Tracker counters only grow within a run.
// - Exceeded reports the first breached ceiling in a fixed order: steps, tool calls, code runs, LLM cost.
//
// Usage:
//
//	tracker := budget.NewTracker(budget.Default())
//	tracker.RecordStep()
//	if reason, ok := tracker.Exceeded(); ok {
//		_ = reason
//	}
package budget
