// Package planner runs the discovery-first planning loop.
//
// A Runtime asks an LLM adapter for one JSON command per iteration and
// dispatches it: tool calls go through the toolexecutor invoker, scripts
// through the sandbox, searches through discovery. Every run gets its own
// RunContext holding the budget tracker, tool index, step log and raw
// outputs, so one Runtime can serve many identities at once.
//
// The planner only ever sees summaries of large outputs. Full outputs stay
// in TaskResult.RawOutputs keyed by "tool.<provider>.<tool>" or
// "sandbox.<label>", with a "#n" suffix on repeats.
package planner
