// Package llm turns planner state into a prompt and asks a language model for the next command.
//
// Adapters return raw text; parsing is left to package command. Token usage is
// converted to USD with the per-million-token prices in Config so the planner
// can charge it against the run's budget.
//
// Usage:
//
//	adapter, _ := llm.New(llm.DefaultConfig())
//	resp, _ := adapter.GeneratePlan(ctx, llm.PromptState{Task: "archive old invoices"})
//	_ = resp.Text
package llm
