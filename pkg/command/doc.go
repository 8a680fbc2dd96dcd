// Package command parses planner output into typed commands.
//
// The grammar is one JSON object with a "type" field:
//
//	{"type":"tool","provider":"gmail","tool":"gmail_send","payload":{"to":"a@b.c"}}
//	{"type":"sandbox","code":"...","label":"report"}
//	{"type":"search","query":"send email","detail_level":"full","limit":10}
//	{"type":"finish","summary":"done"}
//	{"type":"fail","reason":"no access"}
//
// Parsing is strict: anything that does not match is rejected.
package command
