// Package discovery finds the tools a run may use.
//
// A Discovery service wraps the external Registry and is shared by every
// run in the process. Each run owns an Index: the deduplicated, capped menu
// of discovered tools plus the set of every tool ever discovered, which is
// what action validation consults.
//
// Invariants:
//   - QualifiedID (provider + "." + tool) is the dedup key; the higher score
//     replaces the earlier entry in place, keeping first-insertion order.
//   - Search failures are logged and produce an empty result, never an error.
//   - Initial discovery re-runs only when the registry version changed.
//
// Usage:
//
//	d := discovery.New(discovery.Config{Registry: catalog, Logger: log})
//	idx := discovery.NewIndex(discovery.DefaultMenuSize)
//	d.InitialDiscovery(ctx, run)
//	d.RefinedDiscovery(ctx, run, "send email", discovery.DetailFull, 10)
package discovery
