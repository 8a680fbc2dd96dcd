// Package sandbox runs generated Starlark scripts in an isolated child process.
//
// A script reaches external capabilities only through modules loaded as
// load("//capabilities/<provider>", "<provider>"). Before anything runs,
// Analyze parses the script and rejects loads outside that tree and any
// module or function the run never discovered. A loaded module may only be
// used to call its functions; passing it around as a value is rejected too.
// The script body is then
// wrapped in a driver function, written to a fresh working directory
// together with one generated module per provider, and executed by
// re-running the current binary in ChildCommand mode under a hard timeout.
//
// The child prints log lines, then the sentinel from its environment,
// then the JSON-encoded script result. Capability calls travel to the
// parent over a pipe pair (child fds 3 and 4) and are served by the
// request's Bridge.
//
// Binaries embedding the executor must dispatch ChildCommand to RunChild
// before any other start-up work:
//
//	if len(os.Args) > 1 && os.Args[1] == sandbox.ChildCommand {
//		os.Exit(sandbox.RunChild(os.Args[2:]))
//	}
package sandbox
