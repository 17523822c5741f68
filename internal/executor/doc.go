// Package executor runs a pipeline: an ordered list of steps where each
// step must succeed before the next one starts.
//
// The Engine owns the fail-fast rule and the run record. The work itself
// is delegated through small interfaces so the same engine drives both
// execution modes:
//   - Runner executes exec steps (HostRunner here, a container runner in
//     the docker package)
//   - Cloner handles clone steps (source.Manager)
//   - Stager handles copy steps (stage.Stager)
//
// Exec steps that declare a report must leave a well-formed xUnit file
// behind; the engine verifies it with the report package.
package executor
