// Package dispatch implements the function tester behind the pyhesaff
// entry point.
//
// A Tester owns a registry of named functions, each a cobra command, and
// selects one from the process arguments. Both invocation shapes are
// accepted:
//
//	pyhesaff --tf <funcname> [args]
//	pyhesaff <funcname> [args]
//
// Functions whose names start with an ignored prefix or end with an ignored
// suffix are registered but cannot be run. Main always prints the
// "Running <pkg> main" banner before anything else is written to stdout.
package dispatch
