// Package subprocess manages plugin processes as scoped resources.
//
// A Process wraps one long-running plugin container invocation: it wires
// stdin, stdout, and stderr pipes, delivers stdout line by line, drains
// stderr for diagnostics, and detects process exit on every path so the
// owning channel can reject its pending calls exactly once.
package subprocess
