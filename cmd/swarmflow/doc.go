/*
Package main provides the swarmflow command line entry point.

cmd/swarmflow executes workflow definitions written in YAML against the
embedded execution engine. It ships a small set of built-in demo agents
(echo, shell, text) so dependency graphs, conditions, retries, fallbacks and
timeouts can be exercised without writing any Go.

Subcommands:

  - run       execute one or more workflow files, optionally exposing
    Prometheus metrics on a separate address
  - validate  parse and validate workflow files without running them
  - version   show version information injected at build time via ldflags

Exit codes: 0 on success, 1 for usage errors, 2 for validation failures,
3 when a workflow fails or is cancelled, 4 for resource exhaustion.
*/
package main
