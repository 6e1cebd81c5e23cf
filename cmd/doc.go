// Package cmd implements the command-line interface of the dLock broker.
// It provides a hierarchical command structure with operations for running
// the broker and interacting with it as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts and configures the broker
//   - lock: One-shot lock operations (acquire, release, macquire, mrelease)
//   - perf: Parallel lock benchmarks against a running broker
//   - util: Shared utilities for flags, env files and client setup (internal use)
//
// Every flag can also be set as environment variable with the DLOCK_ prefix,
// dashes become underscores (--redis-addr is DLOCK_REDIS_ADDR). Variables are
// also read from .env and .env.local in the working directory.
//
// See dlock -help for a list of all commands.
package cmd
