// Package types defines shared primitives used across the engine:
// the structured error taxonomy and YAML-friendly wrappers.
package types
