// Package envconfig resolves the orchestrator's and mutator's environment
// variable knobs (LIB_* and MUT_*) with a consistent precedence: an
// explicitly set environment variable wins, an unset or unparsable one
// falls back to the caller-supplied default.
package envconfig

import (
	"os"
	"strconv"
	"strings"
)

// Uint64 resolves an environment variable as an unsigned integer, falling
// back to def if unset, empty, or unparsable.
func Uint64(name string, def uint64) uint64 {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Int resolves an environment variable as a signed integer, falling back
// to def if unset, empty, or unparsable.
func Int(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Bool resolves an environment variable as a boolean flag: any of
// "1"/"true"/"yes"/"on" (case-insensitive) is true, any of
// "0"/"false"/"no"/"off" is false. Unset, empty or any other value resolves
// to def.
func Bool(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// String resolves a raw string environment variable, falling back to def
// if unset.
func String(name, def string) string {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def
	}
	return v
}

// LogDest is a resolved logging destination: stdout, stderr, or a file
// path, per the LIB_LOG/MUT_LOG convention ("1" -> stdout, "2" -> stderr,
// any other non-empty value -> that path, unset/empty -> Disabled).
type LogDest struct {
	Stdout   bool
	Stderr   bool
	FilePath string
	Disabled bool
}

// ResolveLogDest parses the value of the named environment variable into a
// LogDest.
func ResolveLogDest(name string) LogDest {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return LogDest{Disabled: true}
	}
	switch v {
	case "1":
		return LogDest{Stdout: true}
	case "2":
		return LogDest{Stderr: true}
	default:
		return LogDest{FilePath: v}
	}
}
