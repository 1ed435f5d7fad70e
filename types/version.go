// Package types holds values shared by every isolate binary.
package types //nolint:revive // types is a valid package name

// Version is the canonical project version. The parent and the worker are
// the same binary, so they always agree on it.
const Version = "0.1.0"
