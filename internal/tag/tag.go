//go:build !debug

// Package tag exposes the Debug constant, toggled by the "debug" build tag.
// Debug builds carry extra invariant checks and are not meant for
// production use.
package tag

const Debug = false
