// Package api serves a read-only HTTP view of a synchronized board: the
// grouped snapshot, single tasks and session health. It never mutates the
// board; all writes go through the session.
package api
