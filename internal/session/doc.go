// Package session ties one project board together. A Session owns the task
// store and reconciliation engine, the mutation gateway, the workspace push
// channel and the AI enrichment pipeline, and exposes the board operations a
// user interface needs.
//
// Push messages that name a task without carrying its record are treated as
// refresh hints. Hints are coalesced and answered with a Resync.
package session
