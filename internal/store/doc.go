// Package store holds the client's in-memory view of a project's tasks.
//
// TaskStore is written by exactly one component, the reconciliation engine.
// Everything else reads it through the Reader interface, which only ever
// hands out copies.
package store
