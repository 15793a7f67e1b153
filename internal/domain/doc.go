// Package domain contains the kanban task model shared by every component of
// the synchronization engine: the versioned Task record, the inputs accepted
// by the mutation gateway and the error taxonomy surfaced to callers.
package domain
