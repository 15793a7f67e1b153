// Package reconcile applies task events to the local store.
//
// The merge rule is last-writer-wins on the server-assigned version: an
// authoritative record replaces the stored one only if its version is
// strictly higher, and an authoritative delete removes the task for good.
// Optimistic writes from the mutation gateway go through the same loop so
// the store only ever has one writer.
package reconcile
