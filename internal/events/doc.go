// Package events defines the task change events that flow into the
// reconciliation engine and the fan-out used to observe them.
//
// The primary components are:
// - TaskEvent: one change (upsert, delete, speculative write or rollback)
// - Message: a decoded push notification, convertible into a TaskEvent
// - EventHandler / InMemoryEventEmitter: observers of applied events
// - Notifier: a non-blocking queue of background failures for the UI
package events
