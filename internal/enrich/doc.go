// Package enrich runs AI subtask generation for new tasks on a bounded worker
// pool. A finished generation is persisted through the gateway and then
// merged like any other authoritative event, so a completion that arrives
// after a newer version of the task is simply discarded. Failures never
// affect the task; they are published as *domain.EnrichmentError notices.
package enrich
