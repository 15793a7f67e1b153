// Package taskapi is the REST transport to the task server: list, create,
// update and delete tasks, plus the server-side subtask generation endpoint.
// All calls share one circuit breaker so a failing server is not hammered
// while the push channel is already reporting trouble.
package taskapi
