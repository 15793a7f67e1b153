// Package generation is the boundary between the synchronization engine and
// AI services that propose subtasks for a task. It defines the Generator
// interface, the prompt the services are given and the parser for their
// free-text answers. Concrete generators live under internal/platform.
package generation
