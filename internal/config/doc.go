// Package config handles configuration loading, parsing, and validation
// from various sources (environment variables, .env and config files). It
// provides type-safe access to the settings needed by the transport, push,
// enrichment and logging components while keeping configuration details
// separate from synchronization logic.
package config
