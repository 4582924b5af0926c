// Package internal documents the proposal indexer internals.
//
// The internal tree is organized by responsibility:
// - domain: proposal, author, repository and snapshot models with their store contracts
// - parser, ingest, crawler: reading documents out of repository history
// - identity, relocation, stats: passes over the stored history
// - storage: Postgres (squirrel + scany) and in-memory implementations
// - jobs: River workers and the periodic schedule
// - config, metrics, telemetry, sanitize, validation, sourcehost: shared infrastructure
//
// Code in internal/ is not meant for external import.
package internal
