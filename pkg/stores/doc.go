// Package stores provides the persistence layer for the workflow core: an
// SQLite-backed Store holding content units, their append-only transition
// history, immutable analysis results, and publish attempts. Schema changes
// ship as embedded migrations run through golang-migrate.
package stores
