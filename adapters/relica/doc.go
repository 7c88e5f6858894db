// Package relica provides a SQL-backed snapshot store for dispatchq using
// the Relica query builder.
//
// It supports MySQL, PostgreSQL and SQLite through database/sql drivers and
// stores one row per queue plus one row of global counters, replacing the
// persisted set wholesale on every save. Apply the embedded migrations
// (dispatchq.MigrationFiles) before first use.
package relica
