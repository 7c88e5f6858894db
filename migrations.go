package dispatchq

import "embed"

// MigrationFiles contains the SQL migration files for the Relica snapshot
// store, embedded in the binary. Apply them with your preferred migration
// tool (goose, golang-migrate, atlas, ...) or execute them directly before
// using adapters/relica.
//
// Example with goose:
//
//	goose.SetBaseFS(dispatchq.MigrationFiles)
//	if err := goose.Up(db, "migrations"); err != nil {
//	    log.Fatal(err)
//	}
//
//go:embed migrations/*.sql
var MigrationFiles embed.FS
