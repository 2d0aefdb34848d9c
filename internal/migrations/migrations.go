// Package migrations carries the relay mailbox schema. The schema is
// embedded so the binary needs no files on disk and the working directory
// never matters.
package migrations

import _ "embed"

//go:embed 001_initial_schema.sql
var initialSchema string

// InitialSchema returns the SQL that creates the queue and presence tables.
// Every statement is idempotent, so applying it to an existing database is
// safe.
func InitialSchema() string {
	return initialSchema
}
