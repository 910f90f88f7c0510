// Package sqlite persists audit records and session snapshots in a
// modernc.org/sqlite database whose schema is managed by goose migrations.
package sqlite
