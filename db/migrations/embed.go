// Package dbmigrations exposes embedded SQL migrations for eventfold binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into eventfold binaries.
//
//go:embed *.sql
var Files embed.FS
