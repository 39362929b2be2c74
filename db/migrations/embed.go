// Package dbmigrations exposes embedded SQL migrations for optiondesk binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into optiondesk binaries.
//
//go:embed *.sql
var Files embed.FS
