// Package migrations carries the SQL schema compiled into the binary.
package migrations

import "embed"

// FS holds every NNN_description.sql file in version order by name.
//
//go:embed *.sql
var FS embed.FS
