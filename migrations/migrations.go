// Package migrations carries the schema files compiled into the binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
