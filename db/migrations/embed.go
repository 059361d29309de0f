// Package migrations embeds the goose SQL migration files so the server
// binary carries its own schema and needs no external migration tool.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
