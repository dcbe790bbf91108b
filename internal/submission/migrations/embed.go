// Package migrations embeds the document-store schema for goose.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
