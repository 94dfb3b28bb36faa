// Package migrations embeds the broker's schema migrations for goose.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
