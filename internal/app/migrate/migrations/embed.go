// Package migrations embeds the goose SQL files applied by the migrate runner.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
