// Package migrations embeds the goose SQL migrations for both storage
// engines. The fact store and entity store are separate SQLite databases,
// each migrated from its own subdirectory.
package migrations

import "embed"

//go:embed fact/*.sql entity/*.sql
var FS embed.FS

// Migration directories within FS, passed to goose as the working directory.
const (
	FactDir   = "fact"
	EntityDir = "entity"
)
