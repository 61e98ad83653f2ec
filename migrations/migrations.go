// Package migrations embeds the schema migrations for every supported
// database driver, one directory per driver.
package migrations

import "embed"

//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
