package migrations

import "embed"

// Files contains SQL migrations embedded into the binary.
//
// Files follow the golang-migrate naming convention (NNN_name.up.sql and
// NNN_name.down.sql) so they can be served through its iofs source.
//
//go:embed *.sql
var Files embed.FS
