package migrations

import "embed"

// Migrations holds the session store schema, applied with golang-migrate.
//
//go:embed *.sql
var Migrations embed.FS
