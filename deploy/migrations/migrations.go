// Package migrations embeds the SQL schema applied by the MySQL journal
// store on startup. Files run in lexical order; each must be idempotent.
package migrations

import "embed"

// Files exposes all SQL migration files.
//
//go:embed *.sql
var Files embed.FS
