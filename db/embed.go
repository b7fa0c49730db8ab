// Package db embeds the discount schema.
package db

import _ "embed"

// Schema creates the stores, discounts and discount_usages tables. Every
// statement is idempotent so it can run on each start.
//
//go:embed migrations/001_schema.sql
var Schema string
