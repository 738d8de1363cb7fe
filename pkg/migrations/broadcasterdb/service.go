// Package broadcasterdb holds all the migrations for the broadcaster database
package broadcasterdb

import (
	"github.com/uptrace/bun/migrate"
)

// Migrations is the collection of all migrations for the broadcaster database
var Migrations = migrate.NewMigrations()
