// Package sqlitedriver registers the pure-Go modernc.org/sqlite driver under
// the name "sqlite3" so the store and golang-migrate share one driver name.
//
// Import this package for its side effects only:
//
//	import _ "github.com/claude-mem/claude-mem/pkg/sqlitedriver"
package sqlitedriver

import (
	"database/sql"

	"modernc.org/sqlite"
)

func init() {
	sql.Register("sqlite3", &sqlite.Driver{})
}
