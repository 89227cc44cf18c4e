// Package shared provides cross-cutting helpers with no home package.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import "strings"

// sqliteContentionMarkers are the substrings modernc.org/sqlite emits for
// lock contention. The driver surfaces these as text only, so classification
// is string matching.
var sqliteContentionMarkers = []string{
	"SQLITE_BUSY",
	"database is locked",
}

// IsSQLiteConflictError reports whether err is SQLite lock contention
// (SQLITE_BUSY or a locked database). Writes failing this way left no trace
// and warrant a retry.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range sqliteContentionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
