package db

import (
	"database/sql"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/docpipe/errors"
)

// ErrDatabaseClosed is returned when operations run after the connection
// was closed during shutdown.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err means the connection is gone.
// The driver returns its own unwrapped error, hence the message check.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED, which clears
// once the competing writer commits.
func IsBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}
