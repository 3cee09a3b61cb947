package db

import (
	"database/sql"

	"github.com/mattn/go-sqlite3"
)

// SQLiteDriverName is the custom driver name used for all store connections
const SQLiteDriverName = "sqlite3_tablecast"

func init() {
	// Register custom SQLite driver. The connect hook applies per-connection
	// settings that cannot ride on the DSN: a busy timeout so concurrent
	// readers tolerate the batch writer holding the write lock, and foreign
	// key enforcement for user-supplied table DDL.
	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			_, err := conn.Exec("PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON", nil)
			return err
		},
	})
}
