package store

import (
	// Both SQLite drivers are registered; storage.driver picks one.
	_ "github.com/mattn/go-sqlite3" // "sqlite3", cgo
	_ "modernc.org/sqlite"          // "sqlite", pure Go
)

// DefaultDriver is the pure Go driver, usable without cgo.
const DefaultDriver = "sqlite"
