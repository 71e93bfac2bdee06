// ABOUTME: Registers the cgo mattn/go-sqlite3 driver as an alternative backend
// ABOUTME: Selected with database.driver: sqlite3 in builds with cgo enabled

//go:build cgo

package store

import (
	_ "github.com/mattn/go-sqlite3"
)
