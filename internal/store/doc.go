// Package store provides persistent storage for conversations using SQLite.
//
// # Data Models
//
//   - Conversation: an owned, titled sequence of messages
//   - Message: one immutable turn, sent by "user" or "assistant"
//
// A conversation's title is derived once, at creation, from the first
// message (see DeriveTitle). Messages come back in insertion order, taken
// from an autoincrement sequence rather than their timestamps.
//
// # Drivers
//
// SQLiteStore uses modernc.org/sqlite (driver "sqlite") by default. Builds
// with cgo also register github.com/mattn/go-sqlite3 (driver "sqlite3"),
// selected through OpenSQLiteStore.
//
// # Errors
//
// ErrNotFound reports a missing conversation. Every database failure is
// wrapped with ErrStorage so callers can classify it with errors.Is.
// The store does not check ownership.
//
// # Testing
//
// MockStore is an in-memory implementation with failure injection:
//
//	s := store.NewMockStore()
//	s.FailAppend = func(sender string) error {
//		if sender == store.SenderAssistant {
//			return errors.New("disk full")
//		}
//		return nil
//	}
package store
