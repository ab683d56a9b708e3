// Package store provides the storage backends behind the postbox.
//
// # Architecture
//
// Every consumer (contact directory, message store, file cache) talks to a
// single Backend interface. All reads and writes happen inside a Tx, which
// either commits as a whole or leaves no trace:
//
//	tx, err := backend.Begin(ctx)
//	if err != nil {
//		return err
//	}
//	defer tx.Rollback()
//	// ... reads and writes ...
//	return tx.Commit()
//
// Two implementations exist:
//
//   - MemoryStore: volatile, process-local. A Tx holds the store mutex and
//     undoes its changes on Rollback.
//   - SQLiteStore: durable, on a single SQLite connection. Uses
//     modernc.org/sqlite by default, or mattn/go-sqlite3 via WithDriver.
//
// # Data Layout
//
// Messages live in one table per conversation, named by MessageTable. The
// message_index table maps message ids back to their table so single-message
// lookups do not need the conversation id. RemoveMatching drops tables by glob
// pattern (AllMessageTables covers every conversation) and deletes the
// delivery records of the removed messages in the same transaction.
//
// Ids are stored as 16-byte blobs, timestamps as UTC unix nanoseconds, and
// enums as small integers.
//
// # Error Handling
//
//   - ErrNotFound: requested row does not exist
//   - ErrDuplicateID: primary key already taken
//   - ErrUnavailable: backend closed
//   - ErrBusy: SQLite lock not obtained within the busy timeout
//   - ErrIO: any other medium failure
//
// Driver errors are wrapped so that errors.Is matches both the sentinel and
// the underlying cause.
package store
