// ABOUTME: Tests for SQLite-specific behaviour of the durable store
// ABOUTME: Covers file creation, reopen persistence, driver selection, and error classification

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/coven-postbox/internal/ident"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_UnknownDriver(t *testing.T) {
	_, err := NewSQLiteStore(filepath.Join(t.TempDir(), "x.db"), WithDriver("postgres"))
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestNewSQLiteStore_MattnDriver(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cgo.db"), WithDriver(DriverMattn))
	if err != nil {
		if strings.Contains(err.Error(), "CGO") || strings.Contains(err.Error(), "cgo") {
			t.Skip("mattn/go-sqlite3 needs cgo")
		}
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Rollback()

	c := newContact(KindPerson, "cgo")
	if err := tx.InsertContact(ctx, c); err != nil {
		t.Fatalf("InsertContact failed: %v", err)
	}
	if err := tx.InsertContact(ctx, c); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()
	conv := ident.NewID()
	data := []byte("attachment")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	for i := range 3 {
		m := &Message{ID: ident.NewID(), ConversationID: conv, AuthorID: ident.NewID(), CreatedAt: epoch.Add(time.Duration(i)), Content: []byte(fmt.Sprintf("m%d", i))}
		if err := tx.InsertMessage(ctx, m); err != nil {
			t.Fatalf("InsertMessage failed: %v", err)
		}
	}
	if _, _, err := tx.PutFile(ctx, &CachedFile{Digest: ident.Sum(data), Name: "a", Size: int64(len(data)), Data: data, CreatedAt: epoch}); err != nil {
		t.Fatalf("PutFile failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	tx, err = reopened.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Rollback()

	rows, err := tx.ListMessages(ctx, conv, Cursor{}, 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 messages after reopen, got %d", len(rows))
	}
	if string(rows[2].Content) != "m2" {
		t.Errorf("content mismatch: got %q", rows[2].Content)
	}
	f, err := tx.GetFile(ctx, ident.Sum(data))
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if f.RefCount != 1 {
		t.Errorf("expected refcount 1, got %d", f.RefCount)
	}
}

func TestSQLiteStore_SchemaVersion(t *testing.T) {
	store := setupTestStore(t)

	var version int
	if err := store.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("reading user_version: %v", err)
	}
	if version != schemaVersion {
		t.Errorf("user_version = %d, want %d", version, schemaVersion)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"busy", errors.New("database is locked (5) (SQLITE_BUSY)"), ErrBusy},
		{"closed", errors.New("sql: database is closed"), ErrUnavailable},
		{"disk", errors.New("disk I/O error"), ErrIO},
		{"not found passes through", ErrNotFound, ErrNotFound},
		{"canceled passes through", context.Canceled, context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("op", tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("classify(%v) = %v, want wrapping %v", tt.err, got, tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("classify(%v) lost the cause", tt.err)
			}
		})
	}
}

func TestIsConstraintViolation(t *testing.T) {
	if !isConstraintViolation(errors.New("UNIQUE constraint failed: contacts.id")) {
		t.Error("expected unique violation to match")
	}
	if isConstraintViolation(nil) {
		t.Error("nil is not a violation")
	}
	if isConstraintViolation(errors.New("no such table")) {
		t.Error("unrelated error matched")
	}
}
