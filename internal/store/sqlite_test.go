// ABOUTME: Tests for SQLite store lifecycle
// ABOUTME: Covers file creation, nested directories, and data surviving a reopen

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
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

func TestNewSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateOrganization(ctx, &Organization{ID: "org-1", Name: "Acme"}); err != nil {
		t.Fatalf("CreateOrganization failed: %v", err)
	}
	if _, err := store.GetOrganization(ctx, "org-1"); err != nil {
		t.Errorf("GetOrganization failed: %v", err)
	}
}

func TestSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relay.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := first.CreateOrganization(ctx, &Organization{ID: "org-1", Name: "Acme"}); err != nil {
		t.Fatalf("CreateOrganization failed: %v", err)
	}
	v, err := first.UpsertVisitor(ctx, "org-1", "v_abc")
	if err != nil {
		t.Fatalf("UpsertVisitor failed: %v", err)
	}
	conv := &Conversation{ID: "conv-1", OrgID: "org-1", VisitorID: v.ID, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := first.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	first.Close()

	second, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopening store failed: %v", err)
	}
	defer second.Close()

	got, err := second.GetOpenConversation(ctx, "org-1", v.ID)
	if err != nil {
		t.Fatalf("GetOpenConversation after reopen failed: %v", err)
	}
	if got.ID != "conv-1" {
		t.Errorf("ID mismatch: got %q, want %q", got.ID, "conv-1")
	}
}
