package tester

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"readsync/backend/internal/store"
)

// NewDB opens a migrated sqlite database private to the test.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := store.Open("sqlite", filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// NewStore is NewDB wrapped in the gorm-backed store.
func NewStore(t testing.TB) *store.GormStore {
	return store.NewGormStore(NewDB(t))
}

// SeedBook inserts a book row for ownerID.
func SeedBook(t testing.TB, db *gorm.DB, book *store.Book) *store.Book {
	t.Helper()
	require.NoError(t, db.Create(book).Error)
	return book
}
