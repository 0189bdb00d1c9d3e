package store

import (
	"path/filepath"
	"testing"

	"settlement/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMigratesAllTables(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "settlement.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	for _, m := range model.All() {
		assert.True(t, db.Migrator().HasTable(m), "missing table for %T", m)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}
