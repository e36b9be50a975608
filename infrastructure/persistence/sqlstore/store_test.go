package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mindmap-history/application/ports"
	"mindmap-history/infrastructure/persistence/storetest"
)

func openTestStore(t *testing.T) *HistoryStore {
	t.Helper()
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewHistoryStore(db, SQLite, zap.NewNop())
}

func TestHistoryStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ports.HistoryStore {
		return openTestStore(t)
	})
}

func TestApplyMigrations_IsIdempotent(t *testing.T) {
	// Arrange
	store := openTestStore(t)

	// Act
	err := ApplyMigrations(context.Background(), store.DB(), SQLite)

	// Assert
	require.NoError(t, err)
	var applied int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, 1, applied)
}

func TestDialect_Rebind(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		query   string
		want    string
	}{
		{"postgres numbers placeholders", Postgres, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"sqlite keeps question marks", SQLite, "SELECT * FROM t WHERE a = ?", "SELECT * FROM t WHERE a = ?"},
		{"no placeholders", Postgres, "SELECT 1", "SELECT 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.dialect.Rebind(tt.query))
		})
	}
}

func TestDialect_ForUpdate(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		want    string
	}{
		{"postgres locks the row", Postgres, "SELECT 1 FROM current_pointer FOR UPDATE"},
		{"sqlite relies on its single writer", SQLite, "SELECT 1 FROM current_pointer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.dialect.ForUpdate("SELECT 1 FROM current_pointer"))
		})
	}
}
