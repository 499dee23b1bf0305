package policy

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTable_UnsetReadsZero(t *testing.T) {
	tbl := NewMemoryTable()
	v, err := tbl.Get(context.Background(), "1:0:0", 5)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestMemoryTable_ConcurrentSet(t *testing.T) {
	ctx := context.Background()
	tbl := NewMemoryTable()

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(action int) {
			defer wg.Done()
			_ = tbl.Set(ctx, "2:1:0", action, float64(action))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, tbl.Len())
	v, _ := tbl.Get(ctx, "2:1:0", 7)
	assert.Equal(t, 7.0, v)
}

func TestSQLiteTable_FlushSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "policy.db")

	tbl, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, tbl.Set(ctx, "3:2:1", 6, 1.5))
	require.NoError(t, tbl.Set(ctx, "3:2:1", 7, -0.5))
	require.NoError(t, tbl.Flush(ctx))
	require.NoError(t, tbl.Set(ctx, "3:2:1", 8, 9.9)) // never flushed
	require.NoError(t, tbl.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.Len())
	v, err := reopened.Get(ctx, "3:2:1", 6)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	v, err = reopened.Get(ctx, "3:2:1", 8)
	require.NoError(t, err)
	assert.Zero(t, v, "unflushed values are not durable")
}

func TestSQLiteTable_FlushOverwrites(t *testing.T) {
	ctx := context.Background()
	tbl, err := OpenSQLite(filepath.Join(t.TempDir(), "policy.db"))
	require.NoError(t, err)
	defer tbl.Close()

	require.NoError(t, tbl.Set(ctx, "1:0:0", 4, 1))
	require.NoError(t, tbl.Flush(ctx))
	require.NoError(t, tbl.Set(ctx, "1:0:0", 4, 2))
	require.NoError(t, tbl.Flush(ctx))
	require.NoError(t, tbl.Flush(ctx)) // nothing dirty

	var stored float64
	require.NoError(t, tbl.db.QueryRow(
		`SELECT value FROM policy_values WHERE state = ? AND action = ?`, "1:0:0", 4).Scan(&stored))
	assert.Equal(t, 2.0, stored)
}
