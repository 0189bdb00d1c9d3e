package capacity

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"settlement/internal/model"
	"settlement/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "capacity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(db) })
	return db
}

func reserveInTx(t *testing.T, db *gorm.DB, l *Ledger, id string, qty int64) (Result, error) {
	t.Helper()
	var result Result
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = l.Reserve(context.Background(), tx, id, qty)
		return err
	})
	return result, err
}

func TestReserveNoOversellUnderConcurrency(t *testing.T) {
	db := openTestDB(t)
	l := NewLedger()
	res, err := l.Create(context.Background(), db, "seat-A1", 1)
	require.NoError(t, err)

	const callers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []Result
	)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			r, err := reserveInTx(t, db, l, res.ID, 1)
			assert.NoError(t, err)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}()
	}
	wg.Wait()

	reserved, exhausted := 0, 0
	for _, r := range results {
		if r == Reserved {
			reserved++
		} else {
			exhausted++
		}
	}
	assert.Equal(t, 1, reserved)
	assert.Equal(t, 9, exhausted)

	av, err := l.Availability(context.Background(), db, res.ID)
	require.NoError(t, err)
	assert.Equal(t, Availability{ResourceID: res.ID, Total: 1, Reserved: 1, Remaining: 0}, av)
}

func TestReserveEdgeCases(t *testing.T) {
	db := openTestDB(t)
	l := NewLedger()
	ctx := context.Background()

	zero, err := l.Create(ctx, db, "closed", 0)
	require.NoError(t, err)
	r, err := reserveInTx(t, db, l, zero.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, Exhausted, r, "zero capacity always exhausted")

	r, err = reserveInTx(t, db, l, zero.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, Reserved, r, "zero quantity is a no-op")

	five, err := l.Create(ctx, db, "room", 5)
	require.NoError(t, err)
	r, err = reserveInTx(t, db, l, five.ID, 6)
	require.NoError(t, err)
	assert.Equal(t, Exhausted, r)
	r, err = reserveInTx(t, db, l, five.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, Reserved, r)

	_, err = reserveInTx(t, db, l, five.ID, -1)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = reserveInTx(t, db, l, "missing", 1)
	assert.ErrorIs(t, err, ErrResourceNotFound)
}

func TestReserveRolledBackWithTransaction(t *testing.T) {
	db := openTestDB(t)
	l := NewLedger()
	ctx := context.Background()
	res, err := l.Create(ctx, db, "room", 2)
	require.NoError(t, err)

	boom := errors.New("grant failed")
	err = db.Transaction(func(tx *gorm.DB) error {
		r, err := l.Reserve(ctx, tx, res.ID, 2)
		require.NoError(t, err)
		require.Equal(t, Reserved, r)
		return boom
	})
	require.ErrorIs(t, err, boom)

	av, err := l.Availability(ctx, db, res.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), av.Reserved)
	assert.Equal(t, int64(2), av.Remaining)
}

func TestReleaseClampsAtZero(t *testing.T) {
	db := openTestDB(t)
	l := NewLedger()
	ctx := context.Background()
	res, err := l.Create(ctx, db, "room", 3)
	require.NoError(t, err)

	_, err = reserveInTx(t, db, l, res.ID, 2)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, db, res.ID, 1))
	av, err := l.Availability(ctx, db, res.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), av.Reserved)

	require.NoError(t, l.Release(ctx, db, res.ID, 10))
	var stored model.CapacityResource
	require.NoError(t, db.First(&stored, "id = ?", res.ID).Error)
	assert.Equal(t, int64(0), stored.ReservedCount)

	require.NoError(t, l.Release(ctx, db, res.ID, 0))
	assert.ErrorIs(t, l.Release(ctx, db, "missing", 1), ErrResourceNotFound)
}

func TestCreateValidation(t *testing.T) {
	db := openTestDB(t)
	l := NewLedger()
	_, err := l.Create(context.Background(), db, " ", 1)
	assert.Error(t, err)
	_, err = l.Create(context.Background(), db, "x", -1)
	assert.Error(t, err)
}
