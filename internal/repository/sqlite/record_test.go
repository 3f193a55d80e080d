package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/expense-tracker/internal/apperror"
	"github.com/sakif/expense-tracker/internal/model"
)

func ptr[T any](v T) *T { return &v }

func TestWriteRecord_PartialBudget(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := createTestAccount(t, db, "ann@example.com", "Ann")

	expenses := []model.Expense{{Name: "coffee", Amount: 20}}
	require.NoError(t, db.WriteRecord(ctx, account.ID, model.RecordPatch{Expenses: &expenses}))

	require.NoError(t, db.WriteRecord(ctx, account.ID, model.RecordPatch{
		Budget:        ptr(int64(100)),
		BudgetHistory: ptr([]int64{0}),
	}))

	record, err := db.GetRecord(ctx, account.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(100), record.Budget)
	assert.Equal(t, []int64{0}, record.BudgetHistory)
	// The budget write must not have touched the expenses field.
	assert.Equal(t, expenses, record.Expenses)
	assert.Equal(t, int64(2), record.Version)
}

func TestWriteRecord_ExpensesPreserveOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := createTestAccount(t, db, "ann@example.com", "")

	expenses := []model.Expense{{Name: "rent", Amount: 500}, {Name: "lunch", Amount: 12}, {Name: "bus", Amount: 3}}
	require.NoError(t, db.WriteRecord(ctx, account.ID, model.RecordPatch{Expenses: &expenses}))

	record, err := db.GetRecord(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, expenses, record.Expenses)
}

func TestWriteRecord_LastWriteWinsWholeArray(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := createTestAccount(t, db, "ann@example.com", "")

	// Two sessions both started from [] and each appended their own item.
	fromA := []model.Expense{{Name: "a", Amount: 1}}
	fromB := []model.Expense{{Name: "b", Amount: 2}}
	require.NoError(t, db.WriteRecord(ctx, account.ID, model.RecordPatch{Expenses: &fromA}))
	require.NoError(t, db.WriteRecord(ctx, account.ID, model.RecordPatch{Expenses: &fromB}))

	record, err := db.GetRecord(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, fromB, record.Expenses, "second whole-array write replaces the first")
}

func TestWriteRecord_MissingRecord(t *testing.T) {
	db := newTestDB(t)

	err := db.WriteRecord(context.Background(), "ghost", model.RecordPatch{Budget: ptr(int64(1))})
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Fatalf("WriteRecord() error = %v, want ErrNotFound", err)
	}
}

func TestWriteRecord_NegativeBudgetRejected(t *testing.T) {
	db := newTestDB(t)
	account := createTestAccount(t, db, "ann@example.com", "")

	err := db.WriteRecord(context.Background(), account.ID, model.RecordPatch{Budget: ptr(int64(-1))})
	if !errors.Is(err, apperror.ErrWrite) {
		t.Fatalf("WriteRecord() error = %v, want ErrWrite from CHECK constraint", err)
	}
}

func TestWriteRecord_EmptyPatchIsNoop(t *testing.T) {
	db := newTestDB(t)
	account := createTestAccount(t, db, "ann@example.com", "")

	require.NoError(t, db.WriteRecord(context.Background(), account.ID, model.RecordPatch{}))

	record, err := db.GetRecord(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), record.Version)
}

func TestGetRecord_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetRecord(context.Background(), "ghost")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}
