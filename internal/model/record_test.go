package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTotalExpenses(t *testing.T) {
	tests := []struct {
		name     string
		expenses []Expense
		want     int64
	}{
		{name: "nil", expenses: nil, want: 0},
		{name: "empty", expenses: []Expense{}, want: 0},
		{name: "several", expenses: []Expense{{"a", 10}, {"b", 20}, {"c", 5}}, want: 35},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TotalExpenses(tt.expenses))
		})
	}
}

func TestNewUserRecord(t *testing.T) {
	r := NewUserRecord("u1", "ann@example.com", "Ann")

	assert.Equal(t, int64(0), r.Budget)
	assert.NotNil(t, r.Expenses)
	assert.Empty(t, r.Expenses)
	assert.Nil(t, r.BudgetHistory)
}

func TestClone_DoesNotAlias(t *testing.T) {
	r := &UserRecord{
		Budget:        100,
		BudgetHistory: []int64{50},
		Expenses:      []Expense{{"coffee", 20}},
	}
	c := r.Clone()
	c.Expenses[0].Amount = 99
	c.BudgetHistory[0] = 1

	assert.Equal(t, int64(20), r.Expenses[0].Amount)
	assert.Equal(t, int64(50), r.BudgetHistory[0])
}

func TestRecordPatch_Fields(t *testing.T) {
	budget := int64(10)
	expenses := []Expense{}

	assert.True(t, RecordPatch{}.Empty())
	assert.Equal(t, []string{"budget", "expenses"}, RecordPatch{Budget: &budget, Expenses: &expenses}.Fields())
}
