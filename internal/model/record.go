// Package model defines the data structures used throughout the application.
package model

import "time"

// Expense is one entry in a user's ledger. It has no identity of its own in
// the store: the JSON shape persisted is exactly {"name", "amount"}.
type Expense struct {
	Name   string `json:"name"`
	Amount int64  `json:"amount"`
}

// UserRecord is the single document stored per user.
//
// BudgetHistory is nil when the record has never tracked history; an empty
// non-nil slice and nil are treated the same by the ledger.
type UserRecord struct {
	UserID        string    `json:"-"`
	Email         string    `json:"email"`
	Name          string    `json:"name,omitempty"`
	Budget        int64     `json:"budget"`
	BudgetHistory []int64   `json:"budgetHistory,omitempty"`
	Expenses      []Expense `json:"expenses"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NewUserRecord returns the record created at signup: zero budget and no
// expenses.
func NewUserRecord(userID, email, name string) *UserRecord {
	return &UserRecord{
		UserID:   userID,
		Email:    email,
		Name:     name,
		Budget:   0,
		Expenses: []Expense{},
	}
}

// TotalExpenses sums the amounts of every expense.
func TotalExpenses(expenses []Expense) int64 {
	var total int64
	for _, e := range expenses {
		total += e.Amount
	}
	return total
}

// Clone returns a deep copy so callers can't alias the store's slices.
func (r *UserRecord) Clone() *UserRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.BudgetHistory != nil {
		c.BudgetHistory = append([]int64(nil), r.BudgetHistory...)
	}
	c.Expenses = append([]Expense{}, r.Expenses...)
	return &c
}

// RecordPatch is a partial write: only non-nil fields are replaced.
//
// Expenses is always written as a whole array. There is no element-level
// append or remove, so concurrent writers resolve as last-write-wins on the
// full sequence.
type RecordPatch struct {
	Budget        *int64
	BudgetHistory *[]int64
	Expenses      *[]Expense
}

// Empty reports whether the patch would change nothing.
func (p RecordPatch) Empty() bool {
	return p.Budget == nil && p.BudgetHistory == nil && p.Expenses == nil
}

// Fields lists the record fields the patch touches, for logging.
func (p RecordPatch) Fields() []string {
	var fields []string
	if p.Budget != nil {
		fields = append(fields, "budget")
	}
	if p.BudgetHistory != nil {
		fields = append(fields, "budgetHistory")
	}
	if p.Expenses != nil {
		fields = append(fields, "expenses")
	}
	return fields
}
