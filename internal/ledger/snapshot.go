package ledger

import (
	"github.com/rs/xid"

	"github.com/sakif/expense-tracker/internal/model"
)

// Entry is an expense as the ledger presents it. ID is an ephemeral
// handle, valid only within the session that produced it.
type Entry struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Amount int64  `json:"amount"`
}

type BalanceStatus string

const (
	StatusOK        BalanceStatus = "ok"
	StatusLow       BalanceStatus = "low"       // under a fifth of the budget left
	StatusOverdrawn BalanceStatus = "overdrawn" // expenses exceed the budget
)

// Status classifies a balance against its budget. Low means
// balance*5 < budget, computed as balance <= (budget-1)/5 so budgets near
// the int64 limit cannot overflow.
func Status(balance, budget int64) BalanceStatus {
	switch {
	case balance < 0:
		return StatusOverdrawn
	case balance > 0 && budget > 0 && balance <= (budget-1)/5:
		return StatusLow
	default:
		return StatusOK
	}
}

// Snapshot is a point-in-time copy of the ledger with derived values.
type Snapshot struct {
	Loaded         bool          `json:"loaded"`
	Budget         int64         `json:"budget"`
	BudgetHistory  []int64       `json:"budgetHistory,omitempty"`
	Expenses       []Entry       `json:"expenses"`
	TotalExpenses  int64         `json:"totalExpenses"`
	Balance        int64         `json:"balance"`
	DisplayBalance int64         `json:"displayBalance"`
	Status         BalanceStatus `json:"status"`
	Version        int64         `json:"version"`

	// Err is the last NotFound or Sync error surfaced by Reconcile, nil once
	// a record arrives again.
	Err error `json:"-"`
}

// Snapshot copies the local mirror.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := totalOf(l.entries)
	balance := l.budget - total
	s := Snapshot{
		Loaded:         l.loaded,
		Budget:         l.budget,
		Expenses:       append([]Entry{}, l.entries...),
		TotalExpenses:  total,
		Balance:        balance,
		DisplayBalance: max(balance, 0),
		Status:         Status(balance, l.budget),
		Version:        l.version,
		Err:            l.err,
	}
	if l.history != nil {
		s.BudgetHistory = append([]int64{}, l.history...)
	}
	return s
}

// alignHandles gives each incoming expense a handle. When the length is
// unchanged, positions keep their handles, which covers in-place edits and
// repeated pushes. Otherwise the sequences are walked in order and an
// expense equal to the next unmatched old entry takes its handle, which
// covers appends and deletes. Anything else gets a fresh handle.
func alignHandles(old []Entry, expenses []model.Expense) []Entry {
	out := make([]Entry, len(expenses))

	if len(old) == len(expenses) {
		for i, e := range expenses {
			out[i] = Entry{ID: old[i].ID, Name: e.Name, Amount: e.Amount}
		}
		return out
	}

	j := 0
	for i, e := range expenses {
		id := ""
		for k := j; k < len(old); k++ {
			if old[k].Name == e.Name && old[k].Amount == e.Amount {
				id = old[k].ID
				j = k + 1
				break
			}
		}
		if id == "" {
			id = xid.New().String()
		}
		out[i] = Entry{ID: id, Name: e.Name, Amount: e.Amount}
	}
	return out
}
