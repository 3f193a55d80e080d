// Package ledger holds one user's budget and expenses for the duration of a
// session and enforces the rules for changing them.
//
// DATA FLOW:
// The ledger never updates its own state after a write. Every change goes
// to the document store first; the local mirror is replaced only when the
// store's change feed pushes the authoritative record back:
//
//	AddExpense → validate against mirror → RecordStore.WriteRecord
//	                                              │
//	           Ledger.Run ← feed.Subscription ←───┘ (push)
//	               │
//	           Reconcile → mirror replaced → Watch() listeners woken
//
// CONSISTENCY MODEL:
// Two sessions writing the same record race at whole-array granularity: the
// last write of the expense list wins, and no version is sent with a write.
// Budget checks use the mirror, so they are only as fresh as the last push.
// To keep one session's back-to-back requests honest, each write waits
// (bounded by Options.ConfirmTimeout) for its own push before returning.
//
// HANDLES:
// Stored expenses have no ids. Each mirrored entry gets an xid handle that
// lives only in memory; Reconcile carries handles across pushes by aligning
// the new sequence with the old one, so a client holding a handle keeps
// pointing at the same expense while other entries come and go.
//
// CONCURRENCY:
// Reconcile only runs from the Run goroutine. Operations run on request
// goroutines and take three locks with distinct jobs:
//   - mu guards the mirror (read by Snapshot and the budget checks)
//   - flightMu guards the per-kind in-flight flags ("budget update",
//     "expense update"); a second call of a busy kind is a Conflict
//   - writeMu orders writes so they reach the store in invocation order
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sakif/expense-tracker/internal/apperror"
	"github.com/sakif/expense-tracker/internal/feed"
	"github.com/sakif/expense-tracker/internal/model"
	"github.com/sakif/expense-tracker/internal/repository"
)

// Operation kinds guarded against concurrent use.
const (
	opBudget  = "budget update"
	opExpense = "expense update"
)

var errNotLoaded = errors.New("no snapshot received yet")

// Options tunes behavior that differed between versions of the product.
type Options struct {
	// TrackBudgetHistory appends the previous budget to budgetHistory on
	// every accepted SetBudget.
	TrackBudgetHistory bool

	// StrictHandles makes edit and delete on an unknown handle fail with
	// NotFound. When false they write the unchanged sequence and succeed.
	StrictHandles bool

	// ConfirmTimeout bounds how long a successful write waits for the
	// store's push before returning. Zero disables the wait.
	ConfirmTimeout time.Duration
}

// DefaultOptions is what the server uses unless configured otherwise:
// budget history on, strict handles, and a two second confirm wait.
func DefaultOptions() Options {
	return Options{
		TrackBudgetHistory: true,
		StrictHandles:      true,
		ConfirmTimeout:     2 * time.Second,
	}
}

// Ledger is the in-memory mirror of one user's record.
type Ledger struct {
	userID string
	store  repository.RecordStore
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	loaded   bool
	budget   int64
	history  []int64
	entries  []Entry
	version  int64
	err      error         // last surfaced NotFound or Sync error
	changed  chan struct{} // closed and replaced on every Reconcile
	watchers map[chan struct{}]struct{}

	flightMu sync.Mutex
	inFlight map[string]bool

	// writeMu keeps writes from this ledger in invocation order.
	writeMu sync.Mutex
}

// New creates an empty ledger. It has no state until the first Reconcile.
func New(userID string, store repository.RecordStore, opts Options, logger *slog.Logger) *Ledger {
	return &Ledger{
		userID:   userID,
		store:    store,
		opts:     opts,
		logger:   logger.With(slog.String("userID", userID)),
		changed:  make(chan struct{}),
		watchers: make(map[chan struct{}]struct{}),
		inFlight: make(map[string]bool),
	}
}

// UserID is the owner of the mirrored record.
func (l *Ledger) UserID() string {
	return l.userID
}

// ============================================================
// Operations
// ============================================================

// SetBudget replaces the budget. The current record is read first so the
// budget appended to budgetHistory is the one actually stored.
func (l *Ledger) SetBudget(ctx context.Context, budget int64) error {
	if budget < 0 {
		return apperror.ValidationFailed("budget", "invalid budget")
	}

	done, err := l.begin(opBudget)
	if err != nil {
		return err
	}
	defer done()

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	current, err := l.store.GetRecord(ctx, l.userID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return apperror.RecordMissing()
		}
		return apperror.WriteFailed("Failed to update budget. Please try again.", err)
	}

	patch := model.RecordPatch{Budget: &budget}
	if l.opts.TrackBudgetHistory {
		history := make([]int64, 0, len(current.BudgetHistory)+1)
		history = append(history, current.BudgetHistory...)
		history = append(history, current.Budget)
		patch.BudgetHistory = &history
	}

	if err := l.write(ctx, patch, "Failed to update budget. Please try again."); err != nil {
		return err
	}

	l.logger.Info("budget updated",
		slog.Int64("budget", budget),
		slog.Int64("previous", current.Budget),
	)
	l.awaitPush(ctx, current.Version)
	return nil
}

// AddExpense appends an expense. amount may use up the remaining budget
// exactly but not exceed it.
func (l *Ledger) AddExpense(ctx context.Context, name string, amount int64) error {
	name, err := validateExpense(name, amount)
	if err != nil {
		return err
	}

	done, err := l.begin(opExpense)
	if err != nil {
		return err
	}
	defer done()

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	entries, budget, version, err := l.current()
	if err != nil {
		return err
	}

	remaining := budget - totalOf(entries)
	if amount > remaining {
		return apperror.BudgetExceeded(amount, remaining)
	}

	expenses := toExpenses(entries)
	expenses = append(expenses, model.Expense{Name: name, Amount: amount})

	if err := l.write(ctx, model.RecordPatch{Expenses: &expenses}, "Failed to add expense. Please try again."); err != nil {
		return err
	}

	l.logger.Info("expense added",
		slog.String("name", name),
		slog.Int64("amount", amount),
	)
	l.awaitPush(ctx, version)
	return nil
}

// EditExpense replaces the name and amount of the expense with handle id,
// keeping its position. The item's own amount is returned to the budget
// before the new amount is checked.
func (l *Ledger) EditExpense(ctx context.Context, id, name string, amount int64) error {
	name, err := validateExpense(name, amount)
	if err != nil {
		return err
	}

	done, err := l.begin(opExpense)
	if err != nil {
		return err
	}
	defer done()

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	entries, budget, version, err := l.current()
	if err != nil {
		return err
	}

	expenses := toExpenses(entries)
	idx := indexOf(entries, id)
	switch {
	case idx >= 0:
		previous := entries[idx].Amount
		remaining := budget - totalOf(entries)
		if amount > remaining+previous {
			return apperror.BudgetExceeded(amount, remaining+previous)
		}
		expenses[idx] = model.Expense{Name: name, Amount: amount}
	case l.opts.StrictHandles:
		return apperror.NotFound("expense", id)
	default:
		l.logger.Warn("editing unknown expense, writing unchanged list", slog.String("expenseID", id))
	}

	if err := l.write(ctx, model.RecordPatch{Expenses: &expenses}, "Failed to update expense. Please try again."); err != nil {
		return err
	}

	l.logger.Info("expense edited",
		slog.String("expenseID", id),
		slog.Int64("amount", amount),
	)
	l.awaitPush(ctx, version)
	return nil
}

// DeleteExpense removes the expense with handle id. It never checks the
// budget.
func (l *Ledger) DeleteExpense(ctx context.Context, id string) error {
	done, err := l.begin(opExpense)
	if err != nil {
		return err
	}
	defer done()

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	entries, _, version, err := l.current()
	if err != nil {
		return err
	}

	expenses := toExpenses(entries)
	idx := indexOf(entries, id)
	switch {
	case idx >= 0:
		expenses = append(expenses[:idx], expenses[idx+1:]...)
	case l.opts.StrictHandles:
		return apperror.NotFound("expense", id)
	default:
		l.logger.Warn("deleting unknown expense, writing unchanged list", slog.String("expenseID", id))
	}

	if err := l.write(ctx, model.RecordPatch{Expenses: &expenses}, "Failed to delete expense. Please try again."); err != nil {
		return err
	}

	l.logger.Info("expense deleted", slog.String("expenseID", id))
	l.awaitPush(ctx, version)
	return nil
}

// ============================================================
// Reconciliation
// ============================================================

// Reconcile applies one push from the change feed. A record replaces the
// local mirror wholesale; handles of unchanged expenses are kept, so
// applying the same record twice changes nothing. Missing records and
// transport failures are stored and returned.
func (l *Ledger) Reconcile(ev feed.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer l.broadcast()

	switch {
	case ev.Err != nil:
		l.err = ev.Err
		return ev.Err
	case ev.Missing || ev.Record == nil:
		l.err = apperror.RecordMissing()
		return l.err
	}

	r := ev.Record
	l.entries = alignHandles(l.entries, r.Expenses)
	l.budget = r.Budget
	if r.BudgetHistory != nil {
		l.history = append([]int64{}, r.BudgetHistory...)
	} else {
		l.history = nil
	}
	l.version = r.Version
	l.loaded = true
	l.err = nil
	return nil
}

// Run reconciles every event until events is closed or ctx is done. It is
// the only caller of Reconcile for a live ledger.
func (l *Ledger) Run(ctx context.Context, events <-chan feed.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := l.Reconcile(ev); err != nil {
				l.logger.Warn("reconcile surfaced error", slog.String("error", err.Error()))
			}
		}
	}
}

// Watch returns a channel that receives a value after every Reconcile.
// Notifications coalesce; read Snapshot for the current state. Call stop
// when done.
func (l *Ledger) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	l.watchers[ch] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.watchers, ch)
			l.mu.Unlock()
		})
	}
	return ch, stop
}

// broadcast must be called with l.mu held.
func (l *Ledger) broadcast() {
	close(l.changed)
	l.changed = make(chan struct{})
	for ch := range l.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// ============================================================
// Helpers
// ============================================================

// begin marks op as in flight. The returned func clears it.
//
// The flag is per kind, not per ledger: a budget update and an expense
// update may overlap (writeMu still orders their writes), but two expense
// updates may not, because the second would validate against a mirror the
// first is about to replace.
func (l *Ledger) begin(op string) (func(), error) {
	l.flightMu.Lock()
	defer l.flightMu.Unlock()
	if l.inFlight[op] {
		return nil, apperror.Busy(op)
	}
	l.inFlight[op] = true
	return func() {
		l.flightMu.Lock()
		delete(l.inFlight, op)
		l.flightMu.Unlock()
	}, nil
}

// current returns a copy of the mirrored expenses and budget, or the error
// that makes them unusable.
func (l *Ledger) current() ([]Entry, int64, int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.err != nil && errors.Is(l.err, apperror.ErrNotFound) {
		return nil, 0, 0, l.err
	}
	if !l.loaded {
		return nil, 0, 0, apperror.SyncFailed(errNotLoaded)
	}
	return append([]Entry(nil), l.entries...), l.budget, l.version, nil
}

// write sends patch to the store and maps its failure to the error the
// caller sees:
//
//	store NotFound      → RecordMissing (the record was deleted)
//	store Write error   → passed through (already user-facing)
//	anything else       → WriteFailed(message)
//
// A failed write leaves the mirror untouched; there is nothing to roll back.
func (l *Ledger) write(ctx context.Context, patch model.RecordPatch, message string) error {
	err := l.store.WriteRecord(ctx, l.userID, patch)
	if err == nil {
		return nil
	}
	l.logger.Error("record write failed",
		slog.Any("fields", patch.Fields()),
		slog.String("error", err.Error()),
	)
	switch {
	case errors.Is(err, apperror.ErrNotFound):
		return apperror.RecordMissing()
	case errors.Is(err, apperror.ErrWrite):
		return err
	default:
		return apperror.WriteFailed(message, err)
	}
}

// awaitPush blocks until the mirror has moved past version, an error is
// surfaced, ctx ends or ConfirmTimeout elapses. The next operation from
// this session then validates against the record this write produced.
func (l *Ledger) awaitPush(ctx context.Context, version int64) {
	if l.opts.ConfirmTimeout <= 0 {
		return
	}
	timer := time.NewTimer(l.opts.ConfirmTimeout)
	defer timer.Stop()

	for {
		l.mu.RLock()
		settled := l.version > version || l.err != nil
		changed := l.changed
		l.mu.RUnlock()
		if settled {
			return
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return
		case <-timer.C:
			l.logger.Warn("no push received after write", slog.Int64("version", version))
			return
		}
	}
}

func validateExpense(name string, amount int64) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperror.ValidationFailed("name", "invalid expense")
	}
	if amount <= 0 {
		return "", apperror.ValidationFailed("amount", "invalid expense")
	}
	return name, nil
}

// ParseBudget parses user input as a non-negative integer budget.
func ParseBudget(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, apperror.ValidationFailed("budget", "invalid budget")
	}
	return n, nil
}

// ParseAmount parses user input as a positive integer expense amount.
func ParseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, apperror.ValidationFailed("amount", "invalid expense")
	}
	return n, nil
}

func indexOf(entries []Entry, id string) int {
	for i, e := range entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func toExpenses(entries []Entry) []model.Expense {
	out := make([]model.Expense, len(entries))
	for i, e := range entries {
		out[i] = model.Expense{Name: e.Name, Amount: e.Amount}
	}
	return out
}

func totalOf(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Amount
	}
	return total
}
