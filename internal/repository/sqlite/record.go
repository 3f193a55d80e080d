package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sakif/expense-tracker/internal/apperror"
	"github.com/sakif/expense-tracker/internal/model"
	"github.com/sakif/expense-tracker/internal/repository"
)

// compile-time check that *DB implements repository.RecordStore
var _ repository.RecordStore = (*DB)(nil)

// GetRecord reads one user's ledger document.
// Returns apperror.ErrNotFound if the user has no record.
func (db *DB) GetRecord(ctx context.Context, userID string) (*model.UserRecord, error) {
	var (
		r        model.UserRecord
		history  sql.NullString
		expenses string
	)

	err := db.conn.QueryRowContext(ctx,
		`SELECT user_id, email, name, budget, budget_history, expenses, version, updated_at
		 FROM user_records WHERE user_id = ?`,
		userID,
	).Scan(
		&r.UserID,
		&r.Email,
		&r.Name,
		&r.Budget,
		&history,
		&expenses,
		&r.Version,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("record", userID)
		}
		return nil, fmt.Errorf("sqlite: getting record %s: %w", userID, err)
	}

	if history.Valid && history.String != "" {
		if err := json.Unmarshal([]byte(history.String), &r.BudgetHistory); err != nil {
			return nil, fmt.Errorf("sqlite: decoding budget history of %s: %w", userID, err)
		}
	}
	if err := json.Unmarshal([]byte(expenses), &r.Expenses); err != nil {
		return nil, fmt.Errorf("sqlite: decoding expenses of %s: %w", userID, err)
	}
	if r.Expenses == nil {
		r.Expenses = []model.Expense{}
	}

	return &r, nil
}

// WriteRecord replaces the fields set in patch and bumps the version.
//
// There is no compare-and-swap: a write always wins over whatever the row
// held before, which is the store's last-write-wins policy.
func (db *DB) WriteRecord(ctx context.Context, userID string, patch model.RecordPatch) error {
	if patch.Empty() {
		return nil
	}

	var (
		sets []string
		args []any
	)

	if patch.Budget != nil {
		sets = append(sets, "budget = ?")
		args = append(args, *patch.Budget)
	}
	if patch.BudgetHistory != nil {
		history, err := json.Marshal(*patch.BudgetHistory)
		if err != nil {
			return apperror.WriteFailed("could not encode budget history", err)
		}
		sets = append(sets, "budget_history = ?")
		args = append(args, string(history))
	}
	if patch.Expenses != nil {
		expenses := *patch.Expenses
		if expenses == nil {
			expenses = []model.Expense{}
		}
		encoded, err := json.Marshal(expenses)
		if err != nil {
			return apperror.WriteFailed("could not encode expenses", err)
		}
		sets = append(sets, "expenses = ?")
		args = append(args, string(encoded))
	}

	sets = append(sets, "version = version + 1", "updated_at = ?")
	args = append(args, time.Now().UTC(), userID)

	query := fmt.Sprintf(`UPDATE user_records SET %s WHERE user_id = ?`, strings.Join(sets, ", "))

	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return apperror.WriteFailed("document store rejected the write", fmt.Errorf("sqlite: writing record %s: %w", userID, err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return apperror.WriteFailed("document store rejected the write", fmt.Errorf("sqlite: checking rows affected: %w", err))
	}
	if rows == 0 {
		return apperror.NotFound("record", userID)
	}

	return nil
}

// insertRecord creates the initial ledger document inside tx.
func insertRecord(ctx context.Context, tx *sql.Tx, record *model.UserRecord) error {
	expenses := record.Expenses
	if expenses == nil {
		expenses = []model.Expense{}
	}
	encoded, err := json.Marshal(expenses)
	if err != nil {
		return fmt.Errorf("encoding expenses: %w", err)
	}

	var history sql.NullString
	if record.BudgetHistory != nil {
		b, err := json.Marshal(record.BudgetHistory)
		if err != nil {
			return fmt.Errorf("encoding budget history: %w", err)
		}
		history = sql.NullString{String: string(b), Valid: true}
	}

	record.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO user_records (user_id, email, name, budget, budget_history, expenses, version, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		record.UserID,
		record.Email,
		record.Name,
		record.Budget,
		history,
		string(encoded),
		record.UpdatedAt,
	)
	return err
}
