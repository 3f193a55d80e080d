package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/expense-tracker/internal/apperror"
	"github.com/sakif/expense-tracker/internal/model"
	"github.com/sakif/expense-tracker/internal/repository"
)

// compile-time check that *DB implements repository.AccountRepository
var _ repository.AccountRepository = (*DB)(nil)

const accountColumns = `id, email, password_hash, COALESCE(github_id, 0), login, created_at, updated_at`

// CreateAccount inserts a new account and its initial ledger record in one
// transaction. Emails are compared case-insensitively by storing them
// lower-cased.
//
// If account.ID is empty an xid is generated.
func (db *DB) CreateAccount(ctx context.Context, account *model.Account, record *model.UserRecord) error {
	account.Email = normalizeEmail(account.Email)
	if account.ID == "" {
		account.ID = xid.New().String()
	}
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning signup transaction: %w", err)
	}
	defer tx.Rollback() // no-op after Commit

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (id, email, password_hash, github_id, login, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		account.ID,
		account.Email,
		account.PasswordHash,
		nullableGitHubID(account.GitHubID),
		account.Login,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("account", account.Email)
		}
		return fmt.Errorf("sqlite: inserting account %s: %w", account.Email, err)
	}

	record.UserID = account.ID
	record.Email = account.Email
	if err := insertRecord(ctx, tx, record); err != nil {
		return fmt.Errorf("sqlite: inserting record for %s: %w", account.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing signup: %w", err)
	}
	return nil
}

// GetAccountByEmail looks an account up by its (case-insensitive) email.
func (db *DB) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, apperror.NotFound("account", email)
	}
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = ?`, email)
	return scanAccount(row, email)
}

// GetAccountByID retrieves an account by its internal ID.
// Returns apperror.ErrNotFound if no account exists with that ID.
func (db *DB) GetAccountByID(ctx context.Context, id string) (*model.Account, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row, id)
}

// UpsertGitHubAccount resolves a GitHub identity to an account:
//
//  1. an account already linked to the GitHub ID is refreshed;
//  2. otherwise an account with the same email is linked to it;
//  3. otherwise a new account and its initial ledger record are created.
//
// On return account holds the stored row.
func (db *DB) UpsertGitHubAccount(ctx context.Context, account *model.Account, name string) error {
	account.Email = normalizeEmail(account.Email)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning github upsert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	existing, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE github_id = ?`, account.GitHubID),
		fmt.Sprint(account.GitHubID))
	if err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return err
	}

	if existing == nil && account.Email != "" {
		existing, err = scanAccount(tx.QueryRowContext(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE email = ?`, account.Email),
			account.Email)
		if err != nil && !errors.Is(err, apperror.ErrNotFound) {
			return err
		}
	}

	if existing != nil {
		// Keep an email the user already has; fill it in if it was empty.
		email := existing.Email
		if email == "" {
			email = account.Email
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE accounts SET github_id = ?, login = ?, email = ?, updated_at = ? WHERE id = ?`,
			account.GitHubID, account.Login, email, now, existing.ID,
		)
		if err != nil {
			return fmt.Errorf("sqlite: updating account %s: %w", existing.ID, err)
		}
		existing.GitHubID = account.GitHubID
		existing.Login = account.Login
		existing.Email = email
		existing.UpdatedAt = now
		*account = *existing
	} else {
		account.ID = xid.New().String()
		account.CreatedAt = now
		account.UpdatedAt = now
		_, err = tx.ExecContext(ctx,
			`INSERT INTO accounts (id, email, password_hash, github_id, login, created_at, updated_at)
			 VALUES (?, ?, '', ?, ?, ?, ?)`,
			account.ID, account.Email, account.GitHubID, account.Login, now, now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return apperror.Conflict("account", account.Email)
			}
			return fmt.Errorf("sqlite: inserting account (githubID=%d): %w", account.GitHubID, err)
		}
		if err := insertRecord(ctx, tx, model.NewUserRecord(account.ID, account.Email, name)); err != nil {
			return fmt.Errorf("sqlite: inserting record for %s: %w", account.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing github upsert: %w", err)
	}
	return nil
}

func scanAccount(row *sql.Row, key string) (*model.Account, error) {
	var a model.Account
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.PasswordHash,
		&a.GitHubID,
		&a.Login,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("account", key)
		}
		return nil, fmt.Errorf("sqlite: getting account %s: %w", key, err)
	}
	return &a, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// nullableGitHubID stores 0 as NULL so the UNIQUE index ignores
// password-only accounts.
func nullableGitHubID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
