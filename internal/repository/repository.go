// Package repository declares the storage ports. Implementations live in
// subpackages (sqlite) and in test fakes.
package repository

import (
	"context"

	"github.com/sakif/expense-tracker/internal/model"
)

// RecordStore is the document store holding one UserRecord per user.
//
// GetRecord returns apperror.ErrNotFound when no record exists.
// WriteRecord replaces exactly the fields set in the patch and returns
// apperror.ErrNotFound when the record is missing; any other failure is
// reported as apperror.ErrWrite.
type RecordStore interface {
	GetRecord(ctx context.Context, userID string) (*model.UserRecord, error)
	WriteRecord(ctx context.Context, userID string, patch model.RecordPatch) error
}

// AccountRepository stores identities.
type AccountRepository interface {
	// CreateAccount inserts the account and its initial ledger record
	// atomically. A duplicate email is apperror.ErrConflict.
	CreateAccount(ctx context.Context, account *model.Account, record *model.UserRecord) error
	GetAccountByEmail(ctx context.Context, email string) (*model.Account, error)
	GetAccountByID(ctx context.Context, id string) (*model.Account, error)
	// UpsertGitHubAccount links or creates the account for a GitHub identity,
	// creating the initial ledger record on first sign-in.
	UpsertGitHubAccount(ctx context.Context, account *model.Account, name string) error
}
