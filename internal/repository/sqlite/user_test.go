package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/sakif/expense-tracker/internal/apperror"
	"github.com/sakif/expense-tracker/internal/model"
)

// newTestDB returns a fresh in-memory database with migrations applied.
// t.Cleanup closes it when the test finishes.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// createTestAccount signs up an email/password account and fails the test
// if it errors.
func createTestAccount(t *testing.T, db *DB, email, name string) *model.Account {
	t.Helper()
	account := &model.Account{Email: email, PasswordHash: "$2a$04$hash"}
	if err := db.CreateAccount(context.Background(), account, model.NewUserRecord("", email, name)); err != nil {
		t.Fatalf("failed to create test account: %v", err)
	}
	return account
}

// =========================================================================
// MIGRATION TESTS
// =========================================================================

func TestNew_AppliesMigrations(t *testing.T) {
	db := newTestDB(t)

	if db.SchemaVersion() != 1 {
		t.Errorf("SchemaVersion() = %d, want 1", db.SchemaVersion())
	}
}

// =========================================================================
// CreateAccount TESTS
// =========================================================================

func TestCreateAccount(t *testing.T) {
	db := newTestDB(t)

	account := createTestAccount(t, db, "  Ann@Example.com ", "Ann")

	if account.ID == "" {
		t.Error("CreateAccount() did not set account.ID")
	}
	if account.CreatedAt.IsZero() {
		t.Error("CreateAccount() did not set account.CreatedAt")
	}
	if account.Email != "ann@example.com" {
		t.Errorf("Email = %q, want normalized %q", account.Email, "ann@example.com")
	}
}

func TestCreateAccount_CreatesInitialRecord(t *testing.T) {
	db := newTestDB(t)
	account := createTestAccount(t, db, "ann@example.com", "Ann")

	record, err := db.GetRecord(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}

	if record.Budget != 0 {
		t.Errorf("Budget = %d, want 0", record.Budget)
	}
	if record.Expenses == nil || len(record.Expenses) != 0 {
		t.Errorf("Expenses = %v, want empty non-nil slice", record.Expenses)
	}
	if record.BudgetHistory != nil {
		t.Errorf("BudgetHistory = %v, want nil", record.BudgetHistory)
	}
	if record.Name != "Ann" || record.Email != "ann@example.com" {
		t.Errorf("record identity = (%q, %q), want (Ann, ann@example.com)", record.Name, record.Email)
	}
}

func TestCreateAccount_DuplicateEmail(t *testing.T) {
	db := newTestDB(t)
	createTestAccount(t, db, "ann@example.com", "Ann")

	dup := &model.Account{Email: "ANN@example.com", PasswordHash: "x"}
	err := db.CreateAccount(context.Background(), dup, model.NewUserRecord("", "", ""))
	if !errors.Is(err, apperror.ErrConflict) {
		t.Fatalf("CreateAccount() error = %v, want ErrConflict", err)
	}
}

// =========================================================================
// GET TESTS
// =========================================================================

func TestGetAccountByEmail(t *testing.T) {
	db := newTestDB(t)
	created := createTestAccount(t, db, "bob@example.com", "")

	got, err := db.GetAccountByEmail(context.Background(), "BOB@example.com")
	if err != nil {
		t.Fatalf("GetAccountByEmail() error = %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("ID = %q, want %q", got.ID, created.ID)
	}
	if got.PasswordHash != "$2a$04$hash" {
		t.Errorf("PasswordHash = %q, want stored hash", got.PasswordHash)
	}
}

func TestGetAccountByID_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetAccountByID(context.Background(), "nonexistent")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetAccountByID() error = %v, want ErrNotFound", err)
	}
}

// =========================================================================
// UpsertGitHubAccount TESTS
// =========================================================================

func TestUpsertGitHubAccount_NewUser(t *testing.T) {
	db := newTestDB(t)

	account := &model.Account{GitHubID: 42, Login: "octocat", Email: "octo@github.com"}
	if err := db.UpsertGitHubAccount(context.Background(), account, "octocat"); err != nil {
		t.Fatalf("UpsertGitHubAccount() error = %v", err)
	}
	if account.ID == "" {
		t.Fatal("UpsertGitHubAccount() did not set account.ID")
	}

	record, err := db.GetRecord(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if record.Name != "octocat" {
		t.Errorf("record.Name = %q, want %q", record.Name, "octocat")
	}
}

func TestUpsertGitHubAccount_ExistingKeepsID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first := &model.Account{GitHubID: 7, Login: "old"}
	if err := db.UpsertGitHubAccount(ctx, first, ""); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second := &model.Account{GitHubID: 7, Login: "new"}
	if err := db.UpsertGitHubAccount(ctx, second, ""); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("ID changed across upserts: %q → %q", first.ID, second.ID)
	}
	if second.Login != "new" {
		t.Errorf("Login = %q, want %q", second.Login, "new")
	}
}

func TestUpsertGitHubAccount_LinksExistingEmail(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	created := createTestAccount(t, db, "ann@example.com", "Ann")

	gh := &model.Account{GitHubID: 99, Login: "ann-gh", Email: "Ann@example.com"}
	if err := db.UpsertGitHubAccount(ctx, gh, "ann-gh"); err != nil {
		t.Fatalf("UpsertGitHubAccount() error = %v", err)
	}

	if gh.ID != created.ID {
		t.Errorf("GitHub sign-in created a second account: %q vs %q", gh.ID, created.ID)
	}
	if gh.PasswordHash == "" {
		t.Error("linking GitHub must keep the existing password hash")
	}
}
