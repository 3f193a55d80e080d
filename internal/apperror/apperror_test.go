package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TABLE-DRIVEN TESTS:
// One slice of cases, one assertion loop, one named sub-test per case.

func TestErrorsIs(t *testing.T) {
	cause := errors.New("disk I/O error")

	tests := []struct {
		name      string
		err       error
		target    error
		wantMatch bool
	}{
		{
			name:      "NotFound wraps ErrNotFound",
			err:       NotFound("expense", "abc123"),
			target:    ErrNotFound,
			wantMatch: true,
		},
		{
			name:      "RecordMissing wraps ErrNotFound",
			err:       RecordMissing(),
			target:    ErrNotFound,
			wantMatch: true,
		},
		{
			name:      "ValidationFailed wraps ErrValidation",
			err:       ValidationFailed("amount", "invalid expense"),
			target:    ErrValidation,
			wantMatch: true,
		},
		{
			name:      "BudgetExceeded wraps ErrBudgetExceeded",
			err:       BudgetExceeded(90, 80),
			target:    ErrBudgetExceeded,
			wantMatch: true,
		},
		{
			name:      "Busy wraps ErrConflict",
			err:       Busy("budget update"),
			target:    ErrConflict,
			wantMatch: true,
		},
		{
			name:      "WriteFailed wraps ErrWrite",
			err:       WriteFailed("Failed to add expense. Please try again.", cause),
			target:    ErrWrite,
			wantMatch: true,
		},
		{
			name:      "WriteFailed exposes its cause",
			err:       WriteFailed("Failed to add expense. Please try again.", cause),
			target:    cause,
			wantMatch: true,
		},
		{
			name:      "SyncFailed wraps ErrSync",
			err:       SyncFailed(cause),
			target:    ErrSync,
			wantMatch: true,
		},
		{
			name:      "Unauthorized wraps ErrUnauthorized",
			err:       Unauthorized("invalid email or password"),
			target:    ErrUnauthorized,
			wantMatch: true,
		},
		{
			name:      "wrapped with fmt.Errorf still matches",
			err:       fmt.Errorf("ledger: adding expense: %w", BudgetExceeded(5, 0)),
			target:    ErrBudgetExceeded,
			wantMatch: true,
		},
		{
			name:      "NotFound does NOT match ErrValidation",
			err:       NotFound("expense", "abc123"),
			target:    ErrValidation,
			wantMatch: false,
		},
		{
			name:      "BudgetExceeded does NOT match ErrValidation",
			err:       BudgetExceeded(1, 0),
			target:    ErrValidation,
			wantMatch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errors.Is(tt.err, tt.target)
			if got != tt.wantMatch {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.wantMatch)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name        string
		err         *AppError
		wantMessage string
	}{
		{
			name:        "NotFound message includes resource and id",
			err:         NotFound("expense", "abc123"),
			wantMessage: "expense not found with id abc123",
		},
		{
			name:        "ValidationFailed uses custom message",
			err:         ValidationFailed("budget", "invalid budget"),
			wantMessage: "invalid budget",
		},
		{
			name:        "Conflict message includes resource and id",
			err:         Conflict("account", "a@b.c"),
			wantMessage: "account conflict with id a@b.c",
		},
		{
			name:        "BudgetExceeded reports amount and remaining",
			err:         BudgetExceeded(90, 80),
			wantMessage: "Expense exceeds remaining budget! (amount 90, remaining 80)",
		},
		{
			name:        "WriteFailed hides the cause",
			err:         WriteFailed("Failed to update budget. Please try again.", errors.New("SQLITE_BUSY")),
			wantMessage: "Failed to update budget. Please try again.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMessage, tt.err.Error())
		})
	}
}

func TestErrorsAs(t *testing.T) {
	err := fmt.Errorf("outer: %w", ValidationFailed("name", "invalid expense"))

	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatal("errors.As() should find the *AppError in the chain")
	}
	assert.Equal(t, "name", appErr.Field)
	assert.Equal(t, "invalid expense", appErr.Message)
}

func TestWithMessageAndCause(t *testing.T) {
	base := Conflict("account", "a@b.c")
	cause := errors.New("UNIQUE constraint failed")

	err := base.WithMessage("email taken").WithCause(cause)

	assert.Equal(t, "email taken", err.Error())
	assert.ErrorIs(t, err, ErrConflict)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "account conflict with id a@b.c", base.Message, "original untouched")
}
