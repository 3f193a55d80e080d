// Package memory is an in-process implementation of the storage ports.
// Data lives only as long as the process; it backs DATA_BACKEND=memory and
// the service tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/expense-tracker/internal/apperror"
	"github.com/sakif/expense-tracker/internal/model"
	"github.com/sakif/expense-tracker/internal/repository"
)

var (
	_ repository.RecordStore       = (*Store)(nil)
	_ repository.AccountRepository = (*Store)(nil)
)

type Store struct {
	mu       sync.Mutex
	accounts map[string]*model.Account
	byEmail  map[string]string
	byGitHub map[int64]string
	records  map[string]*model.UserRecord
}

func New() *Store {
	return &Store{
		accounts: make(map[string]*model.Account),
		byEmail:  make(map[string]string),
		byGitHub: make(map[int64]string),
		records:  make(map[string]*model.UserRecord),
	}
}

// GetRecord returns a copy of the user's record.
func (s *Store) GetRecord(_ context.Context, userID string) (*model.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[userID]
	if !ok {
		return nil, apperror.NotFound("record", userID)
	}
	return r.Clone(), nil
}

// WriteRecord applies patch field by field; Expenses replaces the whole array.
func (s *Store) WriteRecord(_ context.Context, userID string, patch model.RecordPatch) error {
	if patch.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[userID]
	if !ok {
		return apperror.NotFound("record", userID)
	}
	if patch.Budget != nil {
		if *patch.Budget < 0 {
			return apperror.WriteFailed("document store rejected the write",
				fmt.Errorf("memory: negative budget %d", *patch.Budget))
		}
		r.Budget = *patch.Budget
	}
	if patch.BudgetHistory != nil {
		r.BudgetHistory = append([]int64{}, (*patch.BudgetHistory)...)
	}
	if patch.Expenses != nil {
		r.Expenses = append([]model.Expense{}, (*patch.Expenses)...)
	}
	r.Version++
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteRecord removes a user's record. There is no account deletion flow;
// this exists so the missing-record path can be exercised.
func (s *Store) DeleteRecord(_ context.Context, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, userID)
}

func (s *Store) CreateAccount(_ context.Context, account *model.Account, record *model.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account.Email = normalizeEmail(account.Email)
	if account.Email != "" {
		if _, taken := s.byEmail[account.Email]; taken {
			return apperror.Conflict("account", account.Email)
		}
	}
	if account.ID == "" {
		account.ID = xid.New().String()
	}
	now := time.Now().UTC()
	account.CreatedAt, account.UpdatedAt = now, now

	stored := *account
	s.accounts[account.ID] = &stored
	if account.Email != "" {
		s.byEmail[account.Email] = account.ID
	}
	if account.GitHubID != 0 {
		s.byGitHub[account.GitHubID] = account.ID
	}

	record.UserID = account.ID
	record.Email = account.Email
	record.UpdatedAt = now
	if record.Expenses == nil {
		record.Expenses = []model.Expense{}
	}
	s.records[account.ID] = record.Clone()
	return nil
}

func (s *Store) GetAccountByEmail(_ context.Context, email string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = normalizeEmail(email)
	id, ok := s.byEmail[email]
	if !ok || email == "" {
		return nil, apperror.NotFound("account", email)
	}
	a := *s.accounts[id]
	return &a, nil
}

func (s *Store) GetAccountByID(_ context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, apperror.NotFound("account", id)
	}
	c := *a
	return &c, nil
}

func (s *Store) UpsertGitHubAccount(ctx context.Context, account *model.Account, name string) error {
	s.mu.Lock()
	account.Email = normalizeEmail(account.Email)

	id, ok := s.byGitHub[account.GitHubID]
	if !ok && account.Email != "" {
		id, ok = s.byEmail[account.Email]
	}
	if ok {
		existing := s.accounts[id]
		existing.GitHubID = account.GitHubID
		existing.Login = account.Login
		if existing.Email == "" && account.Email != "" {
			existing.Email = account.Email
			s.byEmail[account.Email] = id
		}
		existing.UpdatedAt = time.Now().UTC()
		s.byGitHub[account.GitHubID] = id
		*account = *existing
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.CreateAccount(ctx, account, model.NewUserRecord("", account.Email, name))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
