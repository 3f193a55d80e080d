// Package service holds the business rules that sit between the HTTP
// handlers and the storage and auth packages:
//
//	AuthHandler (HTTP) → AuthService (rules) → AccountRepository (DB)
//	                                         ↘ session.Manager, TokenService
//
// Ledger rules live in package ledger; this package only gets a caller to
// the point of holding a session with a live ledger.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/expense-tracker/internal/apperror"
	"github.com/sakif/expense-tracker/internal/auth"
	"github.com/sakif/expense-tracker/internal/model"
	"github.com/sakif/expense-tracker/internal/repository"
	"github.com/sakif/expense-tracker/internal/session"
)

const (
	msgEmailTaken      = "This email is already registered. Please use a different email or log in."
	msgBadCredentials  = "Invalid email or password."
	msgInvalidEmail    = "Please enter a valid email address."
	msgShortPassword   = "Password should be at least 6 characters."
	defaultDisplayName = "User"
)

// AuthService signs users up and in and hands out sessions.
type AuthService struct {
	accounts  repository.AccountRepository
	records   repository.RecordStore
	sessions  *session.Manager
	tokens    *auth.TokenService
	passwords *auth.PasswordService
	logger    *slog.Logger
}

func NewAuthService(
	accounts repository.AccountRepository,
	records repository.RecordStore,
	sessions *session.Manager,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		accounts:  accounts,
		records:   records,
		sessions:  sessions,
		tokens:    tokens,
		passwords: passwords,
		logger:    logger,
	}
}

// AuthResult bundles what a handler needs to answer a successful login:
// the account, the opened session and the token for the cookie.
type AuthResult struct {
	Account     *model.Account
	Session     *session.Session
	Token       string
	DisplayName string
}

// SignUp creates an account and its empty ledger record (budget 0, no
// expenses) and opens a session.
func (s *AuthService) SignUp(ctx context.Context, email, password, name string) (*AuthResult, error) {
	email = strings.TrimSpace(email)
	name = strings.TrimSpace(name)
	if !strings.Contains(email, "@") {
		return nil, apperror.ValidationFailed("email", msgInvalidEmail)
	}
	if len(password) < auth.MinPasswordLength {
		return nil, apperror.ValidationFailed("password", msgShortPassword)
	}

	hash, err := s.passwords.Hash(password)
	if err != nil {
		return nil, apperror.ValidationFailed("password", err.Error())
	}

	account := &model.Account{Email: email, PasswordHash: hash}
	if err := s.accounts.CreateAccount(ctx, account, model.NewUserRecord("", email, name)); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, apperror.Conflict("account", email).WithMessage(msgEmailTaken)
		}
		return nil, fmt.Errorf("service/auth: creating account %s: %w", email, err)
	}

	s.logger.Info("account created", slog.String("userID", account.ID))
	return s.openSession(ctx, account, DisplayName(name, account.Email))
}

// SignIn checks email and password. Unknown email and wrong password give
// the same error.
func (s *AuthService) SignIn(ctx context.Context, email, password string) (*AuthResult, error) {
	account, err := s.accounts.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Unauthorized(msgBadCredentials)
		}
		return nil, fmt.Errorf("service/auth: looking up %s: %w", email, err)
	}

	if err := s.passwords.Verify(account.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			s.logger.Info("failed login", slog.String("userID", account.ID))
			return nil, apperror.Unauthorized(msgBadCredentials)
		}
		return nil, fmt.Errorf("service/auth: verifying password: %w", err)
	}

	return s.openSession(ctx, account, s.displayName(ctx, account))
}

// LoginOrRegisterGitHub resolves a GitHub profile to an account, creating
// one with an empty ledger record on first login.
func (s *AuthService) LoginOrRegisterGitHub(ctx context.Context, ghUser *auth.GitHubUser) (*AuthResult, error) {
	if ghUser == nil {
		return nil, errors.New("service/auth: GitHub user must not be nil")
	}

	name := ghUser.Name
	if name == "" {
		name = ghUser.Login
	}
	account := &model.Account{
		GitHubID: ghUser.ID,
		Login:    ghUser.Login,
		Email:    ghUser.Email,
	}
	if err := s.accounts.UpsertGitHubAccount(ctx, account, name); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("service/auth: upserting account (githubID=%d): %w", ghUser.ID, err)
	}

	s.logger.Info("user authenticated via GitHub",
		slog.String("userID", account.ID),
		slog.String("login", account.Login),
	)
	return s.openSession(ctx, account, s.displayName(ctx, account))
}

// SignOut ends the session and revokes its id until expiresAt, the expiry
// of the token that named it, so the token cannot bring the session back.
// Writes the session started keep running.
func (s *AuthService) SignOut(sessionID string, expiresAt time.Time) error {
	return s.sessions.Revoke(sessionID, expiresAt)
}

// ResumeSession returns the live session named by id, recreating it when
// the token outlived the server's memory of it.
func (s *AuthService) ResumeSession(ctx context.Context, id auth.Identity) (*session.Session, error) {
	if sess, err := s.sessions.Get(id.SessionID); err == nil {
		if sess.UserID != id.UserID {
			return nil, apperror.Forbidden("session belongs to another user")
		}
		return sess, nil
	}

	account, err := s.accounts.GetAccountByID(ctx, id.UserID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Unauthorized("Account no longer exists. Please sign up again.")
		}
		return nil, fmt.Errorf("service/auth: fetching account %s: %w", id.UserID, err)
	}
	return s.sessions.Resume(ctx, id.SessionID, account.ID, s.displayName(ctx, account), id.ExpiresAt)
}

// GetAccount returns the account with the given id.
func (s *AuthService) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	if id == "" {
		return nil, apperror.ValidationFailed("id", "user ID must not be empty")
	}
	account, err := s.accounts.GetAccountByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("service/auth: fetching account %s: %w", id, err)
	}
	return account, nil
}

// ValidateToken returns the claims of a session token.
func (s *AuthService) ValidateToken(token string) (*auth.Claims, error) {
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return nil, apperror.Unauthorized("Please log in to continue.").WithCause(err)
	}
	return claims, nil
}

func (s *AuthService) openSession(ctx context.Context, account *model.Account, displayName string) (*AuthResult, error) {
	sess, err := s.sessions.Open(ctx, account.ID, displayName)
	if err != nil {
		return nil, fmt.Errorf("service/auth: opening session for %s: %w", account.ID, err)
	}

	token, err := s.tokens.Generate(account.ID, sess.ID, sess.ExpiresAt)
	if err != nil {
		_ = s.sessions.Close(sess.ID)
		return nil, fmt.Errorf("service/auth: generating token for %s: %w", account.ID, err)
	}

	return &AuthResult{
		Account:     account,
		Session:     sess,
		Token:       token,
		DisplayName: displayName,
	}, nil
}

// displayName reads the name stored on the user's record.
func (s *AuthService) displayName(ctx context.Context, account *model.Account) string {
	name := ""
	if record, err := s.records.GetRecord(ctx, account.ID); err == nil {
		name = record.Name
	}
	return DisplayName(name, account.Email)
}

// DisplayName picks what to greet the user with: the stored name, else the
// local part of the email, else "User".
func DisplayName(name, email string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	if local, _, ok := strings.Cut(email, "@"); ok && local != "" {
		return local
	}
	return defaultDisplayName
}
