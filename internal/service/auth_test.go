package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/expense-tracker/internal/apperror"
	"github.com/sakif/expense-tracker/internal/auth"
	"github.com/sakif/expense-tracker/internal/feed"
	"github.com/sakif/expense-tracker/internal/ledger"
	"github.com/sakif/expense-tracker/internal/model"
	"github.com/sakif/expense-tracker/internal/repository"
	"github.com/sakif/expense-tracker/internal/repository/memory"
	"github.com/sakif/expense-tracker/internal/session"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// brokenAccounts fails every call, to exercise the wrapping paths.
type brokenAccounts struct{ err error }

func (b brokenAccounts) CreateAccount(context.Context, *model.Account, *model.UserRecord) error {
	return b.err
}
func (b brokenAccounts) GetAccountByEmail(context.Context, string) (*model.Account, error) {
	return nil, b.err
}
func (b brokenAccounts) GetAccountByID(context.Context, string) (*model.Account, error) {
	return nil, b.err
}
func (b brokenAccounts) UpsertGitHubAccount(context.Context, *model.Account, string) error {
	return b.err
}

var _ repository.AccountRepository = brokenAccounts{}

type testEnv struct {
	svc      *AuthService
	mem      *memory.Store
	sessions *session.Manager
	tokens   *auth.TokenService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvOn(t, memory.New())
}

// newTestEnvOn builds a service over an existing store, as a restarted
// server would.
func newTestEnvOn(t *testing.T, mem *memory.Store) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := feed.NewBroker(mem, logger)
	store := feed.NewStore(mem, broker, nil, logger)
	sessions := session.NewManager(store, broker, ledger.DefaultOptions(), time.Hour, logger)
	t.Cleanup(sessions.Shutdown)

	tokens, err := auth.NewTokenService("test-secret-at-least-16-chars!!", time.Hour)
	require.NoError(t, err)
	passwords := auth.NewPasswordServiceWithCost(bcrypt.MinCost)

	return &testEnv{
		svc:      NewAuthService(mem, mem, sessions, tokens, passwords, logger),
		mem:      mem,
		sessions: sessions,
		tokens:   tokens,
	}
}

// =========================================================================
// SIGN UP
// =========================================================================

func TestSignUp_CreatesEmptyRecordAndSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.SignUp(ctx, "Ann@Example.com", "secret1", "Ann")
	require.NoError(t, err)

	assert.Equal(t, "ann@example.com", res.Account.Email)
	assert.Equal(t, "Ann", res.DisplayName)
	assert.Equal(t, 1, env.sessions.Len())

	record, err := env.mem.GetRecord(ctx, res.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), record.Budget)
	assert.Empty(t, record.Expenses)
	assert.Equal(t, "Ann", record.Name)

	claims, err := env.tokens.Validate(res.Token)
	require.NoError(t, err)
	assert.Equal(t, res.Account.ID, claims.UserID)
	assert.Equal(t, res.Session.ID, claims.SessionID)
}

func TestSignUp_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name      string
		email     string
		password  string
		wantField string
	}{
		{name: "email without @", email: "ann.example.com", password: "secret1", wantField: "email"},
		{name: "short password", email: "ann@example.com", password: "12345", wantField: "password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.SignUp(context.Background(), tt.email, tt.password, "")
			var appErr *apperror.AppError
			require.ErrorAs(t, err, &appErr)
			assert.ErrorIs(t, err, apperror.ErrValidation)
			assert.Equal(t, tt.wantField, appErr.Field)
		})
	}
}

func TestSignUp_DuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.SignUp(ctx, "ann@example.com", "secret1", "Ann")
	require.NoError(t, err)

	_, err = env.svc.SignUp(ctx, "ANN@example.com", "secret2", "Other")
	assert.ErrorIs(t, err, apperror.ErrConflict)
	assert.Equal(t, msgEmailTaken, err.Error())
}

func TestSignUp_StoreFailureIsWrapped(t *testing.T) {
	env := newTestEnv(t)
	env.svc.accounts = brokenAccounts{err: errors.New("disk I/O error")}

	_, err := env.svc.SignUp(context.Background(), "ann@example.com", "secret1", "Ann")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service/auth: creating account")
}

// =========================================================================
// SIGN IN / OUT
// =========================================================================

func TestSignIn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.svc.SignUp(ctx, "ann@example.com", "secret1", "")
	require.NoError(t, err)

	t.Run("correct password", func(t *testing.T) {
		res, err := env.svc.SignIn(ctx, "ann@example.com", "secret1")
		require.NoError(t, err)
		assert.Equal(t, "ann", res.DisplayName, "falls back to the email local part")
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := env.svc.SignIn(ctx, "ann@example.com", "nope")
		assert.ErrorIs(t, err, apperror.ErrUnauthorized)
		assert.Equal(t, msgBadCredentials, err.Error())
	})

	t.Run("unknown email", func(t *testing.T) {
		_, err := env.svc.SignIn(ctx, "bob@example.com", "secret1")
		assert.ErrorIs(t, err, apperror.ErrUnauthorized)
		assert.Equal(t, msgBadCredentials, err.Error())
	})
}

func TestSignOut(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.svc.SignUp(context.Background(), "ann@example.com", "secret1", "Ann")
	require.NoError(t, err)

	require.NoError(t, env.svc.SignOut(res.Session.ID, res.Session.ExpiresAt))
	assert.Equal(t, 0, env.sessions.Len())
}

func TestSignOut_TokenCannotResumeSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.svc.SignUp(ctx, "ann@example.com", "secret1", "Ann")
	require.NoError(t, err)

	require.NoError(t, env.svc.SignOut(res.Session.ID, res.Session.ExpiresAt))

	// The signed token itself is still well-formed and unexpired.
	claims, err := env.svc.ValidateToken(res.Token)
	require.NoError(t, err)

	sess, err := env.svc.ResumeSession(ctx, auth.Identity{
		UserID:    claims.UserID,
		SessionID: claims.SessionID,
		ExpiresAt: claims.ExpiresAt,
	})
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
	assert.Nil(t, sess)
	assert.Equal(t, 0, env.sessions.Len())
}

func TestSignOut_AfterRestartStillRevokes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.svc.SignUp(ctx, "ann@example.com", "secret1", "Ann")
	require.NoError(t, err)

	restarted := newTestEnvOn(t, env.mem)
	require.NoError(t, restarted.svc.SignOut(res.Session.ID, res.Session.ExpiresAt))

	_, err = restarted.svc.ResumeSession(ctx, auth.Identity{
		UserID:    res.Account.ID,
		SessionID: res.Session.ID,
		ExpiresAt: res.Session.ExpiresAt,
	})
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
}

// =========================================================================
// GITHUB
// =========================================================================

func TestLoginOrRegisterGitHub(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	gh := &auth.GitHubUser{ID: 42, Login: "octo", Name: "Octo Cat", Email: "octo@example.com"}

	first, err := env.svc.LoginOrRegisterGitHub(ctx, gh)
	require.NoError(t, err)
	assert.Equal(t, "Octo Cat", first.DisplayName)

	record, err := env.mem.GetRecord(ctx, first.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), record.Budget)

	second, err := env.svc.LoginOrRegisterGitHub(ctx, gh)
	require.NoError(t, err)
	assert.Equal(t, first.Account.ID, second.Account.ID, "same GitHub id, same account")

	_, err = env.svc.LoginOrRegisterGitHub(ctx, nil)
	assert.Error(t, err)
}

func TestLoginOrRegisterGitHub_LinksPasswordAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	signup, err := env.svc.SignUp(ctx, "octo@example.com", "secret1", "Octo")
	require.NoError(t, err)

	res, err := env.svc.LoginOrRegisterGitHub(ctx, &auth.GitHubUser{ID: 7, Login: "octo", Email: "octo@example.com"})
	require.NoError(t, err)
	assert.Equal(t, signup.Account.ID, res.Account.ID)
	assert.Equal(t, "Octo", res.DisplayName)
}

// =========================================================================
// SESSIONS
// =========================================================================

func TestResumeSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.svc.SignUp(ctx, "ann@example.com", "secret1", "Ann")
	require.NoError(t, err)
	id := auth.Identity{UserID: res.Account.ID, SessionID: res.Session.ID, ExpiresAt: res.Session.ExpiresAt}

	t.Run("live session", func(t *testing.T) {
		sess, err := env.svc.ResumeSession(ctx, id)
		require.NoError(t, err)
		assert.Same(t, res.Session, sess)
	})

	t.Run("after a restart", func(t *testing.T) {
		restarted := newTestEnvOn(t, env.mem)

		sess, err := restarted.svc.ResumeSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, res.Session.ID, sess.ID)
		assert.Equal(t, "Ann", sess.DisplayName)
	})

	t.Run("someone else's session id", func(t *testing.T) {
		other := id
		other.UserID = "intruder"
		_, err := env.svc.ResumeSession(ctx, other)
		assert.ErrorIs(t, err, apperror.ErrForbidden)
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := env.svc.ResumeSession(ctx, auth.Identity{UserID: "ghost", SessionID: "s", ExpiresAt: time.Now().Add(time.Hour)})
		assert.ErrorIs(t, err, apperror.ErrUnauthorized)
	})
}

func TestValidateToken(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.ValidateToken("garbage")
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
}

func TestGetAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.svc.SignUp(ctx, "ann@example.com", "secret1", "Ann")
	require.NoError(t, err)

	got, err := env.svc.GetAccount(ctx, res.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", got.Email)

	_, err = env.svc.GetAccount(ctx, "")
	assert.ErrorIs(t, err, apperror.ErrValidation)
	_, err = env.svc.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name, email, want string
	}{
		{name: "Ann", email: "a@x.com", want: "Ann"},
		{name: "  ", email: "bob@x.com", want: "bob"},
		{name: "", email: "", want: "User"},
		{name: "", email: "@x.com", want: "User"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DisplayName(tt.name, tt.email))
	}
}
