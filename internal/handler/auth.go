package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/expense-tracker/internal/apperror"
	"github.com/sakif/expense-tracker/internal/auth"
	"github.com/sakif/expense-tracker/internal/service"
)

const stateCookie = "oauth_state"

// AuthHandler serves sign-up, login, logout and the GitHub OAuth flow.
//
//   - HandleSignup / HandleLogin   → open a session, set the token cookie
//   - HandleLogout                 → close the session, clear the cookie
//   - HandleMe                     → the signed-in account
//   - HandleGitHubLogin / Callback → OAuth, when configured
type AuthHandler struct {
	auth          *service.AuthService
	github        *auth.GitHubProvider // nil when GitHub sign-in is off
	secureCookies bool
	logger        *slog.Logger
}

func NewAuthHandler(svc *service.AuthService, github *auth.GitHubProvider, secureCookies bool, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		auth:          svc,
		github:        github,
		secureCookies: secureCookies,
		logger:        logger,
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

type accountResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Login       string `json:"login,omitempty"`
	DisplayName string `json:"displayName"`
	SessionID   string `json:"sessionId,omitempty"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
}

func authResponse(res *service.AuthResult) accountResponse {
	return accountResponse{
		ID:          res.Account.ID,
		Email:       res.Account.Email,
		Login:       res.Account.Login,
		DisplayName: res.DisplayName,
		SessionID:   res.Session.ID,
		ExpiresAt:   res.Session.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// HandleSignup creates an account with an empty ledger and logs it in.
//
// HTTP: POST /auth/signup   {"email","password","name"}
func (h *AuthHandler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	res, err := h.auth.SignUp(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.setTokenCookie(w, res)
	writeJSON(w, http.StatusCreated, authResponse(res))
}

// HandleLogin checks credentials and opens a session.
//
// HTTP: POST /auth/login   {"email","password"}
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	res, err := h.auth.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.setTokenCookie(w, res)
	writeJSON(w, http.StatusOK, authResponse(res))
}

// HandleLogout closes the caller's session, if the token names one, and
// clears the cookie either way. A logout already in progress is a 409.
//
// HTTP: POST /auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if token := auth.TokenFromRequest(r); token != "" {
		if claims, err := h.auth.ValidateToken(token); err == nil {
			if err := h.auth.SignOut(claims.SessionID, claims.ExpiresAt); err != nil {
				writeError(w, r, h.logger, err)
				return
			}
		}
	}

	h.clearCookie(w, auth.CookieName)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe returns the signed-in account.
//
// HTTP: GET /api/me
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, h.logger, apperror.Unauthorized("Please log in to continue."))
		return
	}

	sess, err := h.auth.ResumeSession(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	account, err := h.auth.GetAccount(r.Context(), id.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, accountResponse{
		ID:          account.ID,
		Email:       account.Email,
		Login:       account.Login,
		DisplayName: sess.DisplayName,
		SessionID:   sess.ID,
		ExpiresAt:   sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// HandleGitHubLogin redirects to GitHub with a random state stored in a
// short-lived cookie.
//
// HTTP: GET /auth/github/login
func (h *AuthHandler) HandleGitHubLogin(w http.ResponseWriter, r *http.Request) {
	if h.github == nil {
		writeError(w, r, h.logger, apperror.NotFound("provider", "github"))
		return
	}

	state := xid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.github.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleGitHubCallback finishes the OAuth flow.
//
// HTTP: GET /auth/github/callback?code=...&state=...
//
//  1. check state against the cookie (CSRF)
//  2. exchange the code for a GitHub profile
//  3. find or create the account and open a session
//  4. set the token cookie and redirect home
func (h *AuthHandler) HandleGitHubCallback(w http.ResponseWriter, r *http.Request) {
	if h.github == nil {
		writeError(w, r, h.logger, apperror.NotFound("provider", "github"))
		return
	}

	c, err := r.Cookie(stateCookie)
	if err != nil || c.Value == "" || r.URL.Query().Get("state") != c.Value {
		h.logger.Warn("auth callback: state mismatch")
		writeError(w, r, h.logger, apperror.ValidationFailed("state", "invalid OAuth state"))
		return
	}
	h.clearCookie(w, stateCookie)

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Info("auth callback: user denied authorization", slog.String("error", errParam))
		http.Redirect(w, r, "/?auth=denied", http.StatusSeeOther)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, r, h.logger, apperror.ValidationFailed("code", "missing OAuth code"))
		return
	}

	ghUser, err := h.github.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("auth callback: GitHub exchange failed", slog.String("error", err.Error()))
		writeError(w, r, h.logger, apperror.Unauthorized("GitHub authentication failed."))
		return
	}

	res, err := h.auth.LoginOrRegisterGitHub(r.Context(), ghUser)
	if err != nil {
		if !errors.Is(err, apperror.ErrConflict) {
			h.logger.Error("auth callback: login failed",
				slog.Int64("githubID", ghUser.ID),
				slog.String("error", err.Error()),
			)
		}
		writeError(w, r, h.logger, err)
		return
	}

	h.setTokenCookie(w, res)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *AuthHandler) setTokenCookie(w http.ResponseWriter, res *service.AuthResult) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    res.Token,
		Path:     "/",
		Expires:  res.Session.ExpiresAt,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}
