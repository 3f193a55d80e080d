package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/expense-tracker/internal/apperror"
	"github.com/sakif/expense-tracker/internal/auth"
	"github.com/sakif/expense-tracker/internal/ledger"
	"github.com/sakif/expense-tracker/internal/service"
	"github.com/sakif/expense-tracker/internal/session"
)

// LedgerHandler exposes the session's ledger. Mutations answer 202: the
// write has reached the store, and the new state arrives through the
// session's feed. GET /api/ledger/events streams every snapshot.
type LedgerHandler struct {
	auth      *service.AuthService
	heartbeat time.Duration
	logger    *slog.Logger
}

func NewLedgerHandler(svc *service.AuthService, heartbeat time.Duration, logger *slog.Logger) *LedgerHandler {
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	return &LedgerHandler{auth: svc, heartbeat: heartbeat, logger: logger}
}

// ledgerResponse is a snapshot plus a warning when the view is stale.
type ledgerResponse struct {
	ledger.Snapshot
	SyncError string `json:"syncError,omitempty"`
}

func toResponse(snap ledger.Snapshot) ledgerResponse {
	res := ledgerResponse{Snapshot: snap}
	var appErr *apperror.AppError
	if snap.Err != nil && errors.As(snap.Err, &appErr) {
		res.SyncError = appErr.Message
	}
	return res
}

type budgetRequest struct {
	Budget numberInput `json:"budget"`
}

type expenseRequest struct {
	Name   string      `json:"name"`
	Amount numberInput `json:"amount"`
}

// session resolves the caller's session from the identity RequireAuth set.
func (h *LedgerHandler) session(r *http.Request) (*session.Session, error) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil, apperror.Unauthorized("Please log in to continue.")
	}
	return h.auth.ResumeSession(r.Context(), id)
}

// HandleGet returns the current snapshot. A missing record is a 404; a
// transport failure still returns the stale view with syncError set.
//
// HTTP: GET /api/ledger
func (h *LedgerHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	snap := sess.Ledger.Snapshot()
	if snap.Err != nil && errors.Is(snap.Err, apperror.ErrNotFound) {
		writeError(w, r, h.logger, snap.Err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(snap))
}

// HandleSetBudget replaces the budget.
//
// HTTP: PUT /api/ledger/budget   {"budget": 150}
func (h *LedgerHandler) HandleSetBudget(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var req budgetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, apperror.ValidationFailed("budget", "invalid budget"))
		return
	}
	budget, err := ledger.ParseBudget(req.Budget.String())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if err := sess.Ledger.SetBudget(r.Context(), budget); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toResponse(sess.Ledger.Snapshot()))
}

// HandleAddExpense appends an expense.
//
// HTTP: POST /api/ledger/expenses   {"name": "coffee", "amount": 4}
func (h *LedgerHandler) HandleAddExpense(w http.ResponseWriter, r *http.Request) {
	sess, name, amount, err := h.expenseInput(w, r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if err := sess.Ledger.AddExpense(r.Context(), name, amount); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toResponse(sess.Ledger.Snapshot()))
}

// HandleEditExpense replaces an expense in place.
//
// HTTP: PUT /api/ledger/expenses/{id}   {"name": "coffee", "amount": 5}
func (h *LedgerHandler) HandleEditExpense(w http.ResponseWriter, r *http.Request) {
	sess, name, amount, err := h.expenseInput(w, r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if err := sess.Ledger.EditExpense(r.Context(), chi.URLParam(r, "id"), name, amount); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toResponse(sess.Ledger.Snapshot()))
}

// HandleDeleteExpense removes an expense.
//
// HTTP: DELETE /api/ledger/expenses/{id}
func (h *LedgerHandler) HandleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if err := sess.Ledger.DeleteExpense(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toResponse(sess.Ledger.Snapshot()))
}

func (h *LedgerHandler) expenseInput(w http.ResponseWriter, r *http.Request) (*session.Session, string, int64, error) {
	sess, err := h.session(r)
	if err != nil {
		return nil, "", 0, err
	}

	var req expenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return nil, "", 0, apperror.ValidationFailed("amount", "invalid expense")
	}
	amount, err := ledger.ParseAmount(req.Amount.String())
	if err != nil {
		return nil, "", 0, err
	}
	return sess, req.Name, amount, nil
}

// HandleEvents streams the ledger as Server-Sent Events: one "snapshot"
// event on connect and after every reconcile, an "error" event when the
// record goes missing, and a comment line as heartbeat. The stream ends
// when the client leaves or the session closes.
//
// HTTP: GET /api/ledger/events
func (h *LedgerHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	rc := http.NewResponseController(w)
	// The server's WriteTimeout would cut the stream.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn("events: clearing write deadline", slog.String("error", err.Error()))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	changes, stop := sess.Ledger.Watch()
	defer stop()

	send := func() error {
		if err := writeSnapshotEvent(w, sess.Ledger.Snapshot()); err != nil {
			return err
		}
		return rc.Flush()
	}
	if err := send(); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	h.logger.Debug("events: stream opened", slog.String("sessionID", sess.ID))
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.Done():
			fmt.Fprint(w, "event: closed\ndata: {}\n\n")
			rc.Flush()
			return
		case <-changes:
			if err := send(); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeSnapshotEvent(w http.ResponseWriter, snap ledger.Snapshot) error {
	event, payload := "snapshot", any(toResponse(snap))
	if snap.Err != nil && errors.Is(snap.Err, apperror.ErrNotFound) {
		_, kind := errorStatus(snap.Err)
		event, payload = "error", ErrorResponse{Error: kind, Message: snap.Err.Error()}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("handler: encoding %s event: %w", event, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
