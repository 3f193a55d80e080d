package handler

// Every error response has the same shape:
//
//	{"error": "budget_exceeded", "message": "Expense exceeds remaining budget! ..."}
//
// error is machine-readable; message is safe to show to the user.

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/sakif/expense-tracker/internal/apperror"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// errorStatus maps an error kind to its HTTP status and machine-readable
// name. Anything untyped is a 500.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, apperror.ErrBudgetExceeded):
		return http.StatusUnprocessableEntity, "budget_exceeded"
	case errors.Is(err, apperror.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, apperror.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperror.ErrWrite):
		return http.StatusBadGateway, "write_error"
	case errors.Is(err, apperror.ErrSync):
		return http.StatusServiceUnavailable, "sync_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeError sends err to the client. The details of untyped errors and
// of store failures stay in the log.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, kind := errorStatus(err)

	var appErr *apperror.AppError
	if status == http.StatusInternalServerError || !errors.As(err, &appErr) {
		logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "An internal error occurred",
		})
		return
	}

	if status >= 500 {
		logger.Warn("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, ErrorResponse{
		Error:   kind,
		Message: appErr.Message,
		Field:   appErr.Field,
	})
}

// decodeJSON reads a JSON body into v, rejecting anything malformed with a
// validation error.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperror.ValidationFailed("body", "Invalid JSON body").WithCause(err)
	}
	return nil
}

// numberInput accepts a JSON number or a string holding one, so form
// values can be posted as they were typed. The raw text is parsed later by
// the ledger's own parsers.
type numberInput struct {
	raw string
	set bool
}

func (n *numberInput) UnmarshalJSON(b []byte) error {
	n.set = true
	if len(b) > 0 && b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return fmt.Errorf("numberInput: %w", err)
		}
		n.raw = s
		return nil
	}
	if string(b) == "null" {
		n.set = false
		return nil
	}
	n.raw = strings.TrimSpace(string(b))
	return nil
}

func (n numberInput) String() string {
	return n.raw
}
