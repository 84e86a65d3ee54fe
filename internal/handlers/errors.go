package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/models"
	pkgauth "github.com/qbh/portal/pkg/auth"
	pkghttp "github.com/qbh/portal/pkg/http"
	pkglogger "github.com/qbh/portal/pkg/logger"
)

const maxAuditedBodyBytes = 64 << 10

// HandlerFunc is an HTTP handler that returns its failure instead of
// writing it.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// ErrorResponder renders handler errors as JSON, logs them, and audits them
// when the request carries an authenticated user.
type ErrorResponder struct {
	recorder   auth.SecurityRecorder
	logger     *slog.Logger
	production bool
}

func NewErrorResponder(recorder auth.SecurityRecorder, logger *slog.Logger, production bool) *ErrorResponder {
	return &ErrorResponder{recorder: recorder, logger: logger, production: production}
}

// Wrap adapts fn to http.HandlerFunc.
func (er *ErrorResponder) Wrap(fn HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := snapshotBody(r)
		if err := fn(w, r); err != nil {
			er.Respond(w, r, err, body)
		}
	}
}

// Respond writes err. body is the raw request body, used only for the
// audit entry.
func (er *ErrorResponder) Respond(w http.ResponseWriter, r *http.Request, err error, body []byte) {
	appErr := toAppError(err)

	attrs := []any{
		slog.Int("status", appErr.Status),
		slog.String("code", appErr.Code),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("error", err.Error()),
	}
	if appErr.Status >= http.StatusInternalServerError {
		er.logger.Error("request failed", attrs...)
	} else {
		er.logger.Info("request rejected", attrs...)
	}

	if user := auth.GetUserFromContext(r); user != nil {
		event := auth.NewRequestEvent(r, models.EventApplicationError)
		event.Outcome = models.OutcomeFailure
		event.Message = appErr.Message
		event.Details = map[string]interface{}{
			"status": appErr.Status,
			"code":   appErr.Code,
			"error":  err.Error(),
		}
		if appErr.Status >= http.StatusInternalServerError {
			event.Severity = models.SeverityHigh
		} else {
			event.Severity = models.SeverityLow
		}
		if redacted := redactedBody(body); redacted != nil {
			event.Details["requestBody"] = redacted
		}
		er.recorder.Record(r.Context(), event)
	}

	if appErr.Status >= http.StatusInternalServerError && !er.production && appErr.Err != nil {
		pkghttp.WriteErrorWithDetails(w, appErr.Status, appErr.Code, appErr.Message, map[string]string{"cause": appErr.Err.Error()})
		return
	}
	pkghttp.WriteAppError(w, appErr)
}

// toAppError maps err onto the error taxonomy. Anything unrecognised is an
// internal error.
func toAppError(err error) *pkghttp.AppError {
	if appErr, ok := pkghttp.AsAppError(err); ok {
		return appErr
	}

	var pve *pkgauth.PasswordValidationError
	if errors.As(err, &pve) {
		return pkghttp.NewValidationError("Password does not meet requirements", map[string]interface{}{"password": pve.Errors})
	}

	var locked *models.AccountLockedError
	if errors.As(err, &locked) {
		var details interface{}
		if locked.Until != nil {
			details = map[string]interface{}{"lockExpiresAt": locked.Until.UTC()}
		}
		return pkghttp.NewLockedError("Account is temporarily locked due to too many failed login attempts", details)
	}

	switch {
	case errors.Is(err, models.ErrMFARequired):
		return &pkghttp.AppError{Status: http.StatusUnauthorized, Code: "mfa_required", Message: "MFA code required", Err: err}
	case errors.Is(err, models.ErrInvalidMFACode):
		return &pkghttp.AppError{Status: http.StatusUnauthorized, Code: "invalid_mfa_code", Message: "Invalid MFA code", Err: err}
	case errors.Is(err, models.ErrUnauthorized):
		return pkghttp.NewAuthenticationError("Invalid email or password")
	case errors.Is(err, models.ErrSuperadminRequired):
		return pkghttp.NewAuthorizationError("Superadmin access required")
	case errors.Is(err, models.ErrCannotModifySelf):
		return pkghttp.NewAuthorizationError("You cannot perform this action on your own account")
	case errors.Is(err, models.ErrForbidden):
		return pkghttp.NewAuthorizationError("Insufficient permissions")
	case errors.Is(err, models.ErrDeviceNotTrusted):
		return pkghttp.NewAuthorizationError("Device is not trusted")
	case errors.Is(err, models.ErrNotFound):
		return pkghttp.NewNotFoundError("Resource not found")
	case errors.Is(err, models.ErrConflict):
		return pkghttp.NewConflictError("Resource already exists or is still referenced")
	case errors.Is(err, models.ErrPasswordReused):
		return pkghttp.NewValidationError("New password must not match any of your recent passwords", nil)
	case errors.Is(err, models.ErrInvalidResetToken):
		return pkghttp.NewBadRequestError("Password reset link is invalid or has expired")
	case errors.Is(err, models.ErrInvalidDeviceCode),
		errors.Is(err, models.ErrDeviceMismatch):
		return &pkghttp.AppError{Status: http.StatusBadRequest, Code: "invalid_device_code", Message: "Invalid verification code", Err: err}
	case errors.Is(err, models.ErrDeviceCodeExpired):
		return &pkghttp.AppError{Status: http.StatusBadRequest, Code: "device_code_expired", Message: "Verification code has expired", Err: err}
	case errors.Is(err, models.ErrMFANotPending):
		return pkghttp.NewBadRequestError("No MFA setup is in progress")
	case errors.Is(err, models.ErrBadRequest):
		return pkghttp.NewBadRequestError("Invalid request")
	default:
		return pkghttp.NewInternalError(err)
	}
}

// snapshotBody reads a JSON request body and puts it back for the handler.
func snapshotBody(r *http.Request) []byte {
	if r.Body == nil || !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxAuditedBodyBytes+1))
	rest := r.Body
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(raw), rest), rest}
	if err != nil || len(raw) > maxAuditedBodyBytes {
		return nil
	}
	return raw
}

func redactedBody(body []byte) map[string]interface{} {
	if len(body) == 0 {
		return nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil
	}
	return pkglogger.RedactDetails(fields)
}
