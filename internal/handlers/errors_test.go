package handlers_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/qbh/portal/internal/handlers"
	"github.com/qbh/portal/internal/models"
	pkgauth "github.com/qbh/portal/pkg/auth"
	pkghttp "github.com/qbh/portal/pkg/http"
	pkglogger "github.com/qbh/portal/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failing(err error) handlers.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		return err
	}
}

func TestErrorResponder_MapsSentinels(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unauthorized", models.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{"mfa required", models.ErrMFARequired, http.StatusUnauthorized, "mfa_required"},
		{"invalid mfa", models.ErrInvalidMFACode, http.StatusUnauthorized, "invalid_mfa_code"},
		{"forbidden", models.ErrForbidden, http.StatusForbidden, "forbidden"},
		{"superadmin", models.ErrSuperadminRequired, http.StatusForbidden, "forbidden"},
		{"self", models.ErrCannotModifySelf, http.StatusForbidden, "forbidden"},
		{"not found", fmt.Errorf("lookup: %w", models.ErrNotFound), http.StatusNotFound, "not_found"},
		{"conflict", models.ErrConflict, http.StatusConflict, "conflict"},
		{"reused", models.ErrPasswordReused, http.StatusBadRequest, "validation_error"},
		{"reset token", models.ErrInvalidResetToken, http.StatusBadRequest, "bad_request"},
		{"device code", models.ErrInvalidDeviceCode, http.StatusBadRequest, "invalid_device_code"},
		{"device mismatch", models.ErrDeviceMismatch, http.StatusBadRequest, "invalid_device_code"},
		{"device expired", models.ErrDeviceCodeExpired, http.StatusBadRequest, "device_code_expired"},
		{"bad request", fmt.Errorf("%w: missing", models.ErrBadRequest), http.StatusBadRequest, "bad_request"},
		{"app error", pkghttp.NewRateLimitError("slow down"), http.StatusTooManyRequests, "rate_limit_exceeded"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(failing(tt.err), NewTestRequest(t, http.MethodGet, "/", nil))
			AssertErrorResponse(t, w, tt.status, tt.code)
		})
	}
}

func TestErrorResponder_AccountLocked(t *testing.T) {
	until := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	w := serve(failing(&models.AccountLockedError{Until: &until}), NewTestRequest(t, http.MethodPost, "/", nil))

	resp := AssertErrorResponse(t, w, http.StatusLocked, "account_locked")
	details, ok := resp.Details.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "2030-01-02T03:04:05Z", details["lockExpiresAt"])
}

func TestErrorResponder_PasswordRules(t *testing.T) {
	err := pkgauth.ValidatePassword("short")
	require.Error(t, err)

	w := serve(failing(err), NewTestRequest(t, http.MethodPost, "/", nil))

	resp := AssertErrorResponse(t, w, http.StatusBadRequest, "validation_error")
	details, ok := resp.Details.(map[string]interface{})
	require.True(t, ok)
	rules, ok := details["password"].([]interface{})
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(rules), 2)
}

func TestErrorResponder_InternalDetailHiddenInProduction(t *testing.T) {
	cause := errors.New("pq: connection refused")

	dev := handlers.NewErrorResponder(&recordedEvents{}, discardLogger(), false)
	w := serveWith(dev, failing(cause), NewTestRequest(t, http.MethodGet, "/", nil))
	resp := AssertErrorResponse(t, w, http.StatusInternalServerError, "internal_error")
	assert.NotNil(t, resp.Details)

	prod := handlers.NewErrorResponder(&recordedEvents{}, discardLogger(), true)
	w = serveWith(prod, failing(cause), NewTestRequest(t, http.MethodGet, "/", nil))
	resp = AssertErrorResponse(t, w, http.StatusInternalServerError, "internal_error")
	assert.Nil(t, resp.Details)
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestErrorResponder_AuditsWithRedactedBody(t *testing.T) {
	recorder := &recordedEvents{}
	responder := handlers.NewErrorResponder(recorder, discardLogger(), true)
	user := NewTestUser("jane@example.com", models.RolePatient)

	body := map[string]interface{}{
		"email":           "jane@example.com",
		"currentPassword": "Hunter2-Hunter2",
		"nested":          map[string]interface{}{"resetToken": "abc"},
	}
	consumed := false
	handler := func(w http.ResponseWriter, r *http.Request) error {
		var got map[string]interface{}
		require.NoError(t, jsonDecode(r, &got))
		consumed = got["email"] == "jane@example.com"
		return models.ErrForbidden
	}

	req := WithUser(NewTestRequest(t, http.MethodPost, "/api/auth/change-password", body), user)
	w := serveWith(responder, handler, req)

	assert.True(t, consumed, "handler should still see the body")
	AssertErrorResponse(t, w, http.StatusForbidden, "forbidden")

	events := recorder.ofType(models.EventApplicationError)
	require.Len(t, events, 1)
	event := events[0]
	assert.Equal(t, user.ID, event.UserID)
	assert.Equal(t, http.StatusForbidden, event.Details["status"])

	logged, ok := event.Details["requestBody"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "jane@example.com", logged["email"])
	assert.Equal(t, pkglogger.RedactionMarker, logged["currentPassword"])
	nested, ok := logged["nested"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, pkglogger.RedactionMarker, nested["resetToken"])
}

func TestErrorResponder_NoAuditWithoutUser(t *testing.T) {
	recorder := &recordedEvents{}
	responder := handlers.NewErrorResponder(recorder, discardLogger(), false)

	serveWith(responder, failing(models.ErrUnauthorized), NewTestRequest(t, http.MethodPost, "/api/auth/login", nil))

	assert.Empty(t, recorder.ofType(models.EventApplicationError))
}

func TestValidateRequest_ReportsJSONFieldNames(t *testing.T) {
	err := handlers.ValidateRequest(&handlers.CreateUserRequest{Email: "not-an-email", Role: "janitor"})
	require.Error(t, err)

	appErr, ok := pkghttp.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, appErr.Status)

	fields, ok := appErr.Details.([]handlers.ValidationErrorResponse)
	require.True(t, ok)
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Field)
	}
	assert.Contains(t, names, "email")
	assert.Contains(t, names, "role")
	assert.Contains(t, names, "firstName")
}
