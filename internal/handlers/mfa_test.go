package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/handlers"
	"github.com/qbh/portal/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mfaFixture struct {
	svc      *MockMFAService
	sessions *auth.SessionManager
	handler  *handlers.MFAHandler
	user     *models.User
	session  *models.Session
}

func newMFAFixture(t *testing.T) *mfaFixture {
	t.Helper()
	f := &mfaFixture{
		svc:  &MockMFAService{},
		user: NewTestUser("jane@example.com", models.RolePatient),
	}
	f.sessions, _ = newTestSessionManager(t)
	f.handler = handlers.NewMFAHandler(f.svc, f.sessions, discardLogger())

	session, err := f.sessions.Create(context.Background(), httptest.NewRecorder(), f.user.ID, f.user.Role)
	require.NoError(t, err)
	f.session = session
	return f
}

func (f *mfaFixture) request(t *testing.T, method, url string, body interface{}) *http.Request {
	return WithUser(WithSession(NewTestRequest(t, method, url, body), f.session), f.user)
}

func TestMFAStatus(t *testing.T) {
	f := newMFAFixture(t)
	f.svc.StatusFunc = func(ctx context.Context, userID string) (*models.MFAStatus, error) {
		return &models.MFAStatus{MFAEnabled: true, BackupCodesRemaining: 7}, nil
	}

	w := serve(f.handler.Status, f.request(t, http.MethodGet, "/api/mfa/status", nil))

	var status models.MFAStatus
	AssertJSONResponse(t, w, http.StatusOK, &status)
	assert.True(t, status.MFAEnabled)
	assert.Equal(t, 7, status.BackupCodesRemaining)
}

func TestMFASetup_StoresPendingSecretInSession(t *testing.T) {
	f := newMFAFixture(t)
	f.svc.GenerateSecretFunc = func(accountName string) (*models.MFASetup, error) {
		assert.Equal(t, f.user.Email, accountName)
		return &models.MFASetup{Secret: "JBSWY3DPEHPK3PXP", URI: "otpauth://totp/QBH:jane", QRCode: "data:image/png;base64,AAAA"}, nil
	}

	w := serve(f.handler.Setup, f.request(t, http.MethodPost, "/api/mfa/setup", nil))

	var resp handlers.MFASetupResponse
	AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", resp.Secret)
	assert.Contains(t, resp.QRCode, "data:image/png")

	cookie := cookieFrom(w, auth.SessionCookieName)
	require.NotNil(t, cookie)
	next := NewTestRequest(t, http.MethodGet, "/", nil)
	next.AddCookie(cookie)
	stored, err := f.sessions.Load(next)
	require.NoError(t, err)
	secret, ok := stored.MFAEnrollment.Pending()
	require.True(t, ok)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", secret)
}

func TestMFASetup_AlreadyEnabled(t *testing.T) {
	f := newMFAFixture(t)
	f.user.MFAEnabled = true

	w := serve(f.handler.Setup, f.request(t, http.MethodPost, "/api/mfa/setup", nil))

	AssertErrorResponse(t, w, http.StatusConflict, "conflict")
}

func TestMFAVerify_NoPendingEnrollment(t *testing.T) {
	f := newMFAFixture(t)

	w := serve(f.handler.Verify, f.request(t, http.MethodPost, "/api/mfa/verify", handlers.VerifyMFASetupRequest{Token: "123456"}))

	AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request")
}

func TestMFAVerify_EnablesAndReturnsBackupCodes(t *testing.T) {
	f := newMFAFixture(t)
	f.session.MFAEnrollment = &models.MFAEnrollment{State: models.MFAPendingVerification, Secret: "PENDINGSECRET"}
	f.svc.EnableFunc = func(ctx context.Context, userID, secret, token string) ([]string, error) {
		assert.Equal(t, f.user.ID, userID)
		assert.Equal(t, "PENDINGSECRET", secret)
		assert.Equal(t, "123456", token)
		return []string{"AAAA-BBBB", "CCCC-DDDD"}, nil
	}

	w := serve(f.handler.Verify, f.request(t, http.MethodPost, "/api/mfa/verify", handlers.VerifyMFASetupRequest{Token: "123456"}))

	var resp handlers.VerifyMFASetupResponse
	AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.True(t, resp.MFAEnabled)
	assert.Len(t, resp.BackupCodes, 2)
	assert.Equal(t, models.MFAEnabled, f.session.MFAEnrollment.State)
	assert.Empty(t, f.session.MFAEnrollment.Secret)
}

func TestMFAVerify_WrongCodeKeepsEnrollmentPending(t *testing.T) {
	f := newMFAFixture(t)
	f.session.MFAEnrollment = &models.MFAEnrollment{State: models.MFAPendingVerification, Secret: "PENDINGSECRET"}
	f.svc.EnableFunc = func(ctx context.Context, userID, secret, token string) ([]string, error) {
		return nil, models.ErrInvalidMFACode
	}

	w := serve(f.handler.Verify, f.request(t, http.MethodPost, "/api/mfa/verify", handlers.VerifyMFASetupRequest{Token: "000000"}))

	AssertErrorResponse(t, w, http.StatusUnauthorized, "invalid_mfa_code")
	_, ok := f.session.MFAEnrollment.Pending()
	assert.True(t, ok)
}

func TestMFAVerify_RejectsMalformedToken(t *testing.T) {
	f := newMFAFixture(t)

	w := serve(f.handler.Verify, f.request(t, http.MethodPost, "/api/mfa/verify", handlers.VerifyMFASetupRequest{Token: "12ab"}))

	AssertErrorResponse(t, w, http.StatusBadRequest, "validation_error")
}

func TestMFADisable(t *testing.T) {
	t.Run("requires valid code", func(t *testing.T) {
		f := newMFAFixture(t)
		f.user.MFAEnabled = true
		f.svc.VerifyLoginCodeFunc = func(ctx context.Context, user *models.User, code string) bool { return false }

		w := serve(f.handler.Disable, f.request(t, http.MethodPost, "/api/mfa/disable", handlers.DisableMFARequest{Code: "000000"}))

		AssertErrorResponse(t, w, http.StatusUnauthorized, "invalid_mfa_code")
	})

	t.Run("privileged roles cannot opt out", func(t *testing.T) {
		f := newMFAFixture(t)
		f.user.Role = models.RoleProvider
		f.user.MFAEnabled = true

		w := serve(f.handler.Disable, f.request(t, http.MethodPost, "/api/mfa/disable", handlers.DisableMFARequest{Code: "123456"}))

		AssertErrorResponse(t, w, http.StatusForbidden, "forbidden")
	})

	t.Run("success", func(t *testing.T) {
		f := newMFAFixture(t)
		f.user.MFAEnabled = true
		var disabled string
		f.svc.VerifyLoginCodeFunc = func(ctx context.Context, user *models.User, code string) bool { return code == "123456" }
		f.svc.DisableFunc = func(ctx context.Context, userID, actorID string) error {
			disabled = userID
			assert.Equal(t, userID, actorID)
			return nil
		}

		w := serve(f.handler.Disable, f.request(t, http.MethodPost, "/api/mfa/disable", handlers.DisableMFARequest{Code: "123456"}))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, f.user.ID, disabled)
	})

	t.Run("not enabled", func(t *testing.T) {
		f := newMFAFixture(t)

		w := serve(f.handler.Disable, f.request(t, http.MethodPost, "/api/mfa/disable", handlers.DisableMFARequest{Code: "123456"}))

		AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request")
	})
}
