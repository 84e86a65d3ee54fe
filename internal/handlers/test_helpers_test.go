package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/handlers"
	"github.com/qbh/portal/internal/models"
	"github.com/qbh/portal/internal/services"
	pkghttp "github.com/qbh/portal/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// NewTestUser returns a user with a random uuid.
func NewTestUser(email, role string) *models.User {
	return &models.User{
		ID:        uuid.NewString(),
		Email:     email,
		Role:      role,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

// WithUser attaches an authenticated user to req.
func WithUser(req *http.Request, user *models.User) *http.Request {
	return req.WithContext(auth.WithUser(req.Context(), user))
}

// WithSession attaches a server session to req.
func WithSession(req *http.Request, session *models.Session) *http.Request {
	return req.WithContext(auth.WithSession(req.Context(), session))
}

// WithURLParams sets chi route parameters on req.
func WithURLParams(req *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"), "Content-Type should be application/json")

	if target != nil {
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), target), "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) pkghttp.ErrorResponse {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
	return resp
}

// serve runs fn through an ErrorResponder.
func serve(fn handlers.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	return serveWith(handlers.NewErrorResponder(&recordedEvents{}, discardLogger(), false), fn, req)
}

func serveWith(responder *handlers.ErrorResponder, fn handlers.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	responder.Wrap(fn).ServeHTTP(w, req)
	return w
}

func cookieFrom(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func newTestSessionManager(t *testing.T) (*auth.SessionManager, *auth.MemorySessionStore) {
	t.Helper()
	store := auth.NewMemorySessionStore()
	sessions, err := auth.NewSessionManager(store, auth.SessionConfig{
		Secret: "test-session-secret-0123456789abcdef",
		Cookie: auth.NewCookieConfig("", false),
	}, discardLogger())
	require.NoError(t, err)
	return sessions, store
}

type recordedEvents struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (r *recordedEvents) Record(ctx context.Context, event models.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordedEvents) ofType(t models.SecurityEventType) []models.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SecurityEvent
	for _, e := range r.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// MockAuthService implements handlers.AuthServiceInterface and
// handlers.CredentialChecker for testing
type MockAuthService struct {
	LoginFunc                func(ctx context.Context, email, password, mfaCode string) (*models.LoginResult, error)
	AuthenticateFunc         func(ctx context.Context, email, password, mfaCode string) (*models.User, error)
	RegisterFunc             func(ctx context.Context, in services.RegisterInput) (*models.User, error)
	ChangePasswordFunc       func(ctx context.Context, userID, currentPassword, newPassword string) error
	RequestPasswordResetFunc func(ctx context.Context, email string) error
	ResetPasswordFunc        func(ctx context.Context, token, newPassword string) error
	LoggedOut                []string
}

func (m *MockAuthService) Login(ctx context.Context, email, password, mfaCode string) (*models.LoginResult, error) {
	return m.LoginFunc(ctx, email, password, mfaCode)
}

func (m *MockAuthService) Authenticate(ctx context.Context, email, password, mfaCode string) (*models.User, error) {
	return m.AuthenticateFunc(ctx, email, password, mfaCode)
}

func (m *MockAuthService) Logout(ctx context.Context, userID string) {
	m.LoggedOut = append(m.LoggedOut, userID)
}

func (m *MockAuthService) Register(ctx context.Context, in services.RegisterInput) (*models.User, error) {
	return m.RegisterFunc(ctx, in)
}

func (m *MockAuthService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	return m.ChangePasswordFunc(ctx, userID, currentPassword, newPassword)
}

func (m *MockAuthService) RequestPasswordReset(ctx context.Context, email string) error {
	return m.RequestPasswordResetFunc(ctx, email)
}

func (m *MockAuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	return m.ResetPasswordFunc(ctx, token, newPassword)
}

// MockMFAService implements handlers.MFAServiceInterface for testing
type MockMFAService struct {
	GenerateSecretFunc  func(accountName string) (*models.MFASetup, error)
	EnableFunc          func(ctx context.Context, userID, secret, token string) ([]string, error)
	DisableFunc         func(ctx context.Context, userID, actorID string) error
	VerifyLoginCodeFunc func(ctx context.Context, user *models.User, code string) bool
	StatusFunc          func(ctx context.Context, userID string) (*models.MFAStatus, error)
}

func (m *MockMFAService) GenerateSecret(accountName string) (*models.MFASetup, error) {
	return m.GenerateSecretFunc(accountName)
}

func (m *MockMFAService) Enable(ctx context.Context, userID, secret, token string) ([]string, error) {
	return m.EnableFunc(ctx, userID, secret, token)
}

func (m *MockMFAService) Disable(ctx context.Context, userID, actorID string) error {
	return m.DisableFunc(ctx, userID, actorID)
}

func (m *MockMFAService) VerifyLoginCode(ctx context.Context, user *models.User, code string) bool {
	return m.VerifyLoginCodeFunc(ctx, user, code)
}

func (m *MockMFAService) Status(ctx context.Context, userID string) (*models.MFAStatus, error) {
	return m.StatusFunc(ctx, userID)
}

// MockDeviceTrustService implements handlers.DeviceTrustServiceInterface for testing
type MockDeviceTrustService struct {
	GenerateVerificationCodeFunc func(ctx context.Context, userID string, device services.DeviceInfo) (time.Time, error)
	VerifyDeviceCodeFunc         func(ctx context.Context, userID, deviceID, code string) (*models.TrustedDevice, error)
	GenerateMobileAuthTokenFunc  func(ctx context.Context, user *models.User, deviceID string) (*services.MobileToken, error)
	RemoveTrustedDeviceFunc      func(ctx context.Context, userID, deviceID, actorID string) (bool, error)
	ListTrustedDevicesFunc       func(ctx context.Context, userID string) ([]models.TrustedDevice, error)
}

func (m *MockDeviceTrustService) GenerateVerificationCode(ctx context.Context, userID string, device services.DeviceInfo) (time.Time, error) {
	return m.GenerateVerificationCodeFunc(ctx, userID, device)
}

func (m *MockDeviceTrustService) VerifyDeviceCode(ctx context.Context, userID, deviceID, code string) (*models.TrustedDevice, error) {
	return m.VerifyDeviceCodeFunc(ctx, userID, deviceID, code)
}

func (m *MockDeviceTrustService) IsDeviceTrusted(user *models.User, deviceID string) bool {
	return models.FindTrustedDevice(user.Metadata.TrustedDevices, deviceID) >= 0
}

func (m *MockDeviceTrustService) GenerateMobileAuthToken(ctx context.Context, user *models.User, deviceID string) (*services.MobileToken, error) {
	return m.GenerateMobileAuthTokenFunc(ctx, user, deviceID)
}

func (m *MockDeviceTrustService) RemoveTrustedDevice(ctx context.Context, userID, deviceID, actorID string) (bool, error) {
	return m.RemoveTrustedDeviceFunc(ctx, userID, deviceID, actorID)
}

func (m *MockDeviceTrustService) ListTrustedDevices(ctx context.Context, userID string) ([]models.TrustedDevice, error) {
	return m.ListTrustedDevicesFunc(ctx, userID)
}

// userDirectory implements handlers.UserLookup over a fixed set of users
type userDirectory map[string]*models.User

func (d userDirectory) GetByID(ctx context.Context, id string) (*models.User, error) {
	for _, u := range d {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, models.ErrNotFound
}

func (d userDirectory) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if u, ok := d[email]; ok {
		return u, nil
	}
	return nil, models.ErrNotFound
}

// MockUserService implements handlers.UserService for testing
type MockUserService struct {
	GetUserByIDFunc   func(ctx context.Context, id string) (*models.User, error)
	ListUsersFunc     func(ctx context.Context, limit, offset int) ([]*models.User, error)
	CreateUserFunc    func(ctx context.Context, actor *models.User, in services.CreateUserInput) (*models.User, string, error)
	UpdateUserFunc    func(ctx context.Context, actor *models.User, id string, in services.UpdateUserInput) (*models.User, error)
	DeleteUserFunc    func(ctx context.Context, actor *models.User, id string) error
	ResetPasswordFunc func(ctx context.Context, actor *models.User, id string) (string, error)
}

func (m *MockUserService) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return m.GetUserByIDFunc(ctx, id)
}

func (m *MockUserService) ListUsers(ctx context.Context, limit, offset int) ([]*models.User, error) {
	return m.ListUsersFunc(ctx, limit, offset)
}

func (m *MockUserService) CreateUser(ctx context.Context, actor *models.User, in services.CreateUserInput) (*models.User, string, error) {
	return m.CreateUserFunc(ctx, actor, in)
}

func (m *MockUserService) UpdateUser(ctx context.Context, actor *models.User, id string, in services.UpdateUserInput) (*models.User, error) {
	return m.UpdateUserFunc(ctx, actor, id, in)
}

func (m *MockUserService) DeleteUser(ctx context.Context, actor *models.User, id string) error {
	return m.DeleteUserFunc(ctx, actor, id)
}

func (m *MockUserService) ResetPassword(ctx context.Context, actor *models.User, id string) (string, error) {
	return m.ResetPasswordFunc(ctx, actor, id)
}

// MockAdminService implements handlers.AdminServiceInterface for testing
type MockAdminService struct {
	LockUserFunc          func(ctx context.Context, actor *models.User, id string, until *time.Time) error
	UnlockUserFunc        func(ctx context.Context, actor *models.User, id string) error
	DisableMFAFunc        func(ctx context.Context, actor *models.User, id string) error
	RemoveDeviceFunc      func(ctx context.Context, actor *models.User, id, deviceID string) (bool, error)
	RotateSecretFunc      func(ctx context.Context, actor *models.User) (models.SecretVersion, error)
	GetDashboardStatsFunc func(ctx context.Context) (*services.DashboardStatsResponse, error)
	GetRecentActivityFunc func(ctx context.Context, limit int) (*services.DashboardActivityResponse, error)
}

func (m *MockAdminService) LockUser(ctx context.Context, actor *models.User, id string, until *time.Time) error {
	return m.LockUserFunc(ctx, actor, id, until)
}

func (m *MockAdminService) UnlockUser(ctx context.Context, actor *models.User, id string) error {
	return m.UnlockUserFunc(ctx, actor, id)
}

func (m *MockAdminService) DisableMFA(ctx context.Context, actor *models.User, id string) error {
	return m.DisableMFAFunc(ctx, actor, id)
}

func (m *MockAdminService) RemoveDevice(ctx context.Context, actor *models.User, id, deviceID string) (bool, error) {
	return m.RemoveDeviceFunc(ctx, actor, id, deviceID)
}

func (m *MockAdminService) RotateSecret(ctx context.Context, actor *models.User) (models.SecretVersion, error) {
	return m.RotateSecretFunc(ctx, actor)
}

func (m *MockAdminService) GetDashboardStats(ctx context.Context) (*services.DashboardStatsResponse, error) {
	return m.GetDashboardStatsFunc(ctx)
}

func (m *MockAdminService) GetRecentActivity(ctx context.Context, limit int) (*services.DashboardActivityResponse, error) {
	return m.GetRecentActivityFunc(ctx, limit)
}

// MockAuditReader implements handlers.AuditReader for testing
type MockAuditReader struct {
	ListEventsFunc       func(ctx context.Context, filter models.AuditLogFilter) ([]*models.AuditLog, error)
	ComplianceReportFunc func(ctx context.Context, since time.Time) (*models.ComplianceReport, error)
}

func (m *MockAuditReader) ListEvents(ctx context.Context, filter models.AuditLogFilter) ([]*models.AuditLog, error) {
	return m.ListEventsFunc(ctx, filter)
}

func (m *MockAuditReader) ComplianceReport(ctx context.Context, since time.Time) (*models.ComplianceReport, error) {
	return m.ComplianceReportFunc(ctx, since)
}

// MockMedicalRecordService implements handlers.MedicalRecordServiceInterface for testing
type MockMedicalRecordService struct {
	CreateFunc         func(ctx context.Context, actor *models.User, in services.CreateMedicalRecordInput) (*models.MedicalRecord, error)
	GetFunc            func(ctx context.Context, actor *models.User, id string) (*models.MedicalRecord, error)
	ListForPatientFunc func(ctx context.Context, actor *models.User, patientID string, limit, offset int) ([]*models.MedicalRecord, error)
}

func (m *MockMedicalRecordService) Create(ctx context.Context, actor *models.User, in services.CreateMedicalRecordInput) (*models.MedicalRecord, error) {
	return m.CreateFunc(ctx, actor, in)
}

func (m *MockMedicalRecordService) Get(ctx context.Context, actor *models.User, id string) (*models.MedicalRecord, error) {
	return m.GetFunc(ctx, actor, id)
}

func (m *MockMedicalRecordService) ListForPatient(ctx context.Context, actor *models.User, patientID string, limit, offset int) ([]*models.MedicalRecord, error) {
	return m.ListForPatientFunc(ctx, actor, patientID, limit, offset)
}

func jsonDecode(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}
