package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/qbh/portal/internal/models"
	"github.com/qbh/portal/internal/services"
	pkghttp "github.com/qbh/portal/pkg/http"
)

// UserService defines the interface for administrative user management
type UserService interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]*models.User, error)
	CreateUser(ctx context.Context, actor *models.User, in services.CreateUserInput) (*models.User, string, error)
	UpdateUser(ctx context.Context, actor *models.User, id string, in services.UpdateUserInput) (*models.User, error)
	DeleteUser(ctx context.Context, actor *models.User, id string) error
	ResetPassword(ctx context.Context, actor *models.User, id string) (string, error)
}

// UserHandler handles admin user management requests
type UserHandler struct {
	service UserService
}

// NewUserHandler creates a new UserHandler
func NewUserHandler(service UserService) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// Request/Response DTOs

// CreateUserRequest represents the request body for creating a user
type CreateUserRequest struct {
	Email        string `json:"email" validate:"required,email,max=254"`
	Role         string `json:"role" validate:"required,role"`
	IsSuperadmin bool   `json:"isSuperadmin"`
	FirstName    string `json:"firstName" validate:"required,min=1,max=100"`
	LastName     string `json:"lastName" validate:"required,min=1,max=100"`
	Phone        string `json:"phone" validate:"omitempty,max=32"`
}

func (r *CreateUserRequest) normalize() {
	r.Email = normalizeEmail(r.Email)
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.Phone = strings.TrimSpace(r.Phone)
}

// UpdateUserRequest represents the request body for updating a user.
// Omitted fields are left unchanged.
type UpdateUserRequest struct {
	Email        *string `json:"email" validate:"omitempty,email,max=254"`
	Role         *string `json:"role" validate:"omitempty,role"`
	IsSuperadmin *bool   `json:"isSuperadmin"`
	FirstName    *string `json:"firstName" validate:"omitempty,min=1,max=100"`
	LastName     *string `json:"lastName" validate:"omitempty,min=1,max=100"`
	Phone        *string `json:"phone" validate:"omitempty,max=32"`
}

func (r *UpdateUserRequest) normalize() {
	normalizeOptional(r.Email, normalizeEmail)
	normalizeOptional(r.FirstName, strings.TrimSpace)
	normalizeOptional(r.LastName, strings.TrimSpace)
	normalizeOptional(r.Phone, strings.TrimSpace)
}

// ListUsersResponse represents a list of users
type ListUsersResponse struct {
	Users  []models.UserResponse `json:"users"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

// TemporaryPasswordResponse returns a user together with a generated
// password that is shown once.
type TemporaryPasswordResponse struct {
	User              *models.UserResponse `json:"user,omitempty"`
	TemporaryPassword string               `json:"temporaryPassword"`
}

// RegisterRoutes registers the user management routes on a router mounted
// at /users.
func (h *UserHandler) RegisterRoutes(router chi.Router, wrap func(HandlerFunc) http.HandlerFunc) {
	router.Post("/", wrap(h.CreateUser))                           // POST /users
	router.Get("/", wrap(h.ListUsers))                             // GET /users
	router.Get("/{id}", wrap(h.GetUser))                           // GET /users/{id}
	router.Put("/{id}", wrap(h.UpdateUser))                        // PUT /users/{id}
	router.Delete("/{id}", wrap(h.DeleteUser))                     // DELETE /users/{id}
	router.Post("/{id}/reset-password", wrap(h.ResetUserPassword)) // POST /users/{id}/reset-password
}

// GetUser retrieves a user by ID
//
// @Summary Get user by ID
// @Param id path string true "User ID"
// @Produce json
// @Success 200 {object} models.UserResponse
// @Failure 404 {object} ErrorResponse
// @Router /admin/users/{id} [get]
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) error {
	user, err := h.service.GetUserByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	pkghttp.WriteJSON(w, http.StatusOK, user.ToResponse())
	return nil
}

// ListUsers retrieves a list of users with pagination
//
// @Summary List users
// @Param limit query int false "Limit (default 50)" default(50)
// @Param offset query int false "Offset (default 0)" default(0)
// @Produce json
// @Success 200 {object} ListUsersResponse
// @Failure 400 {object} ErrorResponse
// @Router /admin/users [get]
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) error {
	limit, offset, err := pagination(r, 50, 100)
	if err != nil {
		return err
	}

	users, err := h.service.ListUsers(r.Context(), limit, offset)
	if err != nil {
		return err
	}

	response := ListUsersResponse{
		Users:  make([]models.UserResponse, len(users)),
		Limit:  limit,
		Offset: offset,
	}
	for i, user := range users {
		response.Users[i] = user.ToResponse()
	}

	pkghttp.WriteJSON(w, http.StatusOK, response)
	return nil
}

// CreateUser creates an account with a temporary password the user must
// change at first login.
//
// @Summary Create a new user
// @Accept json
// @Param request body CreateUserRequest true "Create user request"
// @Produce json
// @Success 201 {object} TemporaryPasswordResponse
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /admin/users [post]
func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) error {
	actor, err := currentUser(r)
	if err != nil {
		return err
	}

	var req CreateUserRequest
	if err := decodeRequest(w, r, &req); err != nil {
		return err
	}

	user, tempPassword, err := h.service.CreateUser(r.Context(), actor, services.CreateUserInput{
		Email:        req.Email,
		Role:         req.Role,
		IsSuperadmin: req.IsSuperadmin,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Phone:        req.Phone,
	})
	if err != nil {
		return err
	}

	resp := user.ToResponse()
	pkghttp.WriteJSON(w, http.StatusCreated, TemporaryPasswordResponse{User: &resp, TemporaryPassword: tempPassword})
	return nil
}

// UpdateUser updates an existing user
//
// @Summary Update a user
// @Param id path string true "User ID"
// @Accept json
// @Param request body UpdateUserRequest true "Update user request"
// @Produce json
// @Success 200 {object} models.UserResponse
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /admin/users/{id} [put]
func (h *UserHandler) UpdateUser(w http.ResponseWriter, r *http.Request) error {
	actor, err := currentUser(r)
	if err != nil {
		return err
	}

	var req UpdateUserRequest
	if err := decodeRequest(w, r, &req); err != nil {
		return err
	}

	user, err := h.service.UpdateUser(r.Context(), actor, chi.URLParam(r, "id"), services.UpdateUserInput{
		Email:        req.Email,
		Role:         req.Role,
		IsSuperadmin: req.IsSuperadmin,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Phone:        req.Phone,
	})
	if err != nil {
		return err
	}

	pkghttp.WriteJSON(w, http.StatusOK, user.ToResponse())
	return nil
}

// DeleteUser deletes a user
//
// @Summary Delete a user
// @Param id path string true "User ID"
// @Success 204
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /admin/users/{id} [delete]
func (h *UserHandler) DeleteUser(w http.ResponseWriter, r *http.Request) error {
	actor, err := currentUser(r)
	if err != nil {
		return err
	}

	if err := h.service.DeleteUser(r.Context(), actor, chi.URLParam(r, "id")); err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// ResetUserPassword issues a new temporary password
//
// @Summary Reset a user's password
// @Param id path string true "User ID"
// @Produce json
// @Success 200 {object} TemporaryPasswordResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /admin/users/{id}/reset-password [post]
func (h *UserHandler) ResetUserPassword(w http.ResponseWriter, r *http.Request) error {
	actor, err := currentUser(r)
	if err != nil {
		return err
	}

	tempPassword, err := h.service.ResetPassword(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}

	pkghttp.WriteJSON(w, http.StatusOK, TemporaryPasswordResponse{TemporaryPassword: tempPassword})
	return nil
}

// pagination reads limit and offset query parameters.
func pagination(r *http.Request, defaultLimit, maxLimit int) (int, int, error) {
	limit, offset := defaultLimit, 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := parseIntParam(l, 1, maxLimit)
		if err != nil {
			return 0, 0, pkghttp.NewBadRequestError("Invalid limit parameter")
		}
		limit = n
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		n, err := parseIntParam(o, 0, 100000)
		if err != nil {
			return 0, 0, pkghttp.NewBadRequestError("Invalid offset parameter")
		}
		offset = n
	}
	return limit, offset, nil
}

// parseIntParam parses and validates an integer parameter
func parseIntParam(value string, min, max int) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if n < min || n > max {
		return 0, strconv.ErrRange
	}
	return n, nil
}
