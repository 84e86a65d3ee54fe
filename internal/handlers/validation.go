package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/models"
	pkghttp "github.com/qbh/portal/pkg/http"
)

const maxRequestBodyBytes = 1 << 20

// ValidationErrorResponse represents a validation error with field-level details
type ValidationErrorResponse struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Global validator instance (reused across all handlers)
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("role", func(fl validator.FieldLevel) bool {
		return models.IsValidRole(fl.Field().String())
	})
	return v
}

// ValidateRequest validates a request struct using go-playground/validator.
// A failure is returned as a validation AppError listing every field.
func ValidateRequest(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	ve, ok := err.(validator.ValidationErrors)
	if !ok || len(ve) == 0 {
		return pkghttp.NewValidationError("Invalid request", nil)
	}

	fields := make([]ValidationErrorResponse, 0, len(ve))
	for _, fieldError := range ve {
		fields = append(fields, ValidationErrorResponse{
			Field:   fieldError.Field(),
			Message: formatValidationError(fieldError),
		})
	}
	return pkghttp.NewValidationError(
		fmt.Sprintf("validation failed: %s: %s", fields[0].Field, fields[0].Message),
		fields,
	)
}

// normalizer is implemented by DTOs that clean their fields before
// validation runs.
type normalizer interface {
	normalize()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeOptional(s *string, fn func(string) string) {
	if s != nil {
		*s = fn(*s)
	}
}

// decodeRequest reads a JSON body into dst, normalizes it and validates it.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return pkghttp.NewBadRequestError("Invalid request body")
	}
	if n, ok := dst.(normalizer); ok {
		n.normalize()
	}
	return ValidateRequest(dst)
}

// decodeOptionalRequest is decodeRequest for endpoints where the body may be
// omitted entirely.
func decodeOptionalRequest(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return pkghttp.NewBadRequestError("Invalid request body")
	}
	if n, ok := dst.(normalizer); ok {
		n.normalize()
	}
	return ValidateRequest(dst)
}

// currentUser returns the authenticated user or an authentication error.
func currentUser(r *http.Request) (*models.User, error) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		return nil, pkghttp.NewAuthenticationError("Authentication required")
	}
	return user, nil
}

// formatValidationError converts a validator FieldError to a user-friendly message
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must have a minimum of %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must have a maximum of %s characters", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "numeric":
		return "must contain only digits"
	case "uuid":
		return "must be a valid UUID"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "role":
		return fmt.Sprintf("must be one of: %s", strings.Join(models.ValidRoles, " "))
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
