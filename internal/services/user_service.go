package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/models"
	pkgauth "github.com/qbh/portal/pkg/auth"
)

// UserRepository defines the interface for user data access
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	List(ctx context.Context, limit, offset int) ([]*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	Update(ctx context.Context, user *models.User) (*models.User, error)
	Delete(ctx context.Context, id string) error
	UpdatePassword(ctx context.Context, id, passwordHash string, changeRequired bool, history []string) error
}

// CreateUserInput is an administrator's request to create an account
type CreateUserInput struct {
	Email        string
	Role         string
	IsSuperadmin bool
	FirstName    string
	LastName     string
	Phone        string
}

// UpdateUserInput holds optional changes; nil fields are left as they are
type UpdateUserInput struct {
	Email        *string
	Role         *string
	IsSuperadmin *bool
	FirstName    *string
	LastName     *string
	Phone        *string
}

// UserService handles administrative user management. Granting or
// revoking admin or superadmin privileges requires a superadmin actor.
type UserService struct {
	repo     UserRepository
	recorder auth.SecurityRecorder
	logger   *slog.Logger
}

// NewUserService creates a new UserService
func NewUserService(repo UserRepository, recorder auth.SecurityRecorder, logger *slog.Logger) *UserService {
	return &UserService{
		repo:     repo,
		recorder: recorder,
		logger:   logger,
	}
}

// GetUserByID retrieves a user by ID
func (s *UserService) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Info("user not found", slog.String("user_id", id))
			return nil, models.ErrNotFound
		}
		s.logger.Error("failed to get user", slog.String("user_id", id), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return user, nil
}

// ListUsers retrieves a list of users with pagination
func (s *UserService) ListUsers(ctx context.Context, limit, offset int) ([]*models.User, error) {
	users, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		s.logger.Error("failed to list users", slog.Int("limit", limit), slog.Int("offset", offset), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return users, nil
}

// CreateUser creates an account with a generated temporary password that
// must be changed at first login. The temporary password is returned once.
func (s *UserService) CreateUser(ctx context.Context, actor *models.User, in CreateUserInput) (*models.User, string, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" {
		return nil, "", fmt.Errorf("%w: email is required", models.ErrBadRequest)
	}
	if !models.IsValidRole(in.Role) {
		return nil, "", fmt.Errorf("%w: invalid role %q", models.ErrBadRequest, in.Role)
	}
	if (in.Role == models.RoleAdmin || in.IsSuperadmin) && !actor.IsSuperadmin {
		s.recordPrivilegeDenied(ctx, actor, "", in.Role, in.IsSuperadmin)
		return nil, "", models.ErrSuperadminRequired
	}

	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		s.logger.Info("user already exists")
		return nil, "", models.ErrConflict
	} else if !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("failed to check if user exists", slog.Any("error", err))
		return nil, "", models.ErrInternalServer
	}

	tempPassword, err := pkgauth.GenerateTemporaryPassword()
	if err != nil {
		s.logger.Error("failed to generate temporary password", slog.Any("error", err))
		return nil, "", models.ErrInternalServer
	}
	hash, err := pkgauth.HashPasswordBcrypt(tempPassword)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return nil, "", models.ErrInternalServer
	}

	created, err := s.repo.Create(ctx, &models.User{
		Email:                  email,
		PasswordHash:           hash,
		Role:                   in.Role,
		IsSuperadmin:           in.IsSuperadmin,
		ChangePasswordRequired: true,
		Metadata: models.UserMetadata{
			FirstName: strings.TrimSpace(in.FirstName),
			LastName:  strings.TrimSpace(in.LastName),
			Phone:     strings.TrimSpace(in.Phone),
		},
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, "", models.ErrConflict
		}
		s.logger.Error("failed to create user", slog.Any("error", err))
		return nil, "", models.ErrInternalServer
	}

	s.logger.Info("user created", slog.String("user_id", created.ID), slog.String("actor_id", actor.ID))
	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventUserCreated,
		UserID:       actor.ID,
		TargetUserID: created.ID,
		ResourceType: models.ResourceUser,
		ResourceID:   created.ID,
		Message:      "user created by administrator",
		Details:      map[string]interface{}{"role": created.Role, "isSuperadmin": created.IsSuperadmin},
	})
	return created, tempPassword, nil
}

// UpdateUser applies in to user id on behalf of actor
func (s *UserService) UpdateUser(ctx context.Context, actor *models.User, id string, in UpdateUserInput) (*models.User, error) {
	existing, err := s.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}

	privileged := in.Role != nil && *in.Role != existing.Role ||
		in.IsSuperadmin != nil && *in.IsSuperadmin != existing.IsSuperadmin
	if privileged {
		if actor.ID == id {
			return nil, models.ErrCannotModifySelf
		}
		if in.Role != nil && !models.IsValidRole(*in.Role) {
			return nil, fmt.Errorf("%w: invalid role %q", models.ErrBadRequest, *in.Role)
		}
		newRole := existing.Role
		if in.Role != nil {
			newRole = *in.Role
		}
		touchesAdmin := existing.Role == models.RoleAdmin || newRole == models.RoleAdmin || in.IsSuperadmin != nil
		if touchesAdmin && !actor.IsSuperadmin {
			s.recordPrivilegeDenied(ctx, actor, id, newRole, in.IsSuperadmin != nil && *in.IsSuperadmin)
			return nil, models.ErrSuperadminRequired
		}
	}

	before := map[string]interface{}{"role": existing.Role, "isSuperadmin": existing.IsSuperadmin}
	if in.Email != nil {
		existing.Email = strings.ToLower(strings.TrimSpace(*in.Email))
	}
	if in.Role != nil {
		existing.Role = *in.Role
	}
	if in.IsSuperadmin != nil {
		existing.IsSuperadmin = *in.IsSuperadmin
	}
	if in.FirstName != nil {
		existing.Metadata.FirstName = strings.TrimSpace(*in.FirstName)
	}
	if in.LastName != nil {
		existing.Metadata.LastName = strings.TrimSpace(*in.LastName)
	}
	if in.Phone != nil {
		existing.Metadata.Phone = strings.TrimSpace(*in.Phone)
	}

	updated, err := s.repo.Update(ctx, existing)
	if err != nil {
		if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		s.logger.Error("failed to update user", slog.String("user_id", id), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("user updated", slog.String("user_id", id))
	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventUserUpdated,
		UserID:       actor.ID,
		TargetUserID: id,
		ResourceType: models.ResourceUser,
		ResourceID:   id,
		Message:      "user updated by administrator",
	})
	if privileged {
		s.recorder.Record(ctx, models.SecurityEvent{
			EventType:    models.EventPrivilegeChange,
			UserID:       actor.ID,
			TargetUserID: id,
			ResourceType: models.ResourceUser,
			ResourceID:   id,
			Message:      "user privileges changed",
			Details: map[string]interface{}{
				"before": before,
				"after":  map[string]interface{}{"role": updated.Role, "isSuperadmin": updated.IsSuperadmin},
			},
		})
	}
	return updated, nil
}

// DeleteUser deletes a user. Administrators cannot delete themselves and
// only a superadmin can delete a superadmin.
func (s *UserService) DeleteUser(ctx context.Context, actor *models.User, id string) error {
	if actor.ID == id {
		return models.ErrCannotModifySelf
	}

	existing, err := s.GetUserByID(ctx, id)
	if err != nil {
		return err
	}
	if existing.IsSuperadmin && !actor.IsSuperadmin {
		return models.ErrSuperadminRequired
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrConflict) {
			return err
		}
		s.logger.Error("failed to delete user", slog.String("user_id", id), slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.logger.Info("user deleted", slog.String("user_id", id))
	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventUserDeleted,
		UserID:       actor.ID,
		TargetUserID: id,
		ResourceType: models.ResourceUser,
		ResourceID:   id,
		Message:      "user deleted by administrator",
		Details:      map[string]interface{}{"role": existing.Role},
	})
	return nil
}

// ResetPassword replaces user id's password with a temporary one that must
// be changed at next login, and returns it.
func (s *UserService) ResetPassword(ctx context.Context, actor *models.User, id string) (string, error) {
	existing, err := s.GetUserByID(ctx, id)
	if err != nil {
		return "", err
	}
	if existing.IsSuperadmin && !actor.IsSuperadmin {
		return "", models.ErrSuperadminRequired
	}

	tempPassword, err := pkgauth.GenerateTemporaryPassword()
	if err != nil {
		s.logger.Error("failed to generate temporary password", slog.Any("error", err))
		return "", models.ErrInternalServer
	}
	hash, err := pkgauth.HashPasswordBcrypt(tempPassword)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return "", models.ErrInternalServer
	}

	history := AppendPasswordHistory(existing.Metadata.PasswordHistory, existing.PasswordHash)
	if err := s.repo.UpdatePassword(ctx, id, hash, true, history); err != nil {
		s.logger.Error("failed to reset password", slog.String("user_id", id), slog.Any("error", err))
		return "", models.ErrInternalServer
	}

	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventPasswordReset,
		UserID:       actor.ID,
		TargetUserID: id,
		ResourceType: models.ResourceUser,
		ResourceID:   id,
		Message:      "password reset by administrator",
	})
	return tempPassword, nil
}

func (s *UserService) recordPrivilegeDenied(ctx context.Context, actor *models.User, targetID, role string, superadmin bool) {
	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventPrivilegeChange,
		Outcome:      models.OutcomeDenied,
		Severity:     models.SeverityHigh,
		UserID:       actor.ID,
		TargetUserID: targetID,
		ResourceType: models.ResourceUser,
		ResourceID:   targetID,
		Message:      "privilege grant requires superadmin",
		Details: map[string]interface{}{
			"requestedRole":       role,
			"requestedSuperadmin": superadmin,
			"actorRole":           actor.Role,
		},
	})
}
