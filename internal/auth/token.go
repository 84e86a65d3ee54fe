package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/qbh/portal/internal/models"
)

const tokenIssuer = "qbh-portal"

// SecretProvider supplies signing secrets to the token manager.
type SecretProvider interface {
	CurrentSecret(ctx context.Context) (models.SecretVersion, error)
	ValidSecrets(ctx context.Context) ([]models.SecretVersion, error)
}

// TokenConfig sets the lifetime of each token type.
type TokenConfig struct {
	WebExpiry    time.Duration
	MobileExpiry time.Duration
	ResetExpiry  time.Duration
}

// TokenManager handles JWT token generation and validation
type TokenManager struct {
	secrets SecretProvider
	cfg     TokenConfig
	now     func() time.Time
}

// NewTokenManager creates a new token manager. Zero expiries fall back to
// 24h for web, 30 days for mobile and 1h for reset tokens.
func NewTokenManager(secrets SecretProvider, cfg TokenConfig) *TokenManager {
	if cfg.WebExpiry <= 0 {
		cfg.WebExpiry = 24 * time.Hour
	}
	if cfg.MobileExpiry <= 0 {
		cfg.MobileExpiry = 30 * 24 * time.Hour
	}
	if cfg.ResetExpiry <= 0 {
		cfg.ResetExpiry = time.Hour
	}
	return &TokenManager{secrets: secrets, cfg: cfg, now: time.Now}
}

// WebExpiry is the lifetime of a web token, used for the token cookie.
func (tm *TokenManager) WebExpiry() time.Duration {
	return tm.cfg.WebExpiry
}

// ResetExpiry is the lifetime of a password reset token.
func (tm *TokenManager) ResetExpiry() time.Duration {
	return tm.cfg.ResetExpiry
}

// GenerateToken issues a web token for user.
func (tm *TokenManager) GenerateToken(ctx context.Context, user *models.User) (string, error) {
	claims := tm.claims(user, models.TokenTypeWeb, tm.cfg.WebExpiry)
	return tm.sign(ctx, claims)
}

// GenerateMobileToken issues a long-lived token bound to deviceID.
func (tm *TokenManager) GenerateMobileToken(ctx context.Context, user *models.User, deviceID string) (string, time.Time, error) {
	claims := tm.claims(user, models.TokenTypeMobile, tm.cfg.MobileExpiry)
	claims.DeviceID = deviceID
	token, err := tm.sign(ctx, claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, claims.ExpiresAt.Time, nil
}

// GeneratePasswordResetToken issues a reset token that stops validating once
// the user's password hash changes.
func (tm *TokenManager) GeneratePasswordResetToken(ctx context.Context, user *models.User) (string, error) {
	claims := tm.claims(user, models.TokenTypePasswordReset, tm.cfg.ResetExpiry)
	claims.Role = ""
	claims.Fingerprint = PasswordFingerprint(user.PasswordHash)
	return tm.sign(ctx, claims)
}

// ValidateToken verifies tokenString against every valid secret, current
// first. The first secret that verifies wins.
func (tm *TokenManager) ValidateToken(ctx context.Context, tokenString string) (*models.TokenClaims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", models.ErrUnauthorized)
	}

	secrets, err := tm.secrets.ValidSecrets(ctx)
	if err != nil {
		return nil, err
	}

	for _, secret := range secrets {
		key := []byte(secret.Key)
		claims := &models.TokenClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims,
			func(*jwt.Token) (interface{}, error) { return key, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(tm.now),
		)
		if err == nil && token.Valid {
			return claims, nil
		}
		// the signature matched this secret, so no other secret will do better
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, jwt.ErrTokenNotValidYet) {
			return nil, fmt.Errorf("%w: %v", models.ErrUnauthorized, err)
		}
	}

	return nil, fmt.Errorf("%w: invalid token", models.ErrUnauthorized)
}

// PasswordFingerprint is a short digest of a stored password hash.
func PasswordFingerprint(passwordHash string) string {
	sum := sha256.Sum256([]byte(passwordHash))
	return hex.EncodeToString(sum[:8])
}

func (tm *TokenManager) claims(user *models.User, tokenType string, ttl time.Duration) *models.TokenClaims {
	now := tm.now()
	return &models.TokenClaims{
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokenIssuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

func (tm *TokenManager) sign(ctx context.Context, claims *models.TokenClaims) (string, error) {
	secret, err := tm.secrets.CurrentSecret(ctx)
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret.Key))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
