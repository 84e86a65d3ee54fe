package auth

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	MinPasswordLen = 10
	MaxPasswordLen = 72 // bcrypt input limit

	// SpecialCharacters is the set that satisfies the special-character rule.
	SpecialCharacters = "!@#$%^&*()_+-=[]{}|;:,.<>?"
)

// PasswordValidationError holds every rule a password violated
type PasswordValidationError struct {
	Errors []string
}

func (e *PasswordValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "password validation failed"
	}
	return "password does not meet complexity requirements"
}

// Common weak passwords to reject
var commonPasswords = map[string]bool{
	"password123!":  true,
	"password1234":  true,
	"password@123":  true,
	"welcome@1234":  true,
	"qwerty@12345":  true,
	"p@ssw0rd1234":  true,
	"letmein@1234":  true,
	"admin@123456":  true,
	"changeme@123":  true,
	"telehealth@1":  true,
	"1234567890aa!": true,
	"iloveyou@123":  true,
	"sunshine@123":  true,
	"football@123":  true,
	"trustno1@2024": true,
	"passw0rd!2024": true,
	"summer@20244":  true,
	"winter@20244":  true,
	"qwertyuiop@1":  true,
	"abcdef@12345":  true,
}

// ValidatePasswordComplexity returns every violated rule, or nil when the
// password is acceptable.
func ValidatePasswordComplexity(password string) []string {
	violations := make([]string, 0)

	if len(password) < MinPasswordLen {
		violations = append(violations, fmt.Sprintf("must be at least %d characters", MinPasswordLen))
	}
	if len(password) > MaxPasswordLen {
		violations = append(violations, fmt.Sprintf("must be at most %d characters", MaxPasswordLen))
	}

	hasUpper := false
	hasLower := false
	hasDigit := false
	hasSpecial := false

	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(SpecialCharacters, r):
			hasSpecial = true
		}
	}

	if !hasUpper {
		violations = append(violations, "must contain at least one uppercase letter")
	}
	if !hasLower {
		violations = append(violations, "must contain at least one lowercase letter")
	}
	if !hasDigit {
		violations = append(violations, "must contain at least one digit")
	}
	if !hasSpecial {
		violations = append(violations, "must contain at least one special character ("+SpecialCharacters+")")
	}

	if commonPasswords[strings.ToLower(password)] {
		violations = append(violations, "is too common, please choose a more unique password")
	}

	if len(violations) == 0 {
		return nil
	}
	return violations
}

// ValidatePassword enforces the password policy
func ValidatePassword(password string) error {
	if violations := ValidatePasswordComplexity(password); len(violations) > 0 {
		return &PasswordValidationError{Errors: violations}
	}
	return nil
}
