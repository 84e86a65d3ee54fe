package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	upperChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerChars = "abcdefghijklmnopqrstuvwxyz"
	digitChars = "0123456789"

	// AmbiguousCharacters are dropped from temporary passwords.
	AmbiguousCharacters = "IOlo01"

	TemporaryPasswordLen = 14
)

// PasswordOptions selects the character classes of a generated password.
type PasswordOptions struct {
	Length           int
	Uppercase        bool
	Lowercase        bool
	Digits           bool
	Special          bool
	ExcludeAmbiguous bool
}

// DefaultPasswordOptions uses every class.
var DefaultPasswordOptions = PasswordOptions{
	Length:    16,
	Uppercase: true,
	Lowercase: true,
	Digits:    true,
	Special:   true,
}

// GenerateSecurePassword returns a password containing at least one
// character of every selected class, shuffled with Fisher-Yates.
func GenerateSecurePassword(opts PasswordOptions) (string, error) {
	sets := make([]string, 0, 4)
	if opts.Uppercase {
		sets = append(sets, upperChars)
	}
	if opts.Lowercase {
		sets = append(sets, lowerChars)
	}
	if opts.Digits {
		sets = append(sets, digitChars)
	}
	if opts.Special {
		sets = append(sets, SpecialCharacters)
	}
	if len(sets) == 0 {
		return "", errors.New("at least one character class must be selected")
	}
	if opts.Length < len(sets) {
		return "", fmt.Errorf("length %d is too short for %d character classes", opts.Length, len(sets))
	}

	if opts.ExcludeAmbiguous {
		for i, s := range sets {
			sets[i] = stripChars(s, AmbiguousCharacters)
		}
	}

	password := make([]byte, 0, opts.Length)
	for _, s := range sets {
		c, err := randomChar(s)
		if err != nil {
			return "", err
		}
		password = append(password, c)
	}

	all := strings.Join(sets, "")
	for len(password) < opts.Length {
		c, err := randomChar(all)
		if err != nil {
			return "", err
		}
		password = append(password, c)
	}

	for i := len(password) - 1; i > 0; i-- {
		j, err := randomInt(i + 1)
		if err != nil {
			return "", err
		}
		password[i], password[j] = password[j], password[i]
	}

	return string(password), nil
}

// GenerateTemporaryPassword is used for admin-created accounts and resets.
func GenerateTemporaryPassword() (string, error) {
	return GenerateSecurePassword(PasswordOptions{
		Length:           TemporaryPasswordLen,
		Uppercase:        true,
		Lowercase:        true,
		Digits:           true,
		Special:          true,
		ExcludeAmbiguous: true,
	})
}

// GenerateRandomHex returns n random bytes, hex encoded.
func GenerateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateNumericCode returns a zero-padded random code of the given digits.
func GenerateNumericCode(digits int) (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

func randomChar(set string) (byte, error) {
	i, err := randomInt(len(set))
	if err != nil {
		return 0, err
	}
	return set[i], nil
}

func randomInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("failed to generate random index: %w", err)
	}
	return int(v.Int64()), nil
}

func stripChars(s, remove string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(remove, r) {
			return -1
		}
		return r
	}, s)
}
