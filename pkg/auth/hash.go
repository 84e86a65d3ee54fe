package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/scrypt"
)

const (
	BcryptCost = 12

	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 64
	saltBytes    = 16
)

var ErrUnknownHashFormat = errors.New("unrecognised password hash format")

// HashScheme tags a stored password hash.
type HashScheme string

const (
	SchemeScrypt HashScheme = "scrypt"
	SchemeBcrypt HashScheme = "bcrypt"
)

// HashedPassword is a parsed stored hash. For scrypt, Hash is the derived key
// and Salt the hex salt string fed to the KDF. For bcrypt, Hash is the full
// modular-crypt string and Salt is empty.
type HashedPassword struct {
	Scheme HashScheme
	Hash   []byte
	Salt   string
}

// ParseHashedPassword recognises both "hex(hash).hex(salt)" scrypt hashes and
// "$2a$/$2b$/$2y$" bcrypt hashes.
func ParseHashedPassword(stored string) (HashedPassword, error) {
	if strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$") {
		return HashedPassword{Scheme: SchemeBcrypt, Hash: []byte(stored)}, nil
	}

	hashHex, salt, ok := strings.Cut(stored, ".")
	if !ok || hashHex == "" || salt == "" {
		return HashedPassword{}, ErrUnknownHashFormat
	}
	hash, err := hex.DecodeString(hashHex)
	if err != nil {
		return HashedPassword{}, fmt.Errorf("%w: %v", ErrUnknownHashFormat, err)
	}
	return HashedPassword{Scheme: SchemeScrypt, Hash: hash, Salt: salt}, nil
}

// String renders the hash in its storage format.
func (h HashedPassword) String() string {
	switch h.Scheme {
	case SchemeScrypt:
		return hex.EncodeToString(h.Hash) + "." + h.Salt
	default:
		return string(h.Hash)
	}
}

// Verify checks password against the hash in constant time.
func (h HashedPassword) Verify(password string) bool {
	switch h.Scheme {
	case SchemeScrypt:
		derived, err := scrypt.Key([]byte(password), []byte(h.Salt), scryptN, scryptR, scryptP, len(h.Hash))
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare(derived, h.Hash) == 1
	case SchemeBcrypt:
		return bcrypt.CompareHashAndPassword(h.Hash, []byte(password)) == nil
	default:
		return false
	}
}

// HashPassword hashes with scrypt and a random per-password salt.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	saltRaw := make([]byte, saltBytes)
	if _, err := rand.Read(saltRaw); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	salt := hex.EncodeToString(saltRaw)

	derived, err := scrypt.Key([]byte(password), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return HashedPassword{Scheme: SchemeScrypt, Hash: derived, Salt: salt}.String(), nil
}

// HashPasswordBcrypt hashes with bcrypt at BcryptCost.
func HashPasswordBcrypt(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashedBytes), nil
}

// ComparePassword verifies password against a stored hash of either scheme.
func ComparePassword(stored, password string) bool {
	h, err := ParseHashedPassword(stored)
	if err != nil {
		return false
	}
	return h.Verify(password)
}
