// Package fieldcrypt encrypts individual values, such as PHI fields, with
// AES-256-GCM before they are persisted.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	KeySize   = 32
	IVSize    = 16
	TagSize   = 16
	MarkerKey = "_encrypted_fields"
)

var (
	ErrInvalidKey       = errors.New("encryption key must be 32 bytes")
	ErrMalformedField   = errors.New("malformed encrypted field")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// EncryptedField is the persisted form of an encrypted value. All parts are
// hex encoded.
type EncryptedField struct {
	IV            string `json:"iv"`
	AuthTag       string `json:"authTag"`
	EncryptedData string `json:"encryptedData"`
}

// Cipher performs AES-256-GCM encryption with a 16-byte IV per call.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a raw 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// NewCipherFromKeyMaterial builds a Cipher from configuration. A 64-character
// hex string is used as the raw key; any other non-empty value is hashed
// with SHA-256. An empty value yields a random process-lifetime key and a
// warning: data encrypted with it cannot be read after a restart.
func NewCipherFromKeyMaterial(material string, logger *slog.Logger) (*Cipher, error) {
	if material == "" {
		key := make([]byte, KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
		}
		if logger != nil {
			logger.Warn("ENCRYPTION_KEY not set, using an ephemeral key; encrypted data will be unreadable after restart")
		}
		return NewCipher(key)
	}

	if len(material) == KeySize*2 {
		if key, err := hex.DecodeString(material); err == nil {
			return NewCipher(key)
		}
	}

	sum := sha256.Sum256([]byte(material))
	return NewCipher(sum[:])
}

// Encrypt seals plaintext under a fresh random IV.
func (c *Cipher) Encrypt(plaintext string) (*EncryptedField, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return &EncryptedField{
		IV:            hex.EncodeToString(iv),
		AuthTag:       hex.EncodeToString(tag),
		EncryptedData: hex.EncodeToString(ciphertext),
	}, nil
}

// Decrypt opens f. Any tampering with the tag or data is an error.
func (c *Cipher) Decrypt(f *EncryptedField) (string, error) {
	if f == nil {
		return "", ErrMalformedField
	}
	iv, err := hex.DecodeString(f.IV)
	if err != nil || len(iv) != IVSize {
		return "", ErrMalformedField
	}
	tag, err := hex.DecodeString(f.AuthTag)
	if err != nil || len(tag) != TagSize {
		return "", ErrMalformedField
	}
	data, err := hex.DecodeString(f.EncryptedData)
	if err != nil {
		return "", ErrMalformedField
	}

	plaintext, err := c.aead.Open(nil, iv, append(data, tag...), nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// EncryptString encrypts into the compact "iv:authTag:data" form used for
// single columns.
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	f, err := c.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return f.IV + ":" + f.AuthTag + ":" + f.EncryptedData, nil
}

// DecryptString reverses EncryptString.
func (c *Cipher) DecryptString(s string) (string, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return "", ErrMalformedField
	}
	return c.Decrypt(&EncryptedField{IV: parts[0], AuthTag: parts[1], EncryptedData: parts[2]})
}

// EncryptFields returns a copy of data with every listed string field
// replaced by its EncryptedField and the encrypted keys recorded under
// MarkerKey. Missing and empty fields are skipped.
func (c *Cipher) EncryptFields(data map[string]interface{}, fields []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		out[k] = v
	}

	encrypted := make([]string, 0, len(fields))
	for _, field := range fields {
		s, ok := out[field].(string)
		if !ok || s == "" {
			continue
		}
		ef, err := c.Encrypt(s)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt field %s: %w", field, err)
		}
		out[field] = ef
		encrypted = append(encrypted, field)
	}

	if len(encrypted) > 0 {
		out[MarkerKey] = encrypted
	}
	return out, nil
}

// DecryptFields reverses EncryptFields. A field that fails to decrypt is
// left as stored and the failure is logged.
func (c *Cipher) DecryptFields(data map[string]interface{}, logger *slog.Logger) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}

	fields := markerFields(out[MarkerKey])
	if fields == nil {
		return out
	}
	delete(out, MarkerKey)

	for _, field := range fields {
		ef, err := toEncryptedField(out[field])
		if err == nil {
			var plaintext string
			plaintext, err = c.Decrypt(ef)
			if err == nil {
				out[field] = plaintext
				continue
			}
		}
		if logger != nil {
			logger.Error("failed to decrypt field", slog.String("field", field), slog.String("error", err.Error()))
		}
	}
	return out
}

func markerFields(v interface{}) []string {
	switch m := v.(type) {
	case []string:
		return m
	case []interface{}:
		fields := make([]string, 0, len(m))
		for _, item := range m {
			if s, ok := item.(string); ok {
				fields = append(fields, s)
			}
		}
		return fields
	default:
		return nil
	}
}

func toEncryptedField(v interface{}) (*EncryptedField, error) {
	switch f := v.(type) {
	case *EncryptedField:
		return f, nil
	case EncryptedField:
		return &f, nil
	case map[string]interface{}:
		raw, err := json.Marshal(f)
		if err != nil {
			return nil, ErrMalformedField
		}
		var ef EncryptedField
		if err := json.Unmarshal(raw, &ef); err != nil {
			return nil, ErrMalformedField
		}
		return &ef, nil
	default:
		return nil, ErrMalformedField
	}
}
