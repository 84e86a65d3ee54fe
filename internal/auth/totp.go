package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/qbh/portal/internal/models"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	// BackupCodeCount is how many backup codes are issued on enrollment
	BackupCodeCount = 10

	backupCodeLength  = 8
	backupCodeCharset = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
	qrCodeSize        = 200
)

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// TOTPManager handles TOTP secret generation and code validation
type TOTPManager struct {
	issuer string // Issuer name for TOTP QR codes
}

// NewTOTPManager creates a new TOTP manager
func NewTOTPManager(issuer string) *TOTPManager {
	return &TOTPManager{issuer: issuer}
}

// GenerateSecret creates a base32 secret for accountName with its otpauth URI
// and a PNG QR code data URL.
func (tm *TOTPManager) GenerateSecret(accountName string) (*models.MFASetup, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: accountName,
		Period:      totpOpts.Period,
		Digits:      totpOpts.Digits,
		Algorithm:   totpOpts.Algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	qr, err := qrcode.New(key.URL(), qrcode.Highest)
	if err != nil {
		return nil, fmt.Errorf("failed to create QR code: %w", err)
	}
	png, err := qr.PNG(qrCodeSize)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	return &models.MFASetup{
		Secret: key.Secret(),
		URI:    key.URL(),
		QRCode: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}, nil
}

// Validate checks code against secret with a one step window either side.
// Any failure counts as invalid.
func (tm *TOTPManager) Validate(code, secret string) bool {
	return tm.ValidateAt(code, secret, time.Now())
}

// ValidateAt is Validate at a fixed time.
func (tm *TOTPManager) ValidateAt(code, secret string, t time.Time) bool {
	code = strings.TrimSpace(code)
	if code == "" || secret == "" {
		return false
	}
	valid, err := totp.ValidateCustom(code, secret, t, totpOpts)
	return err == nil && valid
}

// GenerateBackupCodes returns count plaintext codes and their hashes.
func (tm *TOTPManager) GenerateBackupCodes(count int) ([]string, []string, error) {
	codes := make([]string, count)
	hashes := make([]string, count)
	max := big.NewInt(int64(len(backupCodeCharset)))

	for i := 0; i < count; i++ {
		code := make([]byte, backupCodeLength)
		for j := range code {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to generate backup code: %w", err)
			}
			code[j] = backupCodeCharset[n.Int64()]
		}
		codes[i] = string(code[:4]) + "-" + string(code[4:])
		hashes[i] = HashBackupCode(codes[i])
	}

	return codes, hashes, nil
}

// HashBackupCode hashes a backup code ignoring case, spaces and dashes.
func HashBackupCode(code string) string {
	normalized := strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(code))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// MatchBackupCode returns the index of code within hashes, or -1.
func MatchBackupCode(code string, hashes []string) int {
	candidate := []byte(HashBackupCode(code))
	match := -1
	for i, h := range hashes {
		if subtle.ConstantTimeCompare(candidate, []byte(h)) == 1 && match < 0 {
			match = i
		}
	}
	return match
}
