package models

import "time"

// TrustedDevice is a mobile device that completed code verification.
type TrustedDevice struct {
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName"`
	Platform   string    `json:"platform"`
	LastUsed   time.Time `json:"lastUsed"`
	DateAdded  time.Time `json:"dateAdded"`
}

// DeviceVerificationCode is a pending one-time code, keyed by the code itself
// in UserMetadata.DeviceVerificationCodes.
type DeviceVerificationCode struct {
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName"`
	Platform   string    `json:"platform"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// FindTrustedDevice returns the index of deviceID in devices, or -1.
func FindTrustedDevice(devices []TrustedDevice, deviceID string) int {
	for i, d := range devices {
		if d.DeviceID == deviceID {
			return i
		}
	}
	return -1
}
