package guard

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Hasher computes the keyed hashes stored for rotated secrets and device
// tokens. Each purpose gets its own HKDF sub-key of the server secret.
type Hasher struct {
	rotationKey []byte
	deviceKey   []byte
}

func NewHasher(serverSecret string) (*Hasher, error) {
	if serverSecret == "" {
		return nil, fmt.Errorf("server secret is empty")
	}
	rotation, err := deriveKey(serverSecret, "relay api-key rotation v1")
	if err != nil {
		return nil, err
	}
	device, err := deriveKey(serverSecret, "relay device token v1")
	if err != nil {
		return nil, err
	}
	return &Hasher{rotationKey: rotation, deviceKey: device}, nil
}

func deriveKey(secret, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", info, err)
	}
	return key, nil
}

func mac(key []byte, value string) string {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(value))
	return hex.EncodeToString(m.Sum(nil))
}

// RotationHash is the deterministic hash kept for a rotated-out secret.
func (h *Hasher) RotationHash(secret string) string {
	return mac(h.rotationKey, secret)
}

// DeviceHash is the stored form of a device token.
func (h *Hasher) DeviceHash(token string) string {
	return mac(h.deviceKey, token)
}

// DeviceMatches compares a presented token against a stored hash in constant time.
func (h *Hasher) DeviceMatches(token, storedHash string) bool {
	return hmac.Equal([]byte(h.DeviceHash(token)), []byte(storedHash))
}

// Credential prefixes.
const (
	ApiKeyPrefix      = "rk_"
	DeviceTokenPrefix = "dt_"
)

// GenerateSecret returns prefix + 32 random bytes, base64url without padding.
func GenerateSecret(prefix string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + base64.RawURLEncoding.EncodeToString(b), nil
}
