// Package envelope implements the hybrid encryption used for request
// payloads at rest and for sealed answers: AES-256-GCM under a random key,
// the key wrapped with RSA-OAEP (SHA-256) for the recipient.
//
// A sealed bundle is four dot-separated standard base64 fields:
//
//	base64(encryptedKey).base64(iv).base64(authTag).base64(ciphertext)
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeyBits is the modulus size of generated keypairs.
	KeyBits = 2048

	separator = "."
	keySize   = 32
	tagSize   = 16
)

var (
	// ErrDecryption covers every open failure: wrong key, bad tag, corrupt data.
	ErrDecryption = errors.New("decryption failed")
	// ErrMalformedBundle is returned for bundles that do not have four parts.
	ErrMalformedBundle = fmt.Errorf("%w: malformed bundle", ErrDecryption)
	// ErrInvalidKey is returned when PEM input does not hold an RSA key.
	ErrInvalidKey = errors.New("invalid RSA key")
)

// Keypair is an RSA keypair used for one request's at-rest protection.
type Keypair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// GenerateKeypair returns a fresh 2048-bit RSA keypair.
func GenerateKeypair() (*Keypair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key: %w", err)
	}
	return &Keypair{Private: priv, Public: &priv.PublicKey}, nil
}

// PublicPEM encodes the public half as a PKIX "PUBLIC KEY" block.
func (k *Keypair) PublicPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(k.Public)
	if err != nil {
		return "", fmt.Errorf("marshalling public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// PrivatePEM encodes the private half as a PKCS#8 "PRIVATE KEY" block.
func (k *Keypair) PrivatePEM() (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return "", fmt.Errorf("marshalling private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// ParsePublicKey accepts PKIX or PKCS#1 PEM.
func ParsePublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemText)))
	if block == nil {
		return nil, ErrInvalidKey
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if rsaPub, ok := pub.(*rsa.PublicKey); ok {
			return rsaPub, nil
		}
		return nil, ErrInvalidKey
	}
	if rsaPub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return rsaPub, nil
	}
	return nil, ErrInvalidKey
}

// ParsePrivateKey accepts PKCS#8 or PKCS#1 PEM.
func ParsePrivateKey(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemText)))
	if block == nil {
		return nil, ErrInvalidKey
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, ErrInvalidKey
	}
	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return rsaKey, nil
	}
	return nil, ErrInvalidKey
}

// Seal encrypts plaintext for pub.
func Seal(plaintext []byte, pub *rsa.PublicKey) (string, error) {
	if pub == nil {
		return "", ErrInvalidKey
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generating content key: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	encKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return "", fmt.Errorf("wrapping content key: %w", err)
	}

	enc := base64.StdEncoding
	return strings.Join([]string{
		enc.EncodeToString(encKey),
		enc.EncodeToString(iv),
		enc.EncodeToString(tag),
		enc.EncodeToString(ciphertext),
	}, separator), nil
}

// Open reverses Seal. All failures other than a wrong part count are
// reported as ErrDecryption with no further detail.
func Open(bundle string, priv *rsa.PrivateKey) ([]byte, error) {
	parts := strings.Split(bundle, separator)
	if len(parts) != 4 {
		return nil, ErrMalformedBundle
	}
	if priv == nil {
		return nil, ErrDecryption
	}

	raw := make([][]byte, 4)
	for i, p := range parts {
		b, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return nil, ErrDecryption
		}
		raw[i] = b
	}
	encKey, iv, tag, ciphertext := raw[0], raw[1], raw[2], raw[3]

	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, encKey, nil)
	if err != nil || len(key) != keySize {
		return nil, ErrDecryption
	}
	gcm, err := newGCM(key)
	if err != nil || len(iv) != gcm.NonceSize() || len(tag) != tagSize {
		return nil, ErrDecryption
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// SealString seals text for a PEM-encoded public key.
func SealString(text, publicPEM string) (string, error) {
	pub, err := ParsePublicKey(publicPEM)
	if err != nil {
		return "", err
	}
	return Seal([]byte(text), pub)
}

// OpenString opens a bundle with a PEM-encoded private key.
func OpenString(bundle, privatePEM string) (string, error) {
	priv, err := ParsePrivateKey(privatePEM)
	if err != nil {
		return "", ErrDecryption
	}
	out, err := Open(bundle, priv)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
