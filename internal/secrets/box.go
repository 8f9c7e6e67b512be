// Package secrets provides authenticated encryption for provider API keys
// and personal access tokens at rest.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"log/slog"

	"github.com/nextlevelbuilder/loopgate/internal/errs"
)

const (
	nonceSize = 12
	tagSize   = 16
)

// devSeed feeds key derivation when no operator key is configured.
// Deterministic and public: fine for local development, useless in production.
const devSeed = "loopgate-dev-seed-do-not-use-in-production"

// Box encrypts and decrypts small secrets with AES-256-GCM.
// Ciphertext layout: nonce ‖ auth tag ‖ payload.
type Box struct {
	key [32]byte
}

// New derives the AES key from the operator key. An empty operator key falls
// back to the dev seed and logs a warning.
func New(operatorKey string) *Box {
	if operatorKey == "" {
		slog.Warn("secrets: no encryption key configured, using weak dev seed")
		operatorKey = devSeed
	}
	return &Box{key: sha256.Sum256([]byte(operatorKey))}
}

// Encrypt seals plaintext and returns nonce ‖ tag ‖ payload.
func (b *Box) Encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := b.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errs.Wrap(errs.KindCryptoError, "generate nonce", err)
	}

	// gcm.Seal appends payload ‖ tag; reorder to nonce ‖ tag ‖ payload.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	payload := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, nonceSize+tagSize+len(payload))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, payload...)
	return out, nil
}

// Decrypt opens nonce ‖ tag ‖ payload. Any authentication failure returns a
// crypto error and no partial plaintext.
func (b *Box) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+tagSize {
		return nil, errs.New(errs.KindCryptoError, "ciphertext too short")
	}

	gcm, err := b.aead()
	if err != nil {
		return nil, err
	}

	nonce := ciphertext[:nonceSize]
	tag := ciphertext[nonceSize : nonceSize+tagSize]
	payload := ciphertext[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(payload)+tagSize)
	sealed = append(sealed, payload...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindCryptoError, "authentication failed", err)
	}
	return plaintext, nil
}

// EncryptString is Encrypt for string secrets.
func (b *Box) EncryptString(plaintext string) ([]byte, error) {
	return b.Encrypt([]byte(plaintext))
}

// DecryptString is Decrypt returning a string.
func (b *Box) DecryptString(ciphertext []byte) (string, error) {
	pt, err := b.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func (b *Box) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key[:])
	if err != nil {
		return nil, errs.Wrap(errs.KindCryptoError, "create cipher", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, errs.Wrap(errs.KindCryptoError, "create GCM", err)
	}
	return gcm, nil
}
