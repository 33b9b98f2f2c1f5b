package seal

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	sealTag     = "bankline-seal"
	sealVersion = "v=1"
)

// Seal encrypts plaintext under a key derived from passphrase.
func (c Config) Seal(passphrase, plaintext []byte) (string, error) {
	if len(passphrase) == 0 {
		return "", ErrEmptyPassphrase
	}

	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt, c.Params))
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	header := fmt.Sprintf("m=%d,t=%d,p=%d", c.Params.MemoryKiB, c.Params.Iterations, c.Params.Parallelism)
	ct := aead.Seal(nil, nonce, plaintext, []byte(header))

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$%s$%s$%s$%s$%s$%s",
		sealTag,
		sealVersion,
		header,
		b64.EncodeToString(salt),
		b64.EncodeToString(nonce),
		b64.EncodeToString(ct),
	), nil
}

// Open decrypts a value produced by Seal.
// It returns ErrInvalidSealed for malformed input and ErrOpenFailed when
// authentication fails (wrong passphrase or tampered value).
func (c Config) Open(passphrase []byte, sealed string) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}

	params, header, salt, nonce, ct, err := decode(strings.TrimSpace(sealed))
	if err != nil {
		return nil, err
	}
	if !withinReasonableBounds(params, c.Params) {
		return nil, ErrInvalidSealed
	}

	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt, params))
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrInvalidSealed
	}

	pt, err := aead.Open(nil, nonce, ct, []byte(header))
	if err != nil {
		return nil, ErrOpenFailed
	}
	return pt, nil
}

func deriveKey(passphrase, salt []byte, p Argon2idParams) []byte {
	return argon2.IDKey(passphrase, salt, p.Iterations, p.MemoryKiB, p.Parallelism, chacha20poly1305.KeySize)
}

func withinReasonableBounds(got Argon2idParams, limits Argon2idParams) bool {
	// Older/smaller settings stay readable; wildly larger ones are refused.
	if got.MemoryKiB > limits.MemoryKiB*2 {
		return false
	}
	if got.Iterations > limits.Iterations*2 {
		return false
	}
	if got.Parallelism > limits.Parallelism*2 {
		return false
	}
	if got.SaltLength < 8 || got.SaltLength > 64 {
		return false
	}
	return true
}

func decode(s string) (Argon2idParams, string, []byte, []byte, []byte, error) {
	parts := strings.Split(s, "$")
	if len(parts) != 7 || parts[0] != "" || parts[1] != sealTag || parts[2] != sealVersion {
		return Argon2idParams{}, "", nil, nil, nil, ErrInvalidSealed
	}

	header := parts[3]
	var mem, it, par uint32
	if _, err := fmt.Sscanf(header, "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return Argon2idParams{}, "", nil, nil, nil, ErrInvalidSealed
	}
	if mem == 0 || it == 0 || par == 0 || par > 255 {
		return Argon2idParams{}, "", nil, nil, nil, ErrInvalidSealed
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return Argon2idParams{}, "", nil, nil, nil, ErrInvalidSealed
	}
	nonce, err := b64.DecodeString(parts[5])
	if err != nil {
		return Argon2idParams{}, "", nil, nil, nil, ErrInvalidSealed
	}
	ct, err := b64.DecodeString(parts[6])
	if err != nil || len(ct) < chacha20poly1305.Overhead {
		return Argon2idParams{}, "", nil, nil, nil, ErrInvalidSealed
	}

	params := Argon2idParams{
		MemoryKiB:   mem,
		Iterations:  it,
		Parallelism: uint8(par),         // #nosec G115 -- bounded above.
		SaltLength:  uint32(len(salt)), // #nosec G115 -- bounded by decode.
	}
	return params, header, salt, nonce, ct, nil
}
