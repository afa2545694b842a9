package fieldcipher

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinPBKDF2Iterations is the lowest iteration count NewPassphrase accepts.
	MinPBKDF2Iterations = 200000
	// DefaultPBKDF2Iterations is used when no iteration count is configured.
	DefaultPBKDF2Iterations = 600000

	passphraseVersion = byte(1)
	saltSize          = 16
	keySize           = 32
	derivedKeyCache   = 64
)

// Passphrase encrypts fields with AES-256-GCM under a key derived from a
// passphrase with PBKDF2-SHA512. Every ciphertext carries the salt it was
// sealed under and a random nonce: version(1) | salt(16) | nonce(12) | sealed,
// base64 encoded. One salt is drawn per Passphrase for encryption; derived
// keys are cached by salt so PBKDF2 runs once per salt, not once per field.
type Passphrase struct {
	passphrase []byte
	iterations int
	salt       []byte
	keys       *lru.Cache
}

// NewPassphrase returns a passphrase cipher. Zero iterations selects the default.
func NewPassphrase(passphrase string, iterations int) (*Passphrase, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("fieldcipher: passphrase required")
	}
	if iterations == 0 {
		iterations = DefaultPBKDF2Iterations
	}
	if iterations < MinPBKDF2Iterations {
		return nil, fmt.Errorf("fieldcipher: pbkdf2 iterations must be >= %d, got %d", MinPBKDF2Iterations, iterations)
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("fieldcipher: generate salt: %w", err)
	}
	keys, err := lru.New(derivedKeyCache)
	if err != nil {
		return nil, fmt.Errorf("fieldcipher: key cache: %w", err)
	}
	return &Passphrase{
		passphrase: []byte(passphrase),
		iterations: iterations,
		salt:       salt,
		keys:       keys,
	}, nil
}

func (p *Passphrase) aead(salt []byte) (cipher.AEAD, error) {
	if cached, ok := p.keys.Get(string(salt)); ok {
		return cached.(cipher.AEAD), nil
	}
	key := pbkdf2.Key(p.passphrase, salt, p.iterations, keySize, sha512.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("fieldcipher: create block cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("fieldcipher: create gcm: %w", err)
	}
	p.keys.Add(string(salt), gcm)
	return gcm, nil
}

// Encrypt implements Cipher.
func (p *Passphrase) Encrypt(ctx context.Context, plaintext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	salt := p.salt
	gcm, err := p.aead(salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("fieldcipher: generate nonce: %w", err)
	}
	header := make([]byte, 0, 1+saltSize+len(nonce))
	header = append(header, passphraseVersion)
	header = append(header, salt...)
	header = append(header, nonce...)
	// The header is authenticated so a swapped salt fails to open.
	aad := append([]byte(nil), header[:1+saltSize]...)
	sealed := gcm.Seal(header, nonce, []byte(plaintext), aad)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt implements Cipher.
func (p *Passphrase) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) < 1+saltSize || raw[0] != passphraseVersion {
		return "", fmt.Errorf("%w: unrecognised envelope", ErrDecrypt)
	}
	salt := raw[1 : 1+saltSize]
	gcm, err := p.aead(salt)
	if err != nil {
		return "", err
	}
	offset := 1 + saltSize
	if len(raw) < offset+gcm.NonceSize() {
		return "", fmt.Errorf("%w: payload too short for nonce", ErrDecrypt)
	}
	nonce := raw[offset : offset+gcm.NonceSize()]
	plaintext, err := gcm.Open(nil, nonce, raw[offset+gcm.NonceSize():], raw[:offset])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plaintext), nil
}
