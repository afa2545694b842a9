// Package fieldcipher provides the reversible string ciphers used to protect
// individual secret fields (auth keys, server salts) before they reach a
// document store.
package fieldcipher

import (
	"context"
	"errors"
)

// Cipher encrypts and decrypts single field values. Implementations must be
// safe for concurrent use.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// ErrDecrypt marks a ciphertext that could not be opened: wrong key,
// tampering, or input that was never produced by the cipher.
var ErrDecrypt = errors.New("fieldcipher: decrypt failed")

// Funcs adapts a pair of functions to Cipher.
type Funcs struct {
	EncryptFunc func(ctx context.Context, plaintext string) (string, error)
	DecryptFunc func(ctx context.Context, ciphertext string) (string, error)
}

// Encrypt implements Cipher.
func (f Funcs) Encrypt(ctx context.Context, plaintext string) (string, error) {
	return f.EncryptFunc(ctx, plaintext)
}

// Decrypt implements Cipher.
func (f Funcs) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	return f.DecryptFunc(ctx, ciphertext)
}
