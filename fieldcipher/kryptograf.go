package fieldcipher

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

// Kryptograf encrypts fields with a data key reconstructed from a key bundle.
// Ciphertexts are base64 encoded kryptograf streams.
type Kryptograf struct {
	kg       kryptograf.Kryptograf
	material kryptograf.Material
}

// NewKryptograf reconstructs the field data key from root and desc.
func NewKryptograf(root keymgmt.RootKey, desc keymgmt.Descriptor) (*Kryptograf, error) {
	if root == (keymgmt.RootKey{}) {
		return nil, fmt.Errorf("fieldcipher: root key required")
	}
	if desc == (keymgmt.Descriptor{}) {
		return nil, fmt.Errorf("fieldcipher: descriptor required")
	}
	kg := kryptograf.New(root)
	mat, err := kg.ReconstructDEK([]byte(FieldDescriptorContext), desc)
	if err != nil {
		return nil, fmt.Errorf("fieldcipher: reconstruct field key: %w", err)
	}
	return &Kryptograf{kg: kg, material: mat}, nil
}

// NewKryptografFromBundle loads the PEM bundle at path and builds a Kryptograf cipher.
func NewKryptografFromBundle(path string) (*Kryptograf, error) {
	b, err := LoadBundle(path)
	if err != nil {
		return nil, err
	}
	return NewKryptograf(b.Root, b.Field)
}

// Encrypt implements Cipher.
func (k *Kryptograf) Encrypt(ctx context.Context, plaintext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	writer, err := k.kg.EncryptWriter(&buf, k.material)
	if err != nil {
		return "", fmt.Errorf("fieldcipher: encrypt: %w", err)
	}
	if _, err := io.WriteString(writer, plaintext); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("fieldcipher: encrypt write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("fieldcipher: encrypt close: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt implements Cipher.
func (k *Kryptograf) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	reader, err := k.kg.DecryptReader(bytes.NewReader(raw), k.material)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	defer reader.Close()
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plaintext), nil
}

// Close zeroes the data key held in memory.
func (k *Kryptograf) Close() error {
	k.material.Zero()
	return nil
}
