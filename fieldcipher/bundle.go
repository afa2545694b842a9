package fieldcipher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"pkt.systems/kryptograf/keymgmt"
)

const (
	// FieldDescriptorName names the field-cipher descriptor inside a key bundle.
	FieldDescriptorName = "airgram/fields"
	// FieldDescriptorContext is the kryptograf context bound to field encryption.
	FieldDescriptorContext = "airgram:field-cipher"
)

// ErrBundleIncomplete reports a bundle without a root key or field descriptor.
var ErrBundleIncomplete = errors.New("fieldcipher: key bundle incomplete")

// Bundle is the key material read from a PEM key bundle. Root also seeds
// whole-document storage encryption.
type Bundle struct {
	Root  keymgmt.RootKey
	Field keymgmt.Descriptor
}

// EnsureBundle loads the bundle at path, creating it (mode 0600) or adding a
// missing root key or field descriptor as needed.
func EnsureBundle(path string) (Bundle, error) {
	if path == "" {
		return Bundle{}, fmt.Errorf("fieldcipher: bundle path required")
	}
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Bundle{}, fmt.Errorf("fieldcipher: read bundle: %w", err)
	}
	var out []byte
	store, err := keymgmt.LoadPEMInto(existing, &out)
	if err != nil {
		return Bundle{}, fmt.Errorf("fieldcipher: load bundle: %w", err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return Bundle{}, fmt.Errorf("fieldcipher: ensure root key: %w", err)
	}
	mat, err := store.EnsureDescriptor(FieldDescriptorName, root, []byte(FieldDescriptorContext))
	if err != nil {
		return Bundle{}, fmt.Errorf("fieldcipher: ensure descriptor: %w", err)
	}
	desc := mat.Descriptor
	mat.Zero()
	if err := store.Commit(); err != nil {
		return Bundle{}, fmt.Errorf("fieldcipher: commit bundle: %w", err)
	}
	if len(out) == 0 {
		out = existing
	}
	if len(out) == 0 {
		raw, err := store.Bytes()
		if err != nil {
			return Bundle{}, fmt.Errorf("fieldcipher: serialize bundle: %w", err)
		}
		out = raw
	}
	if err := writeAtomic(path, out, 0o600); err != nil {
		return Bundle{}, err
	}
	return Bundle{Root: root, Field: desc}, nil
}

// LoadBundle reads an existing bundle from path.
func LoadBundle(path string) (Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("fieldcipher: read bundle: %w", err)
	}
	return ParseBundle(data)
}

// ParseBundle extracts key material from PEM content.
func ParseBundle(data []byte) (Bundle, error) {
	store, err := keymgmt.LoadPEM(data)
	if err != nil {
		return Bundle{}, fmt.Errorf("fieldcipher: load bundle: %w", err)
	}
	root, ok, err := store.RootKey()
	if err != nil {
		return Bundle{}, fmt.Errorf("fieldcipher: read root key: %w", err)
	}
	if !ok {
		return Bundle{}, fmt.Errorf("%w: root key missing", ErrBundleIncomplete)
	}
	desc, ok, err := store.Descriptor(FieldDescriptorName)
	if err != nil {
		return Bundle{}, fmt.Errorf("fieldcipher: read descriptor: %w", err)
	}
	if !ok {
		return Bundle{}, fmt.Errorf("%w: descriptor %q missing", ErrBundleIncomplete, FieldDescriptorName)
	}
	return Bundle{Root: root, Field: desc}, nil
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("fieldcipher: create bundle dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("fieldcipher: write bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("fieldcipher: replace bundle: %w", err)
	}
	return nil
}
