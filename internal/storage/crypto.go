package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

// CryptoConfig drives the creation of a Crypto helper for document encryption at rest.
type CryptoConfig struct {
	Enabled           bool
	RootKey           keymgmt.RootKey
	Snappy            bool
	DisableBufferPool bool
}

// Crypto seals whole documents with a per-write data key minted from the root
// key. The descriptor needed to reconstruct the key travels in the envelope
// header, and the document key is bound in as kryptograf context.
type Crypto struct {
	kg               kryptograf.Kryptograf
	materialCacheCap int
	materialCacheMu  sync.RWMutex
	materialCache    map[materialCacheKey]kryptograf.Material
}

const (
	defaultMaterialCacheEntries        = 256
	defaultDecryptSourceReadBufferSize = 8 * 1024
	defaultStreamChunkSize             = 8 * 1024
	envelopeMagic                      = "AGD1"
	envelopeHeaderSize                 = len(envelopeMagic) + 2
	maxEnvelopeDescriptorSize          = 1 << 12
)

type materialCacheKey struct {
	context    string
	descriptor keymgmt.Descriptor
}

var cryptoBufferPool sync.Pool
var cryptoSourceReadBufferPool = sync.Pool{
	New: func() any {
		return bufio.NewReaderSize(bytes.NewReader(nil), defaultDecryptSourceReadBufferSize)
	},
}

// NewCrypto initialises a Crypto helper according to cfg. When encryption is disabled the returned value is nil.
func NewCrypto(cfg CryptoConfig) (*Crypto, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.RootKey == (keymgmt.RootKey{}) {
		return nil, fmt.Errorf("storage crypto: root key required when encryption enabled")
	}
	kg := kryptograf.New(cfg.RootKey).WithChunkSize(defaultStreamChunkSize)
	if !cfg.DisableBufferPool {
		kg = kg.WithOptions(
			kryptograf.WithBufferPool(&cryptoBufferPool),
			kryptograf.WithSourceReadBufferPool(&cryptoSourceReadBufferPool),
		)
	}
	if cfg.Snappy {
		kg = kg.WithSnappy()
	}
	return &Crypto{
		kg:               kg,
		materialCacheCap: defaultMaterialCacheEntries,
		materialCache:    make(map[materialCacheKey]kryptograf.Material, defaultMaterialCacheEntries),
	}, nil
}

// Enabled reports whether encryption is active.
func (c *Crypto) Enabled() bool {
	return c != nil
}

// DocumentContext returns the kryptograf context bound to a document key.
func DocumentContext(docKey string) string {
	return "document:" + docKey
}

// Seal encrypts plaintext for docKey and returns the envelope bytes.
func (c *Crypto) Seal(docKey string, plaintext []byte) ([]byte, error) {
	if !c.Enabled() {
		return plaintext, nil
	}
	mat, err := c.kg.MintDEK([]byte(DocumentContext(docKey)))
	if err != nil {
		return nil, fmt.Errorf("storage crypto: mint material for %q: %w", docKey, err)
	}
	defer mat.Zero()
	desc, err := mat.Descriptor.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("storage crypto: marshal descriptor for %q: %w", docKey, err)
	}
	if len(desc) > maxEnvelopeDescriptorSize {
		return nil, fmt.Errorf("storage crypto: descriptor too large (%d bytes)", len(desc))
	}
	var buf bytes.Buffer
	buf.Grow(envelopeHeaderSize + len(desc) + len(plaintext) + 256)
	buf.WriteString(envelopeMagic)
	var size [2]byte
	binary.BigEndian.PutUint16(size[:], uint16(len(desc)))
	buf.Write(size[:])
	buf.Write(desc)
	writer, err := c.kg.EncryptWriter(&buf, mat)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt document: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		writer.Close()
		return nil, fmt.Errorf("storage crypto: encrypt document write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt document close: %w", err)
	}
	return buf.Bytes(), nil
}

// Open decrypts an envelope produced by Seal for the same docKey.
func (c *Crypto) Open(docKey string, envelope []byte) ([]byte, error) {
	if !c.Enabled() {
		return envelope, nil
	}
	if len(envelope) < envelopeHeaderSize || string(envelope[:len(envelopeMagic)]) != envelopeMagic {
		return nil, fmt.Errorf("storage crypto: %q is not an encrypted document", docKey)
	}
	descLen := int(binary.BigEndian.Uint16(envelope[len(envelopeMagic):envelopeHeaderSize]))
	if len(envelope) < envelopeHeaderSize+descLen {
		return nil, fmt.Errorf("storage crypto: truncated envelope for %q", docKey)
	}
	descBytes := envelope[envelopeHeaderSize : envelopeHeaderSize+descLen]
	var desc keymgmt.Descriptor
	if err := desc.UnmarshalBinary(descBytes); err != nil {
		return nil, fmt.Errorf("storage crypto: decode descriptor for %q: %w", docKey, err)
	}
	mat, err := c.material(DocumentContext(docKey), desc)
	if err != nil {
		return nil, err
	}
	reader, err := c.kg.DecryptReader(bytes.NewReader(envelope[envelopeHeaderSize+descLen:]), mat,
		kryptograf.WithSourceReadBuffer(defaultDecryptSourceReadBufferSize))
	if err != nil {
		return nil, fmt.Errorf("storage crypto: decrypt document: %w", err)
	}
	defer reader.Close()
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: decrypt document read: %w", err)
	}
	return plaintext, nil
}

func (c *Crypto) material(context string, desc keymgmt.Descriptor) (kryptograf.Material, error) {
	cacheKey := materialCacheKey{context: context, descriptor: desc}
	if mat, ok := c.materialCacheGet(cacheKey); ok {
		return mat, nil
	}
	mat, err := c.kg.ReconstructDEK([]byte(context), desc)
	if err != nil {
		return kryptograf.Material{}, fmt.Errorf("storage crypto: reconstruct material for %q: %w", context, err)
	}
	c.materialCachePut(cacheKey, mat)
	return mat, nil
}

func (c *Crypto) materialCacheGet(key materialCacheKey) (kryptograf.Material, bool) {
	if c == nil || c.materialCacheCap <= 0 {
		return kryptograf.Material{}, false
	}
	c.materialCacheMu.RLock()
	defer c.materialCacheMu.RUnlock()
	mat, ok := c.materialCache[key]
	return mat, ok
}

func (c *Crypto) materialCachePut(key materialCacheKey, material kryptograf.Material) {
	if c == nil || c.materialCacheCap <= 0 {
		return
	}
	c.materialCacheMu.Lock()
	defer c.materialCacheMu.Unlock()
	if _, exists := c.materialCache[key]; exists {
		c.materialCache[key] = material
		return
	}
	if len(c.materialCache) >= c.materialCacheCap {
		for cacheKey, cached := range c.materialCache {
			cached.Zero()
			delete(c.materialCache, cacheKey)
		}
	}
	c.materialCache[key] = material
}
