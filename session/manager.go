// Package session persists the per-client connection secrets of a protocol
// client: the active and previous datacenter ids, and per-datacenter auth
// keys and server salts, optionally encrypted field by field.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"pkt.systems/pslog"

	"github.com/TheDevXen/airgram/fieldcipher"
	"github.com/TheDevXen/airgram/internal/storage"
	"github.com/TheDevXen/airgram/internal/svcfields"
)

// Document is a JSON-compatible state document.
type Document = storage.Document

// Store is the document store the manager persists into.
type Store = storage.Store

// ErrNotFound is returned by stores for absent documents and fields.
var ErrNotFound = storage.ErrNotFound

const (
	// DefaultStoreKey is the document suffix for session state.
	DefaultStoreKey = "mtp"
	// DefaultDcID is used when no current datacenter id has been stored.
	DefaultDcID = 2

	FieldCurrentDcID = "currentDcId"
	FieldPrevDcID    = "prevDcId"
	FieldAuthKey     = "authKey"
	FieldServerSalt  = "serverSalt"
)

// Config configures a Manager.
type Config struct {
	ClientName      string
	Store           Store
	Cipher          fieldcipher.Cipher
	Logger          pslog.Logger
	DefaultDcID     int
	EncryptedFields Policy
	StoreKey        string
}

// Manager reads and writes one client's session document. It holds the
// current and previous dc ids in plain fields, so a Manager must not be
// shared between concurrent connections.
type Manager struct {
	clientName  string
	storeKey    string
	docKey      string
	store       Store
	cipher      fieldcipher.Cipher
	logger      pslog.Logger
	defaultDcID int
	policy      Policy

	currentDcID      int
	prevDcID         int
	serverTimeOffset int64
}

// New validates cfg and returns a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.ClientName == "" {
		return nil, fmt.Errorf("session: client name required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session: store required")
	}
	if cfg.EncryptedFields.MayEncrypt() && cfg.Cipher == nil {
		return nil, fmt.Errorf("session: cipher required for %s encryption policy", cfg.EncryptedFields.Kind())
	}
	if cfg.DefaultDcID < 0 {
		return nil, fmt.Errorf("session: default dc id must be positive, got %d", cfg.DefaultDcID)
	}
	if cfg.DefaultDcID == 0 {
		cfg.DefaultDcID = DefaultDcID
	}
	if cfg.StoreKey == "" {
		cfg.StoreKey = DefaultStoreKey
	}
	return &Manager{
		clientName:  cfg.ClientName,
		storeKey:    cfg.StoreKey,
		docKey:      cfg.ClientName + ":" + cfg.StoreKey,
		store:       cfg.Store,
		cipher:      cfg.Cipher,
		logger:      svcfields.WithSubsystem(cfg.Logger, svcfields.SubsystemSession),
		defaultDcID: cfg.DefaultDcID,
		policy:      cfg.EncryptedFields,
	}, nil
}

// ResolveKey returns the document key, "<clientName>:<storeKey>".
func (m *Manager) ResolveKey() string {
	return m.docKey
}

// Policy returns the configured encryption policy.
func (m *Manager) Policy() Policy {
	return m.policy
}

// ResolveEncryptedFieldsFilter reports whether field is stored encrypted.
// Both EncryptField and DecryptField go through it.
func (m *Manager) ResolveEncryptedFieldsFilter(_ context.Context, field string) bool {
	return m.policy.Encrypts(field)
}

// EncryptField returns value encrypted when the policy designates field and
// value unchanged otherwise.
func (m *Manager) EncryptField(ctx context.Context, field, value string) (string, error) {
	if !m.ResolveEncryptedFieldsFilter(ctx, field) {
		return value, nil
	}
	return m.cipher.Encrypt(ctx, value)
}

// DecryptField reverses EncryptField. Empty values are returned untouched.
func (m *Manager) DecryptField(ctx context.Context, field, value string) (string, error) {
	if value == "" || !m.ResolveEncryptedFieldsFilter(ctx, field) {
		return value, nil
	}
	return m.cipher.Decrypt(ctx, value)
}

// CurrentDcID returns the active datacenter id, reading it from the store
// the first time and falling back to the configured default.
func (m *Manager) CurrentDcID(ctx context.Context) (int, error) {
	if m.currentDcID != 0 {
		return m.currentDcID, nil
	}
	raw, err := m.GetField(ctx, FieldCurrentDcID)
	if err != nil {
		return 0, err
	}
	id, ok, err := dcIDFrom(FieldCurrentDcID, raw)
	if err != nil {
		return 0, err
	}
	if !ok {
		id = m.defaultDcID
	}
	m.currentDcID = id
	return id, nil
}

// SetCurrentDcID caches id and persists it.
func (m *Manager) SetCurrentDcID(ctx context.Context, id int) (Document, error) {
	if err := checkDcID(FieldCurrentDcID, id); err != nil {
		return nil, err
	}
	m.currentDcID = id
	return m.Set(ctx, Document{FieldCurrentDcID: id})
}

// PrevDcID returns the previously active datacenter id. ok is false until
// one has been stored.
func (m *Manager) PrevDcID(ctx context.Context) (int, bool, error) {
	if m.prevDcID != 0 {
		return m.prevDcID, true, nil
	}
	raw, err := m.GetField(ctx, FieldPrevDcID)
	if err != nil {
		return 0, false, err
	}
	id, ok, err := dcIDFrom(FieldPrevDcID, raw)
	if err != nil || !ok {
		return 0, false, err
	}
	m.prevDcID = id
	return id, true, nil
}

// SetPrevDcID caches id and persists it.
func (m *Manager) SetPrevDcID(ctx context.Context, id int) (Document, error) {
	if err := checkDcID(FieldPrevDcID, id); err != nil {
		return nil, err
	}
	m.prevDcID = id
	return m.Set(ctx, Document{FieldPrevDcID: id})
}

func checkDcID(field string, id int) error {
	if id <= 0 {
		return fmt.Errorf("session: %s must be positive, got %d", field, id)
	}
	return nil
}

// AuthKey returns the plaintext auth key for dcID.
func (m *Manager) AuthKey(ctx context.Context, dcID int) (string, bool, error) {
	return m.secret(ctx, dcID, FieldAuthKey)
}

// SetAuthKey stores the auth key for dcID, encrypting it per policy.
func (m *Manager) SetAuthKey(ctx context.Context, dcID int, plaintext string) (Document, error) {
	return m.setSecret(ctx, dcID, FieldAuthKey, plaintext)
}

// ServerSalt returns the plaintext server salt for dcID.
func (m *Manager) ServerSalt(ctx context.Context, dcID int) (string, bool, error) {
	return m.secret(ctx, dcID, FieldServerSalt)
}

// SetServerSalt stores the server salt for dcID, encrypting it per policy.
func (m *Manager) SetServerSalt(ctx context.Context, dcID int, plaintext string) (Document, error) {
	return m.setSecret(ctx, dcID, FieldServerSalt, plaintext)
}

// SecretPath returns the nested document path of a per-datacenter field.
func SecretPath(dcID int, field string) string {
	return "dc" + strconv.Itoa(dcID) + "." + field
}

func (m *Manager) secret(ctx context.Context, dcID int, field string) (string, bool, error) {
	raw, err := m.GetField(ctx, SecretPath(dcID, field))
	if err != nil {
		return "", false, err
	}
	if raw == nil {
		return "", false, nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", false, fmt.Errorf("session: %s holds %T, want string", SecretPath(dcID, field), raw)
	}
	plaintext, err := m.DecryptField(ctx, field, value)
	if err != nil {
		return "", false, err
	}
	return plaintext, true, nil
}

func (m *Manager) setSecret(ctx context.Context, dcID int, field, plaintext string) (Document, error) {
	value, err := m.EncryptField(ctx, field, plaintext)
	if err != nil {
		return nil, err
	}
	return m.Set(ctx, Document{SecretPath(dcID, field): value})
}

// Get returns the whole session document, or an empty one when none exists.
func (m *Manager) Get(ctx context.Context) (Document, error) {
	doc, err := m.store.Get(ctx, m.docKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Document{}, nil
		}
		m.logger.Error("session.get.failed", "key", m.docKey, "field", "", "error", err)
		return nil, err
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// GetField returns the value at field (a dotted path), or nil when absent.
func (m *Manager) GetField(ctx context.Context, field string) (any, error) {
	value, err := m.store.GetField(ctx, m.docKey, field)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		m.logger.Error("session.get.failed", "key", m.docKey, "field", field, "error", err)
		return nil, err
	}
	return value, nil
}

// Set merge-writes partial into the session document and returns it.
func (m *Manager) Set(ctx context.Context, partial Document) (Document, error) {
	return m.store.Set(ctx, m.docKey, partial)
}

// ClearState deletes the session document. Cached dc ids are kept.
func (m *Manager) ClearState(ctx context.Context) error {
	return m.store.Delete(ctx, m.docKey)
}

// ServerTimeOffset returns the in-memory clock skew estimate in seconds.
func (m *Manager) ServerTimeOffset() int64 {
	return m.serverTimeOffset
}

// SetServerTimeOffset records the clock skew estimate. It is never persisted.
func (m *Manager) SetServerTimeOffset(offset int64) {
	m.serverTimeOffset = offset
}

// dcIDFrom converts a stored dc id. Absent and non-positive values report
// ok == false.
func dcIDFrom(field string, raw any) (int, bool, error) {
	var id int64
	switch v := raw.(type) {
	case nil:
		return 0, false, nil
	case int:
		id = int64(v)
	case int32:
		id = int64(v)
	case int64:
		id = v
	case float64:
		if v != math.Trunc(v) {
			return 0, false, fmt.Errorf("session: %s is not an integer: %v", field, v)
		}
		id = int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false, fmt.Errorf("session: %s: %w", field, err)
		}
		id = n
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("session: %s holds %q, want integer", field, v)
		}
		id = n
	default:
		return 0, false, fmt.Errorf("session: %s holds %T, want integer", field, raw)
	}
	if id <= 0 {
		return 0, false, nil
	}
	return int(id), true, nil
}
