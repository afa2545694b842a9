package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"github.com/TheDevXen/airgram/fieldcipher"
	"github.com/TheDevXen/airgram/internal/storage"
	"github.com/TheDevXen/airgram/internal/storage/memory"
	"github.com/TheDevXen/airgram/internal/testlog"
)

type countingStore struct {
	Store
	getFieldCalls int
	getFieldErr   error
	getErr        error
	setErr        error
}

func (c *countingStore) Get(ctx context.Context, docKey string) (Document, error) {
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.Store.Get(ctx, docKey)
}

func (c *countingStore) GetField(ctx context.Context, docKey, path string) (any, error) {
	c.getFieldCalls++
	if c.getFieldErr != nil {
		return nil, c.getFieldErr
	}
	return c.Store.GetField(ctx, docKey, path)
}

func (c *countingStore) Set(ctx context.Context, docKey string, partial Document) (Document, error) {
	if c.setErr != nil {
		return nil, c.setErr
	}
	return c.Store.Set(ctx, docKey, partial)
}

func newStore() *countingStore {
	return &countingStore{Store: storage.NewDocumentStore(memory.New(), storage.DocumentOptions{})}
}

func prefixCipher() fieldcipher.Cipher {
	return fieldcipher.Funcs{
		EncryptFunc: func(_ context.Context, s string) (string, error) { return "enc:" + s, nil },
		DecryptFunc: func(_ context.Context, s string) (string, error) {
			if !strings.HasPrefix(s, "enc:") {
				return "", fieldcipher.ErrDecrypt
			}
			return strings.TrimPrefix(s, "enc:"), nil
		},
	}
}

func newManager(t *testing.T, store Store, policy Policy) *Manager {
	t.Helper()
	m, err := New(Config{
		ClientName:      "alice",
		Store:           store,
		Cipher:          prefixCipher(),
		EncryptedFields: policy,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestNewValidation(t *testing.T) {
	store := newStore()
	if _, err := New(Config{Store: store}); err == nil {
		t.Fatalf("expected error without client name")
	}
	if _, err := New(Config{ClientName: "a"}); err == nil {
		t.Fatalf("expected error without store")
	}
	if _, err := New(Config{ClientName: "a", Store: store, EncryptedFields: EncryptAll()}); err == nil {
		t.Fatalf("expected error without cipher for encrypting policy")
	}
	if _, err := New(Config{ClientName: "a", Store: store, DefaultDcID: -1}); err == nil {
		t.Fatalf("expected error for negative default dc")
	}
	m, err := New(Config{ClientName: "a", Store: store, EncryptedFields: EncryptFields()})
	if err != nil {
		t.Fatalf("empty field set needs no cipher: %v", err)
	}
	if m.ResolveKey() != "a:mtp" {
		t.Fatalf("unexpected key %q", m.ResolveKey())
	}
	custom, err := New(Config{ClientName: "a", Store: store, StoreKey: "session"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if custom.ResolveKey() != "a:session" {
		t.Fatalf("unexpected key %q", custom.ResolveKey())
	}
}

func TestCurrentDcIDDefaultsAndCaches(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	m := newManager(t, store, EncryptNone())

	id, err := m.CurrentDcID(ctx)
	if err != nil {
		t.Fatalf("current dc: %v", err)
	}
	if id != DefaultDcID {
		t.Fatalf("expected default %d, got %d", DefaultDcID, id)
	}
	calls := store.getFieldCalls
	if _, err := m.CurrentDcID(ctx); err != nil {
		t.Fatalf("current dc: %v", err)
	}
	if store.getFieldCalls != calls {
		t.Fatalf("expected cached value without store round trip")
	}

	if _, err := m.SetCurrentDcID(ctx, 7); err != nil {
		t.Fatalf("set current dc: %v", err)
	}
	calls = store.getFieldCalls
	id, err = m.CurrentDcID(ctx)
	if err != nil || id != 7 {
		t.Fatalf("expected 7, got %d (%v)", id, err)
	}
	if store.getFieldCalls != calls {
		t.Fatalf("expected no store read after set")
	}

	fresh := newManager(t, store, EncryptNone())
	id, err = fresh.CurrentDcID(ctx)
	if err != nil || id != 7 {
		t.Fatalf("expected persisted 7, got %d (%v)", id, err)
	}
}

func TestCurrentDcIDCustomDefault(t *testing.T) {
	m, err := New(Config{ClientName: "a", Store: newStore(), DefaultDcID: 4})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id, err := m.CurrentDcID(context.Background())
	if err != nil || id != 4 {
		t.Fatalf("expected 4, got %d (%v)", id, err)
	}
}

func TestCurrentDcIDStoredZeroFallsBack(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	m := newManager(t, store, EncryptNone())
	if _, err := m.Set(ctx, Document{FieldCurrentDcID: 0}); err != nil {
		t.Fatalf("set: %v", err)
	}
	id, err := m.CurrentDcID(ctx)
	if err != nil || id != DefaultDcID {
		t.Fatalf("expected default for stored zero, got %d (%v)", id, err)
	}
	if _, err := m.Set(ctx, Document{FieldPrevDcID: "x"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, _, err := m.PrevDcID(ctx); err == nil {
		t.Fatalf("expected error for non-integer prevDcId")
	}
}

func TestSetDcIDRejectsNonPositive(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	m := newManager(t, store, EncryptNone())
	for _, id := range []int{0, -3} {
		if _, err := m.SetCurrentDcID(ctx, id); err == nil {
			t.Fatalf("expected error for current dc %d", id)
		}
		if _, err := m.SetPrevDcID(ctx, id); err == nil {
			t.Fatalf("expected error for prev dc %d", id)
		}
	}
	cur, err := m.CurrentDcID(ctx)
	if err != nil || cur != DefaultDcID {
		t.Fatalf("expected cache untouched at default, got %d (%v)", cur, err)
	}
	if _, ok, err := m.PrevDcID(ctx); err != nil || ok {
		t.Fatalf("expected prev dc still absent, got ok=%v err=%v", ok, err)
	}
	doc, err := m.Get(ctx)
	if err != nil || len(doc) != 0 {
		t.Fatalf("expected nothing persisted, got %#v (%v)", doc, err)
	}
}

func TestPrevDcID(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	m := newManager(t, store, EncryptNone())
	if _, ok, err := m.PrevDcID(ctx); err != nil || ok {
		t.Fatalf("expected absent prev dc, got ok=%v err=%v", ok, err)
	}
	written, err := m.SetPrevDcID(ctx, 3)
	if err != nil {
		t.Fatalf("set prev: %v", err)
	}
	if written[FieldPrevDcID] != 3 {
		t.Fatalf("expected written partial, got %#v", written)
	}
	fresh := newManager(t, store, EncryptNone())
	id, ok, err := fresh.PrevDcID(ctx)
	if err != nil || !ok || id != 3 {
		t.Fatalf("expected 3, got %d %v %v", id, ok, err)
	}
}

func TestSecretRoundTripUnderEveryPolicy(t *testing.T) {
	policies := map[string]Policy{
		"none":      EncryptNone(),
		"all":       EncryptAll(),
		"fields":    EncryptFields(FieldAuthKey),
		"predicate": EncryptIf(func(f string) bool { return f == FieldServerSalt }),
	}
	for name, policy := range policies {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore()
			m := newManager(t, store, policy)
			if _, err := m.SetAuthKey(ctx, 5, "secret"); err != nil {
				t.Fatalf("set auth key: %v", err)
			}
			if _, err := m.SetServerSalt(ctx, 5, "salt"); err != nil {
				t.Fatalf("set server salt: %v", err)
			}
			key, ok, err := m.AuthKey(ctx, 5)
			if err != nil || !ok || key != "secret" {
				t.Fatalf("auth key round trip: %q %v %v", key, ok, err)
			}
			salt, ok, err := m.ServerSalt(ctx, 5)
			if err != nil || !ok || salt != "salt" {
				t.Fatalf("server salt round trip: %q %v %v", salt, ok, err)
			}

			raw, err := m.GetField(ctx, "dc5.authKey")
			if err != nil {
				t.Fatalf("raw get: %v", err)
			}
			wantRaw := "secret"
			if policy.Encrypts(FieldAuthKey) {
				wantRaw = "enc:secret"
			}
			if raw != wantRaw {
				t.Fatalf("stored auth key %q, want %q", raw, wantRaw)
			}
		})
	}
}

func TestSecretsAreNestedPerDatacenter(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newStore(), EncryptNone())
	if _, err := m.SetAuthKey(ctx, 2, "k2"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := m.SetServerSalt(ctx, 2, "s2"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := m.SetAuthKey(ctx, 4, "k4"); err != nil {
		t.Fatalf("set: %v", err)
	}
	doc, err := m.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	dc2, ok := doc["dc2"].(map[string]any)
	if !ok || dc2[FieldAuthKey] != "k2" || dc2[FieldServerSalt] != "s2" {
		t.Fatalf("unexpected dc2 object %#v", doc["dc2"])
	}
	if _, ok, _ := m.AuthKey(ctx, 3); ok {
		t.Fatalf("expected absent auth key for dc3")
	}
}

func TestEmptySecretIsNotDecrypted(t *testing.T) {
	ctx := context.Background()
	decrypts := 0
	m, err := New(Config{
		ClientName:      "a",
		Store:           newStore(),
		EncryptedFields: EncryptAll(),
		Cipher: fieldcipher.Funcs{
			EncryptFunc: func(_ context.Context, s string) (string, error) { return s, nil },
			DecryptFunc: func(_ context.Context, s string) (string, error) { decrypts++; return s, nil },
		},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := m.Set(ctx, Document{"dc1.authKey": ""}); err != nil {
		t.Fatalf("set: %v", err)
	}
	key, ok, err := m.AuthKey(ctx, 1)
	if err != nil || !ok || key != "" {
		t.Fatalf("unexpected result %q %v %v", key, ok, err)
	}
	if _, _, err := m.AuthKey(ctx, 9); err != nil {
		t.Fatalf("absent: %v", err)
	}
	if decrypts != 0 {
		t.Fatalf("decrypt called %d times", decrypts)
	}
}

func TestCipherErrorsPropagateUnchanged(t *testing.T) {
	ctx := context.Background()
	logger, rec := testlog.NewRecorder(t, pslog.TraceLevel)
	cipherErr := errors.New("hsm offline")
	m, err := New(Config{
		ClientName:      "a",
		Store:           newStore(),
		Logger:          logger,
		EncryptedFields: EncryptAll(),
		Cipher: fieldcipher.Funcs{
			EncryptFunc: func(context.Context, string) (string, error) { return "", cipherErr },
			DecryptFunc: func(context.Context, string) (string, error) { return "", cipherErr },
		},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := m.SetAuthKey(ctx, 1, "x"); err != cipherErr {
		t.Fatalf("expected cipher error, got %v", err)
	}
	if _, err := m.Set(ctx, Document{"dc1.authKey": "opaque"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, _, err := m.AuthKey(ctx, 1); err != cipherErr {
		t.Fatalf("expected cipher error, got %v", err)
	}
	if len(rec.Events()) != 0 {
		t.Fatalf("cipher failures must not be logged\n%s", rec.Summary())
	}
}

func TestGetFieldFailureLoggedOnceAndReturned(t *testing.T) {
	ctx := context.Background()
	logger, rec := testlog.NewRecorder(t, pslog.TraceLevel)
	store := newStore()
	readErr := errors.New("connection reset")
	store.getFieldErr = readErr
	m, err := New(Config{ClientName: "a", Store: store, Logger: logger})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := m.GetField(ctx, "x"); err != readErr {
		t.Fatalf("expected original error, got %v", err)
	}
	if got := rec.Count("session.get.failed"); got != 1 {
		t.Fatalf("expected exactly one log entry, got %d\n%s", got, rec.Summary())
	}
	entry, _ := rec.Find("session.get.failed")
	if testlog.StringField(entry, "field") != "x" {
		t.Fatalf("expected field in log entry, got %v", entry.Fields)
	}
	if testlog.StringField(entry, "sys") != "state.session" {
		t.Fatalf("expected subsystem tag, got %v", entry.Fields)
	}
}

func TestGetFailureLoggedAndReturned(t *testing.T) {
	logger, rec := testlog.NewRecorder(t, pslog.TraceLevel)
	store := newStore()
	store.getErr = storage.NewTransientError(errors.New("timeout"))
	m, err := New(Config{ClientName: "a", Store: store, Logger: logger})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = m.Get(context.Background())
	if err != store.getErr {
		t.Fatalf("expected original error value, got %v", err)
	}
	if rec.Count("session.get.failed") != 1 {
		t.Fatalf("expected one log entry\n%s", rec.Summary())
	}
}

func TestWriteFailurePropagates(t *testing.T) {
	logger, rec := testlog.NewRecorder(t, pslog.TraceLevel)
	store := newStore()
	store.setErr = errors.New("disk full")
	m, err := New(Config{ClientName: "a", Store: store, Logger: logger})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := m.SetCurrentDcID(context.Background(), 3); err != store.setErr {
		t.Fatalf("expected write error, got %v", err)
	}
	if len(rec.Events()) != 0 {
		t.Fatalf("write failures are not logged by the manager\n%s", rec.Summary())
	}
}

func TestClearStateThenGetIsEmpty(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newStore(), EncryptNone())
	if _, err := m.SetAuthKey(ctx, 2, "k"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := m.ClearState(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	doc, err := m.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc == nil || len(doc) != 0 {
		t.Fatalf("expected empty document, got %#v", doc)
	}
	if v, err := m.GetField(ctx, "dc2.authKey"); err != nil || v != nil {
		t.Fatalf("expected nil field, got %v %v", v, err)
	}
}

func TestSetReturnsPartial(t *testing.T) {
	m := newManager(t, newStore(), EncryptNone())
	partial := Document{"custom": "value", "dc3.serverSalt": "s"}
	written, err := m.Set(context.Background(), partial)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if len(written) != 2 || written["custom"] != "value" {
		t.Fatalf("unexpected written partial %#v", written)
	}
}

func TestServerTimeOffsetIsInMemory(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newStore(), EncryptNone())
	if m.ServerTimeOffset() != 0 {
		t.Fatalf("expected zero offset")
	}
	m.SetServerTimeOffset(-42)
	if m.ServerTimeOffset() != -42 {
		t.Fatalf("expected -42")
	}
	doc, err := m.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(doc) != 0 {
		t.Fatalf("offset must not be persisted, got %#v", doc)
	}
}

func TestEncryptDecryptFieldSymmetry(t *testing.T) {
	ctx := context.Background()
	passphrase, err := fieldcipher.NewPassphrase("pw", fieldcipher.MinPBKDF2Iterations)
	if err != nil {
		t.Fatalf("passphrase: %v", err)
	}
	for _, policy := range []Policy{EncryptAll(), EncryptNone(), EncryptFields(FieldAuthKey)} {
		m, err := New(Config{ClientName: "a", Store: newStore(), Cipher: passphrase, EncryptedFields: policy})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		for _, field := range []string{FieldAuthKey, FieldServerSalt} {
			ct, err := m.EncryptField(ctx, field, "v")
			if err != nil {
				t.Fatalf("encrypt: %v", err)
			}
			if !policy.Encrypts(field) && ct != "v" {
				t.Fatalf("expected identity for undesignated field")
			}
			pt, err := m.DecryptField(ctx, field, ct)
			if err != nil || pt != "v" {
				t.Fatalf("round trip %s/%s: %q %v", policy.Kind(), field, pt, err)
			}
		}
	}
}
