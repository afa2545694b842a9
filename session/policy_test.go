package session

import (
	"context"
	"reflect"
	"testing"
)

func TestResolveEncryptedFieldsFilter(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	cases := []struct {
		name   string
		policy Policy
		want   map[string]bool
	}{
		{"true", EncryptBool(true), map[string]bool{"authKey": true, "serverSalt": true, "anything": true}},
		{"false", EncryptBool(false), map[string]bool{"authKey": false, "serverSalt": false}},
		{"zero", Policy{}, map[string]bool{"authKey": false}},
		{"set", EncryptFields("authKey"), map[string]bool{"authKey": true, "serverSalt": false}},
		{"predicate", EncryptIf(func(f string) bool { return len(f) == 7 }), map[string]bool{"authKey": true, "serverSalt": false}},
		{"nil predicate", EncryptIf(nil), map[string]bool{"authKey": false}},
	}
	for _, tc := range cases {
		m := newManager(t, store, tc.policy)
		for field, want := range tc.want {
			if got := m.ResolveEncryptedFieldsFilter(ctx, field); got != want {
				t.Fatalf("%s: filter(%q) = %v, want %v", tc.name, field, got, want)
			}
		}
	}
}

func TestPredicateEvaluatedPerAccess(t *testing.T) {
	calls := 0
	p := EncryptIf(func(string) bool { calls++; return calls%2 == 1 })
	if !p.Encrypts("authKey") || p.Encrypts("authKey") {
		t.Fatalf("predicate result must be returned verbatim on each call")
	}
	if calls != 2 {
		t.Fatalf("expected two predicate calls, got %d", calls)
	}
}

func TestPolicyKindAndFields(t *testing.T) {
	if EncryptAll().Kind() != PolicyBool || EncryptFields("a").Kind() != PolicyFields || EncryptIf(func(string) bool { return false }).Kind() != PolicyPredicate {
		t.Fatalf("unexpected kinds")
	}
	if got := EncryptFields("serverSalt", "authKey").Fields(); !reflect.DeepEqual(got, []string{"authKey", "serverSalt"}) {
		t.Fatalf("unexpected fields %v", got)
	}
	if EncryptAll().Fields() != nil {
		t.Fatalf("bool policy has no field list")
	}
	if EncryptNone().MayEncrypt() || !EncryptAll().MayEncrypt() || EncryptFields().MayEncrypt() {
		t.Fatalf("unexpected MayEncrypt results")
	}
	if PolicyPredicate.String() != "predicate" || PolicyKind(9).String() != "unknown" {
		t.Fatalf("unexpected kind strings")
	}
}

func TestSecretPath(t *testing.T) {
	if got := SecretPath(2, FieldAuthKey); got != "dc2.authKey" {
		t.Fatalf("unexpected path %q", got)
	}
}
