package crypto

import (
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = byte(i)
	}
	addr := NewAddress(AccountPrefix, raw)

	encoded := addr.String()
	if !strings.HasPrefix(encoded, string(AccountPrefix)+"1") {
		t.Fatalf("encoded address %q missing prefix", encoded)
	}

	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Equal(addr) {
		t.Fatal("decoded address differs from original")
	}
	if decoded.Prefix() != AccountPrefix {
		t.Fatalf("decoded prefix = %q", decoded.Prefix())
	}
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "pwr1", "not-bech32", "pwr1qqqq"} {
		if _, err := DecodeAddress(input); err == nil {
			t.Fatalf("expected error for %q", input)
		}
	}
}

func TestModuleAddressDeterministic(t *testing.T) {
	a := ModuleAddress("vault")
	b := ModuleAddress("vault")
	if !a.Equal(b) {
		t.Fatal("module address not deterministic")
	}
	if a.Prefix() != ModulePrefix {
		t.Fatalf("module prefix = %q", a.Prefix())
	}
	other := ModuleAddress("treasury")
	if a.Equal(other) {
		t.Fatal("distinct module names collided")
	}
	if a.IsZero() {
		t.Fatal("module address must not be zero")
	}
}

func TestKeyDerivesAccountAddress(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	if addr.Prefix() != AccountPrefix {
		t.Fatalf("key address prefix = %q", addr.Prefix())
	}
	if len(addr.Bytes()) != 20 {
		t.Fatalf("key address length = %d", len(addr.Bytes()))
	}

	restored, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("restore key: %v", err)
	}
	if !restored.PubKey().Address().Equal(addr) {
		t.Fatal("restored key derives a different address")
	}
}
