package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte{0xAB}, AddressLength)
	addr, err := NewAddress(raw)
	if err != nil {
		t.Fatalf("new address: %v", err)
	}
	encoded := addr.String()
	if !strings.HasPrefix(encoded, AddressPrefix+"1") {
		t.Fatalf("encoded address %q missing prefix", encoded)
	}
	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != addr {
		t.Fatalf("round trip mismatch: %s vs %s", decoded, addr)
	}
}

func TestNewAddressRejectsWrongLength(t *testing.T) {
	if _, err := NewAddress(make([]byte, 19)); err == nil {
		t.Fatal("expected error for short input")
	}
	if _, err := NewAddress(make([]byte, 21)); err == nil {
		t.Fatal("expected error for long input")
	}
}

func TestDecodeAddressRejectsForeignPrefix(t *testing.T) {
	if _, err := DecodeAddress("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"); err == nil {
		t.Fatal("expected error for foreign prefix")
	}
	if _, err := DecodeAddress("garbage"); err == nil {
		t.Fatal("expected error for malformed input")
	}
}

func TestIsZero(t *testing.T) {
	if !(Address{}).IsZero() {
		t.Fatal("zero value must report IsZero")
	}
	addr := MustNewAddress(bytes.Repeat([]byte{0x01}, AddressLength))
	if addr.IsZero() {
		t.Fatal("non-zero address reported IsZero")
	}
}

func TestGeneratedKeyDerivesStableAddress(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	first := key.PubKey().Address()
	second := key.PubKey().Address()
	if first != second {
		t.Fatal("address derivation must be deterministic")
	}
	if first.IsZero() {
		t.Fatal("derived address must not be zero")
	}
	if _, err := DecodeAddress(first.String()); err != nil {
		t.Fatalf("derived address must round trip: %v", err)
	}
}
