package channel

import (
	"bytes"
	"testing"
)

func psk16() []byte {
	psk := make([]byte, PSKLen16)
	for i := range psk {
		psk[i] = byte(i + 1)
	}
	return psk
}

func psk32() []byte {
	psk := make([]byte, PSKLen32)
	for i := range psk {
		psk[i] = byte(0xf0 - i)
	}
	return psk
}

func TestSealOpenRoundTrip(t *testing.T) {
	plaintext := []byte(`{"port":1,"payload":"aGVsbG8="}`)
	for _, psk := range [][]byte{psk16(), psk32()} {
		sealed, err := Seal(psk, plaintext, 42, 7)
		if err != nil {
			t.Fatalf("seal failed: %v", err)
		}
		if bytes.Equal(sealed, plaintext) {
			t.Fatal("ciphertext equals plaintext")
		}
		got, err := Open(psk, sealed, 42, 7)
		if err != nil {
			t.Fatalf("open failed: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("round trip mismatch: %q", got)
		}
	}
}

func TestOpenWrongKeyYieldsGarbage(t *testing.T) {
	plaintext := []byte(`{"port":1}`)
	sealed, err := Seal(psk16(), plaintext, 1, 2)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	// A wrong key never errors; it just produces different bytes. That is
	// what forces structural validation after decryption.
	got, err := Open(psk32(), sealed, 1, 2)
	if err != nil {
		t.Fatalf("open with wrong key errored: %v", err)
	}
	if bytes.Equal(got, plaintext) {
		t.Fatal("wrong key reproduced the plaintext")
	}
}

func TestNonceBinding(t *testing.T) {
	plaintext := []byte("same bytes")
	a, _ := Seal(psk16(), plaintext, 1, 7)
	b, _ := Seal(psk16(), plaintext, 2, 7)
	c, _ := Seal(psk16(), plaintext, 1, 8)
	if bytes.Equal(a, b) || bytes.Equal(a, c) {
		t.Fatal("ciphertext must depend on packet id and sender")
	}
}

func TestHashDiffersByName(t *testing.T) {
	psk := psk16()
	if Hash("alpha", psk) == Hash("beta", psk) {
		t.Fatal("different names produced the same channel hash")
	}
	if Hash("alpha", psk) != Hash("alpha", psk) {
		t.Fatal("hash is not deterministic")
	}
	if Hash("alpha", psk) > 0xff {
		t.Fatal("channel hash must fit one byte")
	}
}

func TestKeyValidate(t *testing.T) {
	k := Key{Name: "ok", PSK: psk16()}
	if err := k.Validate(); err != nil {
		t.Fatalf("valid 16-byte psk rejected: %v", err)
	}
	k.PSK = psk32()
	if err := k.Validate(); err != nil {
		t.Fatalf("valid 32-byte psk rejected: %v", err)
	}
	k.PSK = make([]byte, 20)
	if err := k.Validate(); err == nil {
		t.Fatal("expected error for 20-byte psk")
	}
	k.PSK = nil
	if err := k.Validate(); err == nil {
		t.Fatal("expected error for empty psk")
	}
}
