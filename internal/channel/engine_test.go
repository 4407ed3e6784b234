package channel

import (
	"sync"
	"testing"
	"time"

	"meshmon/internal/proto"
)

type fakeRegistry struct {
	mu    sync.Mutex
	keys  []Key
	bumps map[int64]int
}

func newFakeRegistry(keys ...Key) *fakeRegistry {
	return &fakeRegistry{keys: keys, bumps: make(map[int64]int)}
}

func (r *fakeRegistry) EnabledKeys() ([]Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Key, 0, len(r.keys))
	for _, k := range r.keys {
		if k.Enabled {
			out = append(out, k)
		}
	}
	return out, nil
}

func (r *fakeRegistry) BumpDecrypted(id int64, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bumps[id]++
	return nil
}

func sealedPacket(t *testing.T, psk []byte, name string, from, id uint32) *proto.MeshPacket {
	t.Helper()
	inner, err := proto.EncodeInnerData(&proto.Data{Port: proto.PortTextMessage, Payload: []byte("secret")})
	if err != nil {
		t.Fatalf("encode inner failed: %v", err)
	}
	sealed, err := Seal(psk, inner, id, from)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	return &proto.MeshPacket{
		From:        from,
		To:          proto.Broadcast,
		ID:          id,
		ChannelHash: Hash(name, psk),
		Encrypted:   sealed,
	}
}

func TestTryDecryptFirstMatchWins(t *testing.T) {
	good := psk16()
	other := psk32()
	reg := newFakeRegistry(
		Key{ID: 1, Name: "wrong", PSK: other, Enabled: true},
		Key{ID: 2, Name: "right", PSK: good, Enabled: true},
	)
	e := NewEngine(reg)

	pkt := sealedPacket(t, good, "right", 7, 100)
	res, err := e.TryDecrypt(pkt)
	if err != nil {
		t.Fatalf("try decrypt failed: %v", err)
	}
	if res == nil {
		t.Fatal("expected a decryption hit")
	}
	if res.KeyID != 2 {
		t.Fatalf("key id=%d want 2", res.KeyID)
	}
	if string(res.Data.Payload) != "secret" {
		t.Fatalf("payload=%q want secret", res.Data.Payload)
	}
	if reg.bumps[2] != 1 || reg.bumps[1] != 0 {
		t.Fatalf("bump counts wrong: %v", reg.bumps)
	}
}

func TestTryDecryptNoMatch(t *testing.T) {
	reg := newFakeRegistry(Key{ID: 1, Name: "only", PSK: psk32(), Enabled: true})
	e := NewEngine(reg)

	pkt := sealedPacket(t, psk16(), "other", 3, 50)
	res, err := e.TryDecrypt(pkt)
	if err != nil {
		t.Fatalf("try decrypt errored: %v", err)
	}
	if res != nil {
		t.Fatalf("expected miss, got key %d", res.KeyID)
	}
	if len(reg.bumps) != 0 {
		t.Fatalf("miss must not bump counters: %v", reg.bumps)
	}
}

func TestTryDecryptNameValidationGate(t *testing.T) {
	// Two keys share a PSK under different names. With name validation on,
	// only the key whose hash matches the packet may even be tried, so the
	// attribution is unambiguous.
	psk := psk16()
	reg := newFakeRegistry(
		Key{ID: 1, Name: "alpha", PSK: psk, Enabled: true, EnforceNameValidation: true},
		Key{ID: 2, Name: "beta", PSK: psk, Enabled: true, EnforceNameValidation: true},
	)
	e := NewEngine(reg)

	pkt := sealedPacket(t, psk, "beta", 9, 200)
	res, err := e.TryDecrypt(pkt)
	if err != nil {
		t.Fatalf("try decrypt failed: %v", err)
	}
	if res == nil || res.KeyID != 2 {
		t.Fatalf("expected key 2, got %+v", res)
	}
	if reg.bumps[1] != 0 || reg.bumps[2] != 1 {
		t.Fatalf("only the matching key may be credited: %v", reg.bumps)
	}
}

func TestTryDecryptSkipsDisabledAndInvalid(t *testing.T) {
	psk := psk16()
	reg := newFakeRegistry(
		Key{ID: 1, Name: "off", PSK: psk, Enabled: false},
		Key{ID: 2, Name: "bad", PSK: make([]byte, 5), Enabled: true},
		Key{ID: 3, Name: "live", PSK: psk, Enabled: true},
	)
	e := NewEngine(reg)

	pkt := sealedPacket(t, psk, "live", 4, 10)
	res, err := e.TryDecrypt(pkt)
	if err != nil {
		t.Fatalf("try decrypt failed: %v", err)
	}
	if res == nil || res.KeyID != 3 {
		t.Fatalf("expected key 3, got %+v", res)
	}
}

func TestTryDecryptIgnoresPlaintextPackets(t *testing.T) {
	e := NewEngine(newFakeRegistry())
	res, err := e.TryDecrypt(&proto.MeshPacket{From: 1, ID: 1, Decoded: &proto.Data{Port: 1}})
	if err != nil || res != nil {
		t.Fatalf("plaintext packet must be a no-op, got (%+v, %v)", res, err)
	}
}
