package channel

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/sha3"
)

const (
	// Valid pre-shared key lengths. A 16-byte PSK is expanded to the cipher
	// key size through the KDF below.
	PSKLen16 = 16
	PSKLen32 = 32

	cipherKeySize   = chacha20.KeySize
	cipherNonceSize = chacha20.NonceSize
)

// Key is a channel pre-shared key plus metadata. DecryptedPacketCount and
// LastDecryptedAt are maintained by the registry, never by callers.
type Key struct {
	ID                    int64
	Name                  string
	PSK                   []byte
	Enabled               bool
	EnforceNameValidation bool
	DecryptedPacketCount  uint64
	LastDecryptedAt       time.Time
}

// Validate checks the PSK-length invariant.
func (k *Key) Validate() error {
	if len(k.PSK) != PSKLen16 && len(k.PSK) != PSKLen32 {
		return fmt.Errorf("channel key %q: psk must be %d or %d bytes, got %d",
			k.Name, PSKLen16, PSKLen32, len(k.PSK))
	}
	return nil
}

func kdf(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	sum := sha3.Sum256(buf)
	return sum[:]
}

// Hash is the channel fingerprint carried on the wire to pick which key a
// packet was encrypted under: one byte of a name+PSK digest.
func Hash(name string, psk []byte) uint32 {
	return uint32(kdf("meshmon:chhash:v1", []byte(name), psk)[0])
}

func cipherKey(psk []byte) ([]byte, error) {
	switch len(psk) {
	case PSKLen32:
		return psk, nil
	case PSKLen16:
		return kdf("meshmon:psk:v1", psk), nil
	default:
		return nil, fmt.Errorf("bad psk size %d", len(psk))
	}
}

func nonce(packetID, fromNode uint32) []byte {
	n := make([]byte, cipherNonceSize)
	binary.LittleEndian.PutUint32(n[0:4], packetID)
	binary.LittleEndian.PutUint32(n[4:8], fromNode)
	return n
}

// Seal encrypts an inner payload under a channel PSK. The cipher is an
// unauthenticated stream cipher: a wrong key on the receiving side yields
// garbage bytes, not an error, which is why TryDecrypt validates structure.
func Seal(psk, plaintext []byte, packetID, fromNode uint32) ([]byte, error) {
	key, err := cipherKey(psk)
	if err != nil {
		return nil, err
	}
	c, err := chacha20.NewUnauthenticatedCipher(key, nonce(packetID, fromNode))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plaintext))
	c.XORKeyStream(out, plaintext)
	return out, nil
}

// Open reverses Seal. The result is only trustworthy after structural
// validation of the plaintext.
func Open(psk, ciphertext []byte, packetID, fromNode uint32) ([]byte, error) {
	return Seal(psk, ciphertext, packetID, fromNode)
}
