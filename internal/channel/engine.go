package channel

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"meshmon/internal/proto"
)

// Registry is the narrow contract to the channel-key store. BumpDecrypted
// must be atomic with respect to concurrent calls; the engine itself holds
// no key state.
type Registry interface {
	EnabledKeys() ([]Key, error)
	BumpDecrypted(id int64, at time.Time) error
}

// Result of a successful trial decryption.
type Result struct {
	KeyID int64
	Data  *proto.Data
}

// Engine attempts decryption of encrypted mesh packets against the
// configured channel keys. It performs no network I/O and is safe to call
// from concurrent packet-handling paths.
type Engine struct {
	registry Registry
	now      func() time.Time
}

func NewEngine(registry Registry) *Engine {
	return &Engine{registry: registry, now: time.Now}
}

// TryDecrypt walks the enabled keys in ascending id order and returns the
// first key whose plaintext passes structural validation, or nil if no key
// matches. A nil result is an expected outcome, not an error: the packet
// stays stored as opaque ciphertext.
func (e *Engine) TryDecrypt(pkt *proto.MeshPacket) (*Result, error) {
	if e == nil || e.registry == nil || pkt == nil || len(pkt.Encrypted) == 0 {
		return nil, nil
	}
	keys, err := e.registry.EnabledKeys()
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })
	for _, k := range keys {
		if !k.Enabled {
			continue
		}
		if k.Validate() != nil {
			log.Warn().Int64("key_id", k.ID).Str("name", k.Name).Msg("skipping channel key with bad psk length")
			continue
		}
		if k.EnforceNameValidation && Hash(k.Name, k.PSK) != pkt.ChannelHash {
			continue
		}
		plaintext, err := Open(k.PSK, pkt.Encrypted, pkt.ID, pkt.From)
		if err != nil {
			continue
		}
		data, err := proto.DecodeInnerData(plaintext)
		if err != nil {
			// Wrong key: the cipher ran fine but produced garbage.
			continue
		}
		if err := e.registry.BumpDecrypted(k.ID, e.now()); err != nil {
			log.Warn().Err(err).Int64("key_id", k.ID).Msg("bump decrypted counter failed")
		}
		return &Result{KeyID: k.ID, Data: data}, nil
	}
	return nil, nil
}
