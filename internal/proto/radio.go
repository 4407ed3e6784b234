package proto

import (
	"encoding/json"
	"fmt"
)

// Broadcast is the to-address meaning "every node in range".
const Broadcast = ^uint32(0)

// Message kinds decoded off the radio stream.
type Kind int

const (
	KindUnknown Kind = iota
	KindMyInfo
	KindConfigComplete
	KindNodeInfo
	KindChannelInfo
	KindTelemetry
	KindPosition
	KindPacket
)

const (
	typeWantConfig     = "want_config"
	typeMyInfo         = "my_info"
	typeConfigComplete = "config_complete"
	typeNodeInfo       = "node_info"
	typeChannelInfo    = "channel"
	typeTelemetry      = "telemetry"
	typePosition       = "position"
	typePacket         = "packet"
)

// Message is the decoded form of one radio frame: the Kind tag says which
// single variant field is set.
type Message struct {
	Kind           Kind
	MyInfo         *MyInfo
	ConfigComplete *ConfigComplete
	NodeInfo       *NodeInfo
	Channel        *ChannelInfo
	Telemetry      *Telemetry
	Position       *Position
	Packet         *MeshPacket
}

// MyInfo announces the local node identity during the handshake.
type MyInfo struct {
	NodeNum   uint32 `json:"node_num"`
	NodeID    string `json:"node_id"`
	LongName  string `json:"long_name"`
	ShortName string `json:"short_name"`
}

// ConfigComplete echoes the id sent in want_config.
type ConfigComplete struct {
	ConfigID uint32 `json:"config_id"`
}

// NodeInfo describes a remote node the radio has heard.
type NodeInfo struct {
	NodeNum   uint32  `json:"node_num"`
	NodeID    string  `json:"node_id"`
	LongName  string  `json:"long_name"`
	ShortName string  `json:"short_name"`
	LastHeard int64   `json:"last_heard"`
	Snr       float64 `json:"snr,omitempty"`
}

// ChannelInfo describes one channel slot configured on the radio.
type ChannelInfo struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// Telemetry is a standalone device-status variant.
type Telemetry struct {
	NodeNum      uint32   `json:"node_num"`
	BatteryLevel *uint32  `json:"battery_level,omitempty"`
	Voltage      *float64 `json:"voltage,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
}

// Position is a standalone location variant.
type Position struct {
	NodeNum   uint32  `json:"node_num"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  int32   `json:"altitude,omitempty"`
}

// Data is the inner application payload of a mesh packet. Port is kept raw
// because the upstream encodes it as an integer or a symbolic name string;
// PortNum normalizes it.
type Data struct {
	Port         any      `json:"port"`
	Payload      []byte   `json:"payload,omitempty"`
	WantResponse bool     `json:"want_response,omitempty"`
	RequestID    uint32   `json:"request_id,omitempty"`
	Dest         uint32   `json:"dest,omitempty"`
	Source       uint32   `json:"source,omitempty"`
	Route        []uint32 `json:"route,omitempty"`
}

// PortNum returns the normalized application port, if classifiable.
func (d *Data) PortNum() (int, bool) {
	if d == nil {
		return 0, false
	}
	return NormalizePortNum(d.Port)
}

// MeshPacket is a radio-layer message between nodes. Exactly one of Decoded
// and Encrypted is set; Encrypted payloads carry the channel hash that keys
// are matched against.
type MeshPacket struct {
	From        uint32   `json:"from"`
	To          uint32   `json:"to"`
	ID          uint32   `json:"id"`
	ChannelHash uint32   `json:"channel"`
	HopStart    uint32   `json:"hop_start,omitempty"`
	HopLimit    uint32   `json:"hop_limit,omitempty"`
	RxRssi      *int     `json:"rx_rssi,omitempty"`
	RxSnr       *float64 `json:"rx_snr,omitempty"`
	RxTime      int64    `json:"rx_time,omitempty"`
	WantAck     bool     `json:"want_ack,omitempty"`
	Decoded     *Data    `json:"decoded,omitempty"`
	Encrypted   []byte   `json:"encrypted,omitempty"`
}

// ZeroHop reports direct radio reception: no relay consumed a hop.
func (p *MeshPacket) ZeroHop() bool {
	return p.HopStart == p.HopLimit
}

type envelope struct {
	Type string `json:"type"`
}

// DecodeError reports a frame that failed both the envelope decode and the
// bare mesh-packet fallback. The session logs and discards such frames.
type DecodeError struct {
	EnvelopeErr error
	FallbackErr error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %v (bare packet fallback: %v)", e.EnvelopeErr, e.FallbackErr)
}

// DecodeRadio parses one frame payload into a tagged Message. A payload
// whose envelope is malformed is retried as a bare mesh packet before the
// frame is given up on.
func DecodeRadio(payload []byte) (Message, error) {
	var env envelope
	envErr := json.Unmarshal(payload, &env)
	if envErr == nil && env.Type != "" {
		if msg, err := decodeVariant(env.Type, payload); err == nil {
			return msg, nil
		} else {
			envErr = err
		}
	} else if envErr == nil {
		envErr = fmt.Errorf("missing type discriminator")
	}
	pkt, fbErr := decodeBarePacket(payload)
	if fbErr == nil {
		return Message{Kind: KindPacket, Packet: pkt}, nil
	}
	return Message{}, &DecodeError{EnvelopeErr: envErr, FallbackErr: fbErr}
}

func decodeVariant(typ string, payload []byte) (Message, error) {
	switch typ {
	case typeMyInfo:
		var v MyInfo
		if err := json.Unmarshal(payload, &v); err != nil {
			return Message{}, err
		}
		return Message{Kind: KindMyInfo, MyInfo: &v}, nil
	case typeConfigComplete:
		var v ConfigComplete
		if err := json.Unmarshal(payload, &v); err != nil {
			return Message{}, err
		}
		return Message{Kind: KindConfigComplete, ConfigComplete: &v}, nil
	case typeNodeInfo:
		var v NodeInfo
		if err := json.Unmarshal(payload, &v); err != nil {
			return Message{}, err
		}
		return Message{Kind: KindNodeInfo, NodeInfo: &v}, nil
	case typeChannelInfo:
		var v ChannelInfo
		if err := json.Unmarshal(payload, &v); err != nil {
			return Message{}, err
		}
		return Message{Kind: KindChannelInfo, Channel: &v}, nil
	case typeTelemetry:
		var v Telemetry
		if err := json.Unmarshal(payload, &v); err != nil {
			return Message{}, err
		}
		return Message{Kind: KindTelemetry, Telemetry: &v}, nil
	case typePosition:
		var v Position
		if err := json.Unmarshal(payload, &v); err != nil {
			return Message{}, err
		}
		return Message{Kind: KindPosition, Position: &v}, nil
	case typePacket:
		var wire struct {
			envelope
			MeshPacket
		}
		if err := json.Unmarshal(payload, &wire); err != nil {
			return Message{}, err
		}
		pkt := wire.MeshPacket
		if err := validatePacket(&pkt); err != nil {
			return Message{}, err
		}
		return Message{Kind: KindPacket, Packet: &pkt}, nil
	default:
		return Message{}, fmt.Errorf("unknown message type %q", typ)
	}
}

func decodeBarePacket(payload []byte) (*MeshPacket, error) {
	var pkt MeshPacket
	if err := json.Unmarshal(payload, &pkt); err != nil {
		return nil, err
	}
	if err := validatePacket(&pkt); err != nil {
		return nil, err
	}
	return &pkt, nil
}

func validatePacket(pkt *MeshPacket) error {
	if pkt.ID == 0 && pkt.From == 0 {
		return fmt.Errorf("packet missing id and from")
	}
	if pkt.Decoded == nil && len(pkt.Encrypted) == 0 {
		return fmt.Errorf("packet carries neither decoded nor encrypted payload")
	}
	if pkt.HopLimit > pkt.HopStart {
		return fmt.Errorf("hop_limit %d exceeds hop_start %d", pkt.HopLimit, pkt.HopStart)
	}
	return nil
}

// DecodeInnerData parses a decrypted channel payload. It is the structural
// check trial decryption relies on: the plaintext must be a JSON object
// whose port classifies, or the key that produced it is rejected.
func DecodeInnerData(plaintext []byte) (*Data, error) {
	var d Data
	if err := json.Unmarshal(plaintext, &d); err != nil {
		return nil, err
	}
	if d.Port == nil {
		return nil, fmt.Errorf("inner payload missing port")
	}
	if _, ok := d.PortNum(); !ok {
		return nil, fmt.Errorf("inner payload port does not classify")
	}
	return &d, nil
}

// EncodeInnerData is the wire form fed to channel encryption.
func EncodeInnerData(d *Data) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("nil data")
	}
	return json.Marshal(d)
}

// EncodeWantConfig builds the handshake frame payload requesting the radio's
// configuration dump.
func EncodeWantConfig(configID uint32) ([]byte, error) {
	return json.Marshal(struct {
		Type     string `json:"type"`
		ConfigID uint32 `json:"config_id"`
	}{Type: typeWantConfig, ConfigID: configID})
}

// EncodePacket builds an outbound packet frame payload.
func EncodePacket(pkt *MeshPacket) ([]byte, error) {
	if pkt == nil {
		return nil, fmt.Errorf("nil packet")
	}
	if err := validatePacket(pkt); err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		*MeshPacket
	}{Type: typePacket, MeshPacket: pkt})
}
