package model

import "time"

// Direction of a logged packet relative to the gateway's radio node.
const (
	DirectionRx = "rx"
	DirectionTx = "tx"
)

// LocalNodeIdentity is learned from the handshake's my_info message and
// cleared on disconnect.
type LocalNodeIdentity struct {
	NodeNum   uint32
	NodeID    string
	LongName  string
	ShortName string
}

// PacketRecord is one classified, non-excluded packet as persisted to the
// packet log. Nil ToNode means broadcast; DecryptedBy is set at most once,
// right after a successful trial decryption.
type PacketRecord struct {
	FromNode    uint32
	ToNode      *uint32
	PortNum     *int
	Channel     uint32
	HopStart    uint32
	HopLimit    uint32
	Rssi        *int
	Snr         *float64
	Direction   string
	Encrypted   bool
	DecryptedBy *int64
	Timestamp   time.Time
}

// NodeRef identifies a node in the registry.
type NodeRef struct {
	NodeNum   uint32
	NodeID    string
	LongName  string
	ShortName string
}

// TracerouteAttempt is one probe sent toward a node; Succeeded stays nil
// until a response arrives or the timeout sweep marks it failed.
type TracerouteAttempt struct {
	ID         int64
	TargetNode uint32
	SentAt     time.Time
	Succeeded  *bool
	Route      []uint32
}

// NeighborStat is one row of the zero-hop RSSI aggregation: direct-neighbor
// link quality inferred from packets received with no relay in between.
type NeighborStat struct {
	NodeNum   uint32
	AvgRssi   float64
	Packets   int64
	LastHeard time.Time
}
