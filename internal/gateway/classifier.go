package gateway

import "meshmon/internal/proto"

// ShouldExcludeFromPacketLog decides whether a packet is internal noise:
// admin or routing traffic to or from the local node (self-to-self
// included). Everything else is mesh traffic worth persisting. An unknown
// local identity (0, not yet connected) or an unclassifiable port never
// excludes; over-logging beats silently dropping.
func ShouldExcludeFromPacketLog(fromNode, toNode uint32, portNum int, portKnown bool, localNodeNum uint32) bool {
	if localNodeNum == 0 || !portKnown {
		return false
	}
	if portNum != proto.PortAdmin && portNum != proto.PortRouting {
		return false
	}
	return fromNode == localNodeNum || toNode == localNodeNum
}
