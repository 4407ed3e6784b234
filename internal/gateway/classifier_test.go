package gateway

import (
	"testing"

	"meshmon/internal/proto"
)

func TestShouldExcludeFromPacketLog(t *testing.T) {
	const local = uint32(0xAA)
	cases := []struct {
		name      string
		from, to  uint32
		port      int
		portKnown bool
		localNum  uint32
		want      bool
	}{
		{name: "admin from local", from: local, to: 17, port: proto.PortAdmin, portKnown: true, localNum: local, want: true},
		{name: "admin to local", from: 17, to: local, port: proto.PortAdmin, portKnown: true, localNum: local, want: true},
		{name: "routing from local", from: local, to: 17, port: proto.PortRouting, portKnown: true, localNum: local, want: true},
		{name: "routing to local", from: 17, to: local, port: proto.PortRouting, portKnown: true, localNum: local, want: true},
		{name: "admin self to self", from: local, to: local, port: proto.PortAdmin, portKnown: true, localNum: local, want: true},
		{name: "admin between third parties", from: 17, to: 18, port: proto.PortAdmin, portKnown: true, localNum: local, want: false},
		{name: "text from local", from: local, to: 17, port: proto.PortTextMessage, portKnown: true, localNum: local, want: false},
		{name: "text to local", from: 17, to: local, port: proto.PortTextMessage, portKnown: true, localNum: local, want: false},
		{name: "traceroute to local", from: 17, to: local, port: proto.PortTraceroute, portKnown: true, localNum: local, want: false},
		{name: "admin but identity unknown", from: 17, to: local, port: proto.PortAdmin, portKnown: true, localNum: 0, want: false},
		{name: "unclassifiable port", from: local, to: 17, port: 0, portKnown: false, localNum: local, want: false},
		{name: "broadcast admin from local", from: local, to: proto.Broadcast, port: proto.PortAdmin, portKnown: true, localNum: local, want: true},
	}
	for _, tc := range cases {
		got := ShouldExcludeFromPacketLog(tc.from, tc.to, tc.port, tc.portKnown, tc.localNum)
		if got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}
