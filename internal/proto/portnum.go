package proto

import "fmt"

// Application port numbers carried by mesh packets. The assigned bands are
// 0-12 (core apps), 32-34 (replies/tunnels), 64-77 (extended apps),
// 256-257 (private range) and the 511 sentinel.
const (
	PortUnknown            = 0
	PortTextMessage        = 1
	PortRemoteHardware     = 2
	PortPosition           = 3
	PortNodeInfo           = 4
	PortRouting            = 5
	PortAdmin              = 6
	PortTextCompressed     = 7
	PortWaypoint           = 8
	PortAudio              = 9
	PortDetectionSensor    = 10
	PortAlert              = 11
	PortKeyVerification    = 12
	PortReply              = 32
	PortIPTunnel           = 33
	PortPaxcounter         = 34
	PortSerial             = 64
	PortStoreForward       = 65
	PortRangeTest          = 66
	PortTelemetry          = 67
	PortZPS                = 68
	PortSimulator          = 69
	PortTraceroute         = 70
	PortNeighborInfo       = 71
	PortATAKPlugin         = 72
	PortMapReport          = 73
	PortPowerStress        = 74
	PortReticulumTunnel    = 75
	PortCayenne            = 76
	PortHostMetrics        = 77
	PortPrivate            = 256
	PortATAKForwarder      = 257
	PortMax                = 511
)

var portNames = map[int]string{
	PortUnknown:         "UNKNOWN_APP",
	PortTextMessage:     "TEXT_MESSAGE_APP",
	PortRemoteHardware:  "REMOTE_HARDWARE_APP",
	PortPosition:        "POSITION_APP",
	PortNodeInfo:        "NODEINFO_APP",
	PortRouting:         "ROUTING_APP",
	PortAdmin:           "ADMIN_APP",
	PortTextCompressed:  "TEXT_MESSAGE_COMPRESSED_APP",
	PortWaypoint:        "WAYPOINT_APP",
	PortAudio:           "AUDIO_APP",
	PortDetectionSensor: "DETECTION_SENSOR_APP",
	PortAlert:           "ALERT_APP",
	PortKeyVerification: "KEY_VERIFICATION_APP",
	PortReply:           "REPLY_APP",
	PortIPTunnel:        "IP_TUNNEL_APP",
	PortPaxcounter:      "PAXCOUNTER_APP",
	PortSerial:          "SERIAL_APP",
	PortStoreForward:    "STORE_FORWARD_APP",
	PortRangeTest:       "RANGE_TEST_APP",
	PortTelemetry:       "TELEMETRY_APP",
	PortZPS:             "ZPS_APP",
	PortSimulator:       "SIMULATOR_APP",
	PortTraceroute:      "TRACEROUTE_APP",
	PortNeighborInfo:    "NEIGHBORINFO_APP",
	PortATAKPlugin:      "ATAK_PLUGIN",
	PortMapReport:       "MAP_REPORT_APP",
	PortPowerStress:     "POWERSTRESS_APP",
	PortReticulumTunnel: "RETICULUM_TUNNEL_APP",
	PortCayenne:         "CAYENNE_APP",
	PortHostMetrics:     "HOST_METRICS_APP",
	PortPrivate:         "PRIVATE_APP",
	PortATAKForwarder:   "ATAK_FORWARDER",
	PortMax:             "MAX",
}

var portsByName = func() map[string]int {
	m := make(map[string]int, len(portNames))
	for num, name := range portNames {
		m[name] = num
	}
	return m
}()

// NormalizePortNum folds the two upstream representations of a port number
// (small integer or symbolic name string) into an integer. Anything it
// cannot classify reports ok=false so callers pass the payload through
// opaque; it never panics on odd input.
func NormalizePortNum(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return normalizeInt(int64(t))
	case int32:
		return normalizeInt(int64(t))
	case int64:
		return normalizeInt(t)
	case uint32:
		return normalizeInt(int64(t))
	case float64:
		// JSON numbers decode as float64; fractional values are malformed.
		if t != float64(int64(t)) {
			return 0, false
		}
		return normalizeInt(int64(t))
	case string:
		// Only symbolic names resolve; numeric-looking strings do not.
		if num, ok := portsByName[t]; ok {
			return num, true
		}
		return 0, false
	default:
		return 0, false
	}
}

func normalizeInt(n int64) (int, bool) {
	if n < 0 || n > PortMax {
		return 0, false
	}
	return int(n), true
}

// PortNumName returns the symbolic name for a port number, or a synthesized
// UNKNOWN_<n> label for unassigned values. Round-trips with NormalizePortNum
// for every assigned port.
func PortNumName(num int) string {
	if name, ok := portNames[num]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_%d", num)
}
