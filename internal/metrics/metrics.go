package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Frames      FrameMetrics      `json:"frames"`
	Packets     PacketMetrics     `json:"packets"`
	Decrypt     DecryptMetrics    `json:"decrypt"`
	Traceroute  TracerouteMetrics `json:"traceroute"`
	Session     SessionMetrics    `json:"session"`
}

type FrameMetrics struct {
	Decoded      uint64 `json:"decoded"`
	DecodeErrors uint64 `json:"decode_errors"`
}

type PacketMetrics struct {
	Logged   uint64 `json:"logged"`
	Excluded uint64 `json:"excluded"`
}

type DecryptMetrics struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

type TracerouteMetrics struct {
	Sent      uint64 `json:"sent"`
	Throttled uint64 `json:"throttled"`
	TimedOut  uint64 `json:"timed_out"`
}

type SessionMetrics struct {
	Reconnects uint64 `json:"reconnects"`
	StaleKicks uint64 `json:"stale_kicks"`
}

type Metrics struct {
	framesDecoded       atomic.Uint64
	frameDecodeErrors   atomic.Uint64
	packetsLogged       atomic.Uint64
	packetsExcluded     atomic.Uint64
	decryptHits         atomic.Uint64
	decryptMisses       atomic.Uint64
	traceroutesSent     atomic.Uint64
	tracerouteThrottled atomic.Uint64
	tracerouteTimeouts  atomic.Uint64
	reconnects          atomic.Uint64
	staleKicks          atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncFramesDecoded()       { m.framesDecoded.Add(1) }
func (m *Metrics) IncFrameDecodeErrors()   { m.frameDecodeErrors.Add(1) }
func (m *Metrics) IncPacketsLogged()       { m.packetsLogged.Add(1) }
func (m *Metrics) IncPacketsExcluded()     { m.packetsExcluded.Add(1) }
func (m *Metrics) IncDecryptHits()         { m.decryptHits.Add(1) }
func (m *Metrics) IncDecryptMisses()       { m.decryptMisses.Add(1) }
func (m *Metrics) IncTraceroutesSent()     { m.traceroutesSent.Add(1) }
func (m *Metrics) IncTracerouteThrottled() { m.tracerouteThrottled.Add(1) }

func (m *Metrics) AddTracerouteTimeouts(n uint64) {
	if n > 0 {
		m.tracerouteTimeouts.Add(n)
	}
}

func (m *Metrics) IncReconnects() { m.reconnects.Add(1) }
func (m *Metrics) IncStaleKicks() { m.staleKicks.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Frames: FrameMetrics{
			Decoded:      m.framesDecoded.Load(),
			DecodeErrors: m.frameDecodeErrors.Load(),
		},
		Packets: PacketMetrics{
			Logged:   m.packetsLogged.Load(),
			Excluded: m.packetsExcluded.Load(),
		},
		Decrypt: DecryptMetrics{
			Hits:   m.decryptHits.Load(),
			Misses: m.decryptMisses.Load(),
		},
		Traceroute: TracerouteMetrics{
			Sent:      m.traceroutesSent.Load(),
			Throttled: m.tracerouteThrottled.Load(),
			TimedOut:  m.tracerouteTimeouts.Load(),
		},
		Session: SessionMetrics{
			Reconnects: m.reconnects.Load(),
			StaleKicks: m.staleKicks.Load(),
		},
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ReadSnapshot loads a snapshot previously written by WriteSnapshot.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
