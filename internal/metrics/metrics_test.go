package metrics

import (
	"path/filepath"
	"sync"
	"testing"
)

func TestCounters(t *testing.T) {
	m := New()
	m.IncFramesDecoded()
	m.IncFramesDecoded()
	m.IncFrameDecodeErrors()
	m.IncPacketsLogged()
	m.IncPacketsExcluded()
	m.IncDecryptHits()
	m.IncDecryptMisses()
	m.IncTraceroutesSent()
	m.IncTracerouteThrottled()
	m.AddTracerouteTimeouts(4)
	m.AddTracerouteTimeouts(0)
	m.IncReconnects()
	m.IncStaleKicks()

	snap := m.Snapshot()
	if snap.Frames.Decoded != 2 || snap.Frames.DecodeErrors != 1 {
		t.Fatalf("frames: %+v", snap.Frames)
	}
	if snap.Packets.Logged != 1 || snap.Packets.Excluded != 1 {
		t.Fatalf("packets: %+v", snap.Packets)
	}
	if snap.Decrypt.Hits != 1 || snap.Decrypt.Misses != 1 {
		t.Fatalf("decrypt: %+v", snap.Decrypt)
	}
	if snap.Traceroute.Sent != 1 || snap.Traceroute.Throttled != 1 || snap.Traceroute.TimedOut != 4 {
		t.Fatalf("traceroute: %+v", snap.Traceroute)
	}
	if snap.Session.Reconnects != 1 || snap.Session.StaleKicks != 1 {
		t.Fatalf("session: %+v", snap.Session)
	}
	if snap.GeneratedAt.IsZero() {
		t.Fatal("snapshot timestamp missing")
	}
}

func TestCountersConcurrent(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				m.IncFramesDecoded()
			}
		}()
	}
	wg.Wait()
	if got := m.Snapshot().Frames.Decoded; got != 8000 {
		t.Fatalf("decoded=%d want 8000", got)
	}
}

func TestWriteReadSnapshot(t *testing.T) {
	m := New()
	m.IncPacketsLogged()
	m.IncDecryptHits()

	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot failed: %v", err)
	}
	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read snapshot failed: %v", err)
	}
	if snap.Packets.Logged != 1 || snap.Decrypt.Hits != 1 {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}
}

func TestWriteSnapshotEmptyPath(t *testing.T) {
	if err := New().WriteSnapshot(""); err != nil {
		t.Fatalf("empty path must be a no-op, got %v", err)
	}
}
