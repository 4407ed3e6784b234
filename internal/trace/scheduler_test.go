package trace

import (
	"sync"
	"testing"
	"time"

	"meshmon/internal/metrics"
)

type fakeRegistry struct {
	mu       sync.Mutex
	queries  int
	attempts []uint32
	expired  int64
}

func (r *fakeRegistry) NodeNeedingTraceroute() (uint32, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries++
	return 5, true, nil
}

func (r *fakeRegistry) RecordTracerouteAttempt(nodeNum uint32, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, nodeNum)
	return nil
}

func (r *fakeRegistry) ExpireTracerouteAttempts(_ time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expired, nil
}

func (r *fakeRegistry) stats() (queries, attempts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queries, len(r.attempts)
}

type sendCounter struct {
	mu    sync.Mutex
	sends []uint32
}

func (s *sendCounter) send(nodeNum uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, nodeNum)
	return nil
}

func (s *sendCounter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

func shrinkIntervalUnit(t *testing.T, d time.Duration) {
	t.Helper()
	old := intervalUnit
	intervalUnit = d
	t.Cleanup(func() { intervalUnit = old })
}

func TestSchedulerRestartStormSingleChain(t *testing.T) {
	shrinkIntervalUnit(t, 10*time.Millisecond)

	reg := &fakeRegistry{}
	snd := &sendCounter{}
	s := NewScheduler(reg, snd.send, metrics.New())
	s.randFloat = func() float64 { return 0.1 }

	// Hammer Start the way a settings-change storm would; only the last
	// chain may survive.
	for i := 0; i < 20; i++ {
		s.Start(1)
	}
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	// Send spacing allows exactly one probe: every later tick is throttled.
	if got := snd.count(); got != 1 {
		t.Fatalf("sends=%d want 1", got)
	}
	queries, attempts := reg.stats()
	if attempts != 1 {
		t.Fatalf("recorded attempts=%d want 1", attempts)
	}
	// One chain ticks roughly every 10ms over 150ms. Twenty chains would
	// query an order of magnitude more often.
	if queries > 40 {
		t.Fatalf("queries=%d, restart storm leaked timer chains", queries)
	}

	if j, iv := s.Pending(); j || iv {
		t.Fatalf("handles pending after stop: jitter=%v interval=%v", j, iv)
	}
	queriesAfter, _ := reg.stats()
	time.Sleep(50 * time.Millisecond)
	if q, _ := reg.stats(); q != queriesAfter {
		t.Fatalf("scheduler still probing after stop: %d -> %d", queriesAfter, q)
	}
}

func TestSchedulerStopWhileJitterPending(t *testing.T) {
	shrinkIntervalUnit(t, 10*time.Millisecond)

	reg := &fakeRegistry{}
	snd := &sendCounter{}
	s := NewScheduler(reg, snd.send, nil)
	s.randFloat = func() float64 { return 0.9 }

	s.Start(60)
	if j, _ := s.Pending(); !j {
		t.Fatal("jitter timer not armed after start")
	}
	s.Stop()
	if j, iv := s.Pending(); j || iv {
		t.Fatalf("handles pending after stop: jitter=%v interval=%v", j, iv)
	}
	time.Sleep(50 * time.Millisecond)
	if q, _ := reg.stats(); q != 0 {
		t.Fatalf("cancelled jitter timer still probed: queries=%d", q)
	}
}

func TestSchedulerStartZeroDisables(t *testing.T) {
	s := NewScheduler(&fakeRegistry{}, (&sendCounter{}).send, nil)
	s.Start(0)
	if j, iv := s.Pending(); j || iv {
		t.Fatal("disabled scheduler armed timers")
	}
}

func TestProbeCycleSendSpacing(t *testing.T) {
	reg := &fakeRegistry{}
	snd := &sendCounter{}
	m := metrics.New()
	s := NewScheduler(reg, snd.send, m)

	base := time.Now()
	now := base
	s.now = func() time.Time { return now }

	// Never sent before: the spacing gate must not apply.
	s.ProbeCycle()
	if got := snd.count(); got != 1 {
		t.Fatalf("first probe blocked: sends=%d", got)
	}

	// Immediately again: inside the spacing window.
	s.ProbeCycle()
	if got := snd.count(); got != 1 {
		t.Fatalf("spacing not enforced: sends=%d", got)
	}
	if m.Snapshot().Traceroute.Throttled != 1 {
		t.Fatalf("throttle not counted: %+v", m.Snapshot().Traceroute)
	}

	// Past the window: allowed again.
	now = base.Add(MinSendSpacing + time.Second)
	s.ProbeCycle()
	if got := snd.count(); got != 2 {
		t.Fatalf("probe after window blocked: sends=%d", got)
	}
}

func TestSweepTimeouts(t *testing.T) {
	reg := &fakeRegistry{expired: 3}
	m := metrics.New()
	s := NewScheduler(reg, (&sendCounter{}).send, m)
	s.SweepTimeouts()
	if got := m.Snapshot().Traceroute.TimedOut; got != 3 {
		t.Fatalf("timed_out=%d want 3", got)
	}
}
