// Package trace keeps the mesh topology graph fresh by probing stale nodes
// with traceroute requests, without flooding the channel.
package trace

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"meshmon/internal/metrics"
)

const (
	// Minimum spacing between two probe sends. The very first send after
	// process start bypasses it.
	MinSendSpacing = 30 * time.Second

	// Attempts unanswered for longer than this are marked failed by the
	// timeout sweep.
	AttemptTimeout = 5 * time.Minute
)

// intervalUnit scales configured interval values; tests shrink it so a
// "minute" passes in milliseconds.
var intervalUnit = time.Minute

// Registry is the narrow contract to the node registry. The scheduler never
// owns node rows; it only asks which node is stalest and records attempts.
type Registry interface {
	// NodeNeedingTraceroute returns the staleness-ranked probe target, or
	// ok=false when nothing needs probing.
	NodeNeedingTraceroute() (nodeNum uint32, ok bool, err error)
	RecordTracerouteAttempt(nodeNum uint32, sentAt time.Time) error
	// ExpireTracerouteAttempts marks unanswered attempts sent before the
	// cutoff as failed and returns how many were expired.
	ExpireTracerouteAttempts(cutoff time.Time) (int64, error)
}

// Scheduler owns the jitter and interval timer handles exclusively. At most
// one pending jitter timer and one active interval timer exist at any time;
// Start cancels both before arming new ones, so restarting on every settings
// change never accumulates timers.
type Scheduler struct {
	registry Registry
	send     func(nodeNum uint32) error
	metrics  *metrics.Metrics

	mu           sync.Mutex
	gen          uint64
	jitterTimer  *time.Timer
	intervalTick *time.Ticker
	intervalDone chan struct{}
	lastSentAt   time.Time

	now       func() time.Time
	randFloat func() float64
}

func NewScheduler(registry Registry, send func(nodeNum uint32) error, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		registry:  registry,
		send:      send,
		metrics:   m,
		now:       time.Now,
		randFloat: rand.Float64,
	}
}

// Start arms the timer chain for the given interval. Calling it again, with
// any value, first cancels whatever is pending; interval 0 leaves the
// scheduler disabled.
func (s *Scheduler) Start(intervalMinutes int) {
	s.mu.Lock()
	s.stopLocked()
	if intervalMinutes <= 0 {
		s.mu.Unlock()
		return
	}
	gen := s.gen
	interval := time.Duration(intervalMinutes) * intervalUnit
	jitter := time.Duration(s.randFloat() * float64(interval))
	s.jitterTimer = time.AfterFunc(jitter, func() {
		s.onJitterFired(gen, interval)
	})
	s.mu.Unlock()
	log.Debug().Int("interval_minutes", intervalMinutes).Dur("jitter", jitter).Msg("traceroute scheduler armed")
}

// Stop cancels both timer handles. Safe to call repeatedly; the disconnect
// path relies on it being synchronous.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
}

func (s *Scheduler) stopLocked() {
	s.gen++
	if s.jitterTimer != nil {
		s.jitterTimer.Stop()
		s.jitterTimer = nil
	}
	if s.intervalTick != nil {
		s.intervalTick.Stop()
		close(s.intervalDone)
		s.intervalTick = nil
		s.intervalDone = nil
	}
}

// Pending reports which timer handles are currently armed.
func (s *Scheduler) Pending() (jitter, interval bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jitterTimer != nil, s.intervalTick != nil
}

func (s *Scheduler) onJitterFired(gen uint64, interval time.Duration) {
	s.mu.Lock()
	if gen != s.gen {
		// A restart or stop superseded this timer while it was firing.
		s.mu.Unlock()
		return
	}
	s.jitterTimer = nil
	s.mu.Unlock()

	s.ProbeCycle()

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	s.intervalTick = ticker
	s.intervalDone = done
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.SweepTimeouts()
				s.ProbeCycle()
			}
		}
	}()
}

// ProbeCycle runs one probe decision: pick the stalest node, enforce send
// spacing, send, record the attempt. Failures are logged, never propagated
// out of the timer callback.
func (s *Scheduler) ProbeCycle() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Msg("traceroute probe cycle panicked")
		}
	}()
	if s.registry == nil || s.send == nil {
		return
	}
	nodeNum, ok, err := s.registry.NodeNeedingTraceroute()
	if err != nil {
		log.Warn().Err(err).Msg("traceroute target query failed")
		return
	}
	if !ok {
		return
	}
	now := s.now()
	s.mu.Lock()
	if !s.lastSentAt.IsZero() && now.Sub(s.lastSentAt) < MinSendSpacing {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.IncTracerouteThrottled()
		}
		return
	}
	s.lastSentAt = now
	s.mu.Unlock()

	if err := s.send(nodeNum); err != nil {
		log.Warn().Err(err).Uint32("node", nodeNum).Msg("traceroute send failed")
		return
	}
	if err := s.registry.RecordTracerouteAttempt(nodeNum, now); err != nil {
		log.Warn().Err(err).Uint32("node", nodeNum).Msg("record traceroute attempt failed")
	}
	if s.metrics != nil {
		s.metrics.IncTraceroutesSent()
	}
}

// SweepTimeouts marks attempts older than the timeout window as failed.
func (s *Scheduler) SweepTimeouts() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Msg("traceroute timeout sweep panicked")
		}
	}()
	if s.registry == nil {
		return
	}
	expired, err := s.registry.ExpireTracerouteAttempts(s.now().Add(-AttemptTimeout))
	if err != nil {
		log.Warn().Err(err).Msg("traceroute timeout sweep failed")
		return
	}
	if expired > 0 && s.metrics != nil {
		s.metrics.AddTracerouteTimeouts(uint64(expired))
	}
}
