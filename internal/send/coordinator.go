// Package send serializes outbound frames so the transport's single write
// path is never invoked concurrently.
package send

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Coordinator queues outbound frames and drains them through one in-flight
// send at a time. The send callback is swappable so the transport session
// (or a test) can own the socket details.
type Coordinator struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    [][]byte
	inFlight bool
	send     func([]byte) error
}

func New() *Coordinator {
	c := &Coordinator{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// SetSendCallback installs the function that performs one wire write.
// A nil callback parks the queue until a new one is installed.
func (c *Coordinator) SetSendCallback(fn func([]byte) error) {
	c.mu.Lock()
	c.send = fn
	shouldPump := fn != nil && !c.inFlight && len(c.queue) > 0
	if shouldPump {
		c.inFlight = true
	}
	c.mu.Unlock()
	if shouldPump {
		go c.pump()
	}
}

// Enqueue appends a frame and starts the drain if idle.
func (c *Coordinator) Enqueue(frame []byte) {
	c.mu.Lock()
	c.queue = append(c.queue, frame)
	shouldPump := c.send != nil && !c.inFlight
	if shouldPump {
		c.inFlight = true
	}
	c.mu.Unlock()
	if shouldPump {
		go c.pump()
	}
}

// Clear drops all pending frames. An in-flight send finishes on its own;
// nothing queued behind it survives.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	c.queue = nil
	c.mu.Unlock()
}

// Pending reports the queued (not yet in-flight) frame count.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// WaitIdle blocks until the queue is drained and no send is in flight, or
// the timeout passes. Returns true when idle.
func (c *Coordinator) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	stop := time.AfterFunc(timeout, func() {
		c.cond.Broadcast()
	})
	defer stop.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.inFlight || (len(c.queue) > 0 && c.send != nil) {
		if time.Now().After(deadline) {
			return false
		}
		c.cond.Wait()
	}
	return true
}

func (c *Coordinator) pump() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 || c.send == nil {
			c.inFlight = false
			c.cond.Broadcast()
			c.mu.Unlock()
			return
		}
		frame := c.queue[0]
		c.queue = c.queue[1:]
		fn := c.send
		c.mu.Unlock()
		if err := fn(frame); err != nil {
			log.Debug().Err(err).Int("bytes", len(frame)).Msg("outbound send failed")
		}
	}
}
