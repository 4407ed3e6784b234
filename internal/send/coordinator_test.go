package send

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu     sync.Mutex
	frames [][]byte
	active int
	maxAct int
}

func (s *captureSink) send(frame []byte) error {
	s.mu.Lock()
	s.active++
	if s.active > s.maxAct {
		s.maxAct = s.active
	}
	s.mu.Unlock()

	time.Sleep(time.Millisecond)

	s.mu.Lock()
	s.active--
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	return nil
}

func TestCoordinatorFIFO(t *testing.T) {
	sink := &captureSink{}
	c := New()
	c.SetSendCallback(sink.send)

	for i := 0; i < 20; i++ {
		c.Enqueue([]byte{byte(i)})
	}
	if !c.WaitIdle(5 * time.Second) {
		t.Fatal("queue did not drain")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.frames) != 20 {
		t.Fatalf("sent %d frames, want 20", len(sink.frames))
	}
	for i, f := range sink.frames {
		if f[0] != byte(i) {
			t.Fatalf("frame %d out of order: got %d", i, f[0])
		}
	}
	if sink.maxAct != 1 {
		t.Fatalf("max concurrent sends=%d, want 1", sink.maxAct)
	}
}

func TestCoordinatorSingleInFlightAcrossEnqueuers(t *testing.T) {
	sink := &captureSink{}
	c := New()
	c.SetSendCallback(sink.send)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				c.Enqueue([]byte{0})
			}
		}()
	}
	wg.Wait()
	if !c.WaitIdle(5 * time.Second) {
		t.Fatal("queue did not drain")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.frames) != 80 {
		t.Fatalf("sent %d frames, want 80", len(sink.frames))
	}
	if sink.maxAct != 1 {
		t.Fatalf("max concurrent sends=%d, want 1", sink.maxAct)
	}
}

func TestCoordinatorParkedWithoutCallback(t *testing.T) {
	c := New()
	c.Enqueue([]byte("a"))
	c.Enqueue([]byte("b"))
	if got := c.Pending(); got != 2 {
		t.Fatalf("pending=%d want 2", got)
	}

	sink := &captureSink{}
	c.SetSendCallback(sink.send)
	if !c.WaitIdle(5 * time.Second) {
		t.Fatal("backlog did not drain after callback install")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.frames) != 2 {
		t.Fatalf("sent %d frames, want 2", len(sink.frames))
	}
}

func TestCoordinatorClearDropsPending(t *testing.T) {
	c := New()
	c.Enqueue([]byte("a"))
	c.Enqueue([]byte("b"))
	c.Clear()
	if got := c.Pending(); got != 0 {
		t.Fatalf("pending=%d want 0 after clear", got)
	}

	sink := &captureSink{}
	c.SetSendCallback(sink.send)
	if !c.WaitIdle(time.Second) {
		t.Fatal("coordinator not idle")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.frames) != 0 {
		t.Fatalf("cleared frames were sent: %d", len(sink.frames))
	}
}

func TestCoordinatorSendErrorDoesNotStall(t *testing.T) {
	var mu sync.Mutex
	var sent [][]byte
	c := New()
	c.SetSendCallback(func(frame []byte) error {
		mu.Lock()
		sent = append(sent, frame)
		mu.Unlock()
		if frame[0] == 'x' {
			return errors.New("wire broke")
		}
		return nil
	})
	c.Enqueue([]byte("x"))
	c.Enqueue([]byte("y"))
	if !c.WaitIdle(5 * time.Second) {
		t.Fatal("queue did not drain past the failed send")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2", len(sent))
	}
}
