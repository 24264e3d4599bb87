package audio

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gip/protocol"
	"github.com/opd-ai/gip/transport"
)

// SendFunc submits one 8 ms PCM buffer to the bus. Implementations
// return transport.ErrNoSpace when the transport is out of transmit
// buffers; the sender retries on the next tick.
type SendFunc func(samples []byte) error

// Sender drives the 8 ms audio transmit timer for one client. It
// copies up to BufferSize bytes from the ring each tick and hands the
// scratch buffer to the bus. Buffer starvation is transient; any other
// send error stops the timer.
type Sender struct {
	ring *Ring
	send SendFunc
	size int

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

// NewSender creates a sender for the given output configuration.
func NewSender(cfg Config, ring *Ring, send SendFunc) *Sender {
	return &Sender{
		ring: ring,
		send: send,
		size: cfg.BufferSize,
	}
}

// Start launches the timer goroutine. Starting a running sender is a
// no-op.
func (s *Sender) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return
	}

	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})

	go s.run(s.stop, s.stopped)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"buffer":   s.size,
	}).Info("Audio transmit timer started")
}

// Stop halts the timer and waits for the goroutine to exit. Stopping a
// stopped sender is a no-op.
func (s *Sender) Stop() {
	s.mu.Lock()
	stop, stopped := s.stop, s.stopped
	s.stop = nil
	s.stopped = nil
	s.mu.Unlock()

	if stop == nil {
		return
	}

	close(stop)
	<-stopped
}

func (s *Sender) run(stop, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(protocol.AudioInterval * time.Millisecond)
	defer ticker.Stop()

	scratch := make([]byte, s.size)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.ring.Read(scratch)

			err := s.send(scratch)
			if err == nil {
				continue
			}
			if errors.Is(err, transport.ErrNoSpace) {
				// transient; retry with the next fragment
				continue
			}

			logrus.WithFields(logrus.Fields{
				"function": "run",
				"error":    err.Error(),
			}).Error("Audio transmit failed, stopping timer")
			return
		}
	}
}
