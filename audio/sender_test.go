package audio

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/gip/protocol"
	"github.com/opd-ai/gip/transport"
)

type sendRecorder struct {
	mu    sync.Mutex
	count int
	errs  []error
	last  []byte
}

func (s *sendRecorder) send(samples []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.last = append([]byte(nil), samples...)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	return nil
}

func (s *sendRecorder) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func testConfig(t *testing.T) Config {
	cfg, err := NewConfig(protocol.Format24KHzMono, 1)
	require.NoError(t, err)
	return cfg
}

// TestSenderTicks verifies the timer keeps submitting buffers once
// started and that each submission is BufferSize bytes long.
func TestSenderTicks(t *testing.T) {
	cfg := testConfig(t)
	ring := NewRing(cfg.BufferSize * 4)
	recorder := &sendRecorder{}

	pcm := make([]byte, cfg.BufferSize)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	ring.Write(pcm)

	sender := NewSender(cfg, ring, recorder.send)
	sender.Start()
	defer sender.Stop()

	assert.Eventually(t, func() bool {
		return recorder.sent() >= 5
	}, time.Second, time.Millisecond, "timer should keep ticking")

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Len(t, recorder.last, cfg.BufferSize)
}

// TestSenderRetriesOnStarvation keeps ticking across transient buffer
// starvation.
func TestSenderRetriesOnStarvation(t *testing.T) {
	cfg := testConfig(t)
	recorder := &sendRecorder{errs: []error{transport.ErrNoSpace, transport.ErrNoSpace}}

	sender := NewSender(cfg, NewRing(cfg.BufferSize), recorder.send)
	sender.Start()
	defer sender.Stop()

	assert.Eventually(t, func() bool {
		return recorder.sent() >= 4
	}, time.Second, time.Millisecond)
}

// TestSenderStopsOnError halts the timer on a non-transient error.
func TestSenderStopsOnError(t *testing.T) {
	cfg := testConfig(t)
	recorder := &sendRecorder{errs: []error{errors.New("endpoint gone")}}

	sender := NewSender(cfg, NewRing(cfg.BufferSize), recorder.send)
	sender.Start()
	defer sender.Stop()

	require.Eventually(t, func() bool {
		return recorder.sent() == 1
	}, time.Second, time.Millisecond)

	// no further submissions after the failure
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, recorder.sent())
}

func TestSenderStartStopIdempotent(t *testing.T) {
	cfg := testConfig(t)
	sender := NewSender(cfg, NewRing(cfg.BufferSize), func([]byte) error { return nil })

	sender.Start()
	sender.Start()
	sender.Stop()
	sender.Stop()
}
