package transport

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Loopback is an in-memory transport that records every submitted
// buffer. Tests use it to observe the exact bytes the core would put on
// the wire and to simulate buffer starvation.
type Loopback struct {
	mu sync.Mutex

	// starved makes GetBuffer fail with ErrNoSpace while true.
	starved bool

	// submitErr, when set, is returned by SubmitBuffer.
	submitErr error

	dataPackets  [][]byte
	audioPackets [][]byte

	audioEnabled   bool
	audioInReady   bool
	audioOutPacket int

	encryptionKey []byte

	bufSize int
}

// NewLoopback creates a loopback transport with the given transmit
// buffer size.
func NewLoopback(bufSize int) *Loopback {
	return &Loopback{bufSize: bufSize}
}

// SetStarved toggles simulated transmit buffer starvation.
func (l *Loopback) SetStarved(starved bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starved = starved
}

// FailSubmits makes every subsequent SubmitBuffer return err.
func (l *Loopback) FailSubmits(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitErr = err
}

// GetBuffer implements Ops.
func (l *Loopback) GetBuffer(kind BufferKind) (*Buffer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.starved {
		return nil, ErrNoSpace
	}

	return &Buffer{
		Kind:   kind,
		Data:   make([]byte, l.bufSize),
		Length: l.bufSize,
	}, nil
}

// SubmitBuffer implements Ops. The first Length bytes of the buffer are
// copied into the capture log.
func (l *Loopback) SubmitBuffer(buf *Buffer) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.submitErr != nil {
		return l.submitErr
	}

	pkt := make([]byte, buf.Length)
	copy(pkt, buf.Data[:buf.Length])

	if buf.Kind == BufferAudio {
		l.audioPackets = append(l.audioPackets, pkt)
	} else {
		l.dataPackets = append(l.dataPackets, pkt)
	}

	logrus.WithFields(logrus.Fields{
		"function": "SubmitBuffer",
		"kind":     buf.Kind,
		"length":   buf.Length,
	}).Debug("Loopback captured packet")

	return nil
}

// EnableAudio implements Ops.
func (l *Loopback) EnableAudio() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audioEnabled = true
	return nil
}

// InitAudioIn implements Ops.
func (l *Loopback) InitAudioIn() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audioInReady = true
	return nil
}

// InitAudioOut implements Ops.
func (l *Loopback) InitAudioOut(packetSize int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audioOutPacket = packetSize
	return nil
}

// DisableAudio implements Ops.
func (l *Loopback) DisableAudio() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audioEnabled = false
	return nil
}

// SetEncryptionKey implements Ops.
func (l *Loopback) SetEncryptionKey(key []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.encryptionKey = append([]byte(nil), key...)
	return nil
}

// DataPackets returns the captured data packets in submission order.
func (l *Loopback) DataPackets() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.dataPackets...)
}

// AudioPackets returns the captured audio packets in submission order.
func (l *Loopback) AudioPackets() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.audioPackets...)
}

// EncryptionKey returns the last installed session key, or nil.
func (l *Loopback) EncryptionKey() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.encryptionKey...)
}

// AudioEnabled reports whether the audio sub-channel is active.
func (l *Loopback) AudioEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.audioEnabled
}

// AudioOutPacketSize returns the packet size passed to InitAudioOut.
func (l *Loopback) AudioOutPacketSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.audioOutPacket
}

// Reset clears the capture logs.
func (l *Loopback) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dataPackets = nil
	l.audioPackets = nil
}
