package transport

// BufferKind selects the endpoint a buffer travels on.
type BufferKind uint8

const (
	BufferData BufferKind = iota
	BufferAudio
)

// Buffer is a transmit buffer owned by the transport. The core fills
// Data up to Length and hands the buffer back via SubmitBuffer; Context
// is opaque transport state that must be passed back unchanged.
type Buffer struct {
	Kind    BufferKind
	Data    []byte
	Length  int
	Context interface{}
}

// SessionKeySize is the size of the link encryption key installed after
// a successful handshake.
const SessionKeySize = 16

// Ops is the function table a transport exposes to the core.
//
// GetBuffer returns ErrNoSpace when no transmit buffer is free.
// Audio and encryption entry points return ErrUnsupported on transports
// without the corresponding capability.
type Ops interface {
	GetBuffer(kind BufferKind) (*Buffer, error)
	SubmitBuffer(buf *Buffer) error

	EnableAudio() error
	InitAudioIn() error
	InitAudioOut(packetSize int) error
	DisableAudio() error

	SetEncryptionKey(key []byte) error
}
