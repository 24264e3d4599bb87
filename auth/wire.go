package auth

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// Handshake sizes.
const (
	randomLen             = 32
	certificateMaxLen     = 1024
	rsaPublicKeyLen       = 270
	preMasterLen          = 48
	encryptedPreMasterLen = 256
	transcriptLen         = 32
	sessionKeyLen         = 16

	ecdhPublicKeyLen = 64

	// trailer appended to host packets, required by v1 clients
	trailerLen = 8
)

// Handshake contexts.
const (
	ctxHandshake = 0x00
	ctxControl   = 0x01
)

// Handshake commands, version 1 and version 2.
const (
	cmdHostHello         = 0x01
	cmdClientHello       = 0x02
	cmdClientCertificate = 0x03
	cmdHostSecret        = 0x05
	cmdHostFinish        = 0x07
	cmdClientFinish      = 0x08

	cmdHostHello2         = 0x21
	cmdClientHello2       = 0x22
	cmdClientCertificate2 = 0x23
	cmdClientPubkey2      = 0x24
	cmdHostPubkey2        = 0x25
	cmdHostFinish2        = 0x26
	cmdClientFinish2      = 0x27
)

// Control commands.
const (
	ctrlComplete = 0x00
	ctrlReset    = 0x01
)

// Handshake header options.
const (
	optAcknowledge = 0x01
	optRequest     = 0x02
	optFromHost    = 0x40
	optFromClient  = 0x40 | 0x80
)

// Expected body sizes of client packets.
const (
	clientHelloLen   = randomLen + 48
	clientFinishLen  = transcriptLen + 32
	clientHello2Len  = randomLen + 108 + 32
	clientCert2Len   = 4 + 136 + 32 + 20 + 576
	clientPubkey2Len = ecdhPublicKeyLen + 64
)

const (
	handshakeHeaderLen = 6
	dataHeaderLen      = 4
)

// handshakeHeader is the outer TLS-style header of every handshake
// packet: context, options, error, command and a big-endian length
// covering the data header and body.
type handshakeHeader struct {
	context byte
	options byte
	errcode byte
	command byte
	length  uint16
}

func parseHandshakeHeader(data []byte) (*handshakeHeader, error) {
	var (
		hdr handshakeHeader
		s   = cryptobyte.String(data)
	)

	if !s.ReadUint8(&hdr.context) ||
		!s.ReadUint8(&hdr.options) ||
		!s.ReadUint8(&hdr.errcode) ||
		!s.ReadUint8(&hdr.command) ||
		!s.ReadUint16(&hdr.length) {
		return nil, fmt.Errorf("handshake header of %d bytes: %w", len(data), ErrProtocol)
	}

	return &hdr, nil
}

// dataHeader is the inner header: command, protocol version and a
// big-endian body length.
type dataHeader struct {
	command byte
	version byte
	length  uint16
}

func parseDataHeader(data []byte) (*dataHeader, error) {
	var (
		hdr dataHeader
		s   = cryptobyte.String(data)
	)

	if !s.ReadUint8(&hdr.command) ||
		!s.ReadUint8(&hdr.version) ||
		!s.ReadUint16(&hdr.length) {
		return nil, fmt.Errorf("data header of %d bytes: %w", len(data), ErrProtocol)
	}

	return &hdr, nil
}

// commandVersion returns the version byte announced for a command.
func commandVersion(cmd byte) byte {
	if cmd >= cmdHostHello2 {
		return 0x02
	}
	return 0x01
}

// buildHandshakePacket assembles a host handshake packet: handshake
// header, data header, body, zero trailer.
func buildHandshakePacket(cmd byte, body []byte) []byte {
	dataLen := dataHeaderLen + len(body)

	var b cryptobyte.Builder
	b.AddUint8(ctxHandshake)
	b.AddUint8(optAcknowledge | optFromHost)
	b.AddUint8(0x00)
	b.AddUint8(cmd)
	b.AddUint16(uint16(dataLen))

	b.AddUint8(cmd)
	b.AddUint8(commandVersion(cmd))
	b.AddUint16(uint16(len(body)))
	b.AddBytes(body)

	b.AddBytes(make([]byte, trailerLen))

	// Builder only errors on fixed-length writes, which we never use
	pkt, _ := b.Bytes()
	return pkt
}

// buildRequestPacket assembles a host request for a client packet of
// the given body size. Requests carry no data header or body of their
// own and are not hashed into the transcript.
func buildRequestPacket(cmd byte, bodyLen int) []byte {
	var b cryptobyte.Builder
	b.AddUint8(ctxHandshake)
	b.AddUint8(optRequest | optFromHost)
	b.AddUint8(0x00)
	b.AddUint8(cmd)
	b.AddUint16(uint16(dataHeaderLen + bodyLen))

	b.AddBytes(make([]byte, trailerLen))

	pkt, _ := b.Bytes()
	return pkt
}

// buildControlPacket assembles a control-context packet.
func buildControlPacket(control byte) []byte {
	return []byte{ctxControl, control}
}
