package dongle

import (
	"encoding/binary"
	"fmt"
)

// MT76 bulk message framing: every message is wrapped in a 4-byte
// little-endian info word and zero-padded to a 4-byte boundary plus a
// 4-byte trailer.
const (
	cmdHeaderLen = 4

	mcuMsgLenMask   = 0x0000ffff
	mcuMsgTypeCmd   = 1 << 30
	mcuMsgPortShift = 27

	rxFCECmdSeqShift  = 16
	rxFCECmdSeqMask   = 0x0f
	rxFCEEvtTypeShift = 20
	rxFCEEvtTypeMask  = 0x0f
	rxFCEPortShift    = 27
	rxFCEPortMask     = 0x07
)

// DMA message ports.
const (
	portWLAN  = 0
	portCPURX = 1
	portCPUTX = 2
)

// Radio event types on the CPU RX port.
const (
	evtButton     = 0x04
	evtPacketRX   = 0x0c
	evtClientLost = 0x0e
)

// TXWI, the per-frame transmit descriptor.
const (
	txwiLen = 16

	txwiFlagsMPDUDensity4 = 4 << 10
	txwiRatePhyOFDM       = 1 << 13
	txwiAckCtlReq         = 0x01
)

// RXWI, the per-frame receive descriptor.
const (
	rxwiLen = 32

	rxInfoL2Pad = 1 << 11

	rxwiCtlWCIDMask     = 0xff
	rxwiCtlMPDULenShift = 16
	rxwiCtlMPDULenMask  = 0x3fff
)

// 802.11 frame control fields.
const (
	fcTypeSubtypeMask = 0x00fc

	frameQoSData  = 0x0088
	frameAssocReq = 0x0000
	frameDisassoc = 0x00a0
	// reserved management subtype used for pair requests
	frameReserved = 0x0070

	fcFromDS    = 0x0200
	fcProtected = 0x4000

	hdr3AddrLen  = 24
	hdrQoSLen    = 26
	qosPadLen    = 2
	txDurationUs = 144
)

// WCID transmit descriptor prefixed to every outbound frame. The first
// byte selects the transmit queue; byte three carries the zero-based
// WCID.
const (
	wcidDescriptorLen = 8

	queueData  = 0x00
	queueAudio = 0x02
)

// wrapCommand frames a payload as an MT76 command packet for the bulk
// out endpoint.
func wrapCommand(payload []byte) []byte {
	rounded := (len(payload) + 3) &^ 3

	packet := make([]byte, cmdHeaderLen+rounded+cmdHeaderLen)
	info := uint32(rounded)&mcuMsgLenMask | mcuMsgTypeCmd | portCPUTX<<mcuMsgPortShift
	binary.LittleEndian.PutUint32(packet, info)
	copy(packet[cmdHeaderLen:], payload)

	return packet
}

// buildQoSHeader writes the From-DS QoS data header for a frame to a
// client. The Protected bit is set once link encryption is enabled.
func buildQoSHeader(dst, src [6]byte, protected bool) []byte {
	fc := uint16(frameQoSData | fcFromDS)
	if protected {
		fc |= fcProtected
	}

	hdr := make([]byte, hdrQoSLen)
	binary.LittleEndian.PutUint16(hdr[0:2], fc)
	binary.LittleEndian.PutUint16(hdr[2:4], txDurationUs)
	copy(hdr[4:10], dst[:])
	copy(hdr[10:16], src[:])
	copy(hdr[16:22], src[:])
	// sequence and QoS control stay zero

	return hdr
}

// buildTXWI writes the transmit descriptor for a frame of the given
// length, requesting acknowledgement from the peer.
func buildTXWI(frameLen int) []byte {
	txwi := make([]byte, txwiLen)
	binary.LittleEndian.PutUint16(txwi[0:2], txwiFlagsMPDUDensity4)
	binary.LittleEndian.PutUint16(txwi[2:4], txwiRatePhyOFDM)
	txwi[4] = txwiAckCtlReq
	binary.LittleEndian.PutUint16(txwi[6:8], uint16(frameLen))

	return txwi
}

// buildWCIDDescriptor writes the queue selector and zero-based WCID.
func buildWCIDDescriptor(wcid uint8, queue byte) []byte {
	desc := make([]byte, wcidDescriptorLen)
	desc[0] = queue
	desc[3] = wcid - 1

	return desc
}

// message is one parsed bulk RX message.
type message struct {
	port    int
	cmdSeq  int
	evtType int
	payload []byte
}

// parseMessage strips the MT76 command header and trailer.
func parseMessage(data []byte) (*message, error) {
	if len(data) < cmdHeaderLen*2 {
		return nil, fmt.Errorf("message of %d bytes: %w", len(data), ErrMalformedFrame)
	}

	info := binary.LittleEndian.Uint32(data[:cmdHeaderLen])

	return &message{
		port:    int(info >> rxFCEPortShift & rxFCEPortMask),
		cmdSeq:  int(info >> rxFCECmdSeqShift & rxFCECmdSeqMask),
		evtType: int(info >> rxFCEEvtTypeShift & rxFCEEvtTypeMask),
		payload: data[cmdHeaderLen : len(data)-cmdHeaderLen],
	}, nil
}

// wlanFrame is one parsed 802.11 frame with its receive descriptor
// fields.
type wlanFrame struct {
	wcid  uint8
	frame []byte
}

// parseWLAN strips the RXWI, undoes the 2-byte L2 pad after the 802.11
// header and trims the frame to the declared MPDU length.
func parseWLAN(data []byte) (*wlanFrame, error) {
	if len(data) < rxwiLen {
		return nil, fmt.Errorf("wlan message of %d bytes: %w", len(data), ErrMalformedFrame)
	}

	rxinfo := binary.LittleEndian.Uint32(data[0:4])
	ctl := binary.LittleEndian.Uint32(data[4:8])

	frame := data[rxwiLen:]

	if rxinfo&rxInfoL2Pad != 0 {
		hdrLen := headerLength(frame)
		if len(frame) < hdrLen+qosPadLen {
			return nil, fmt.Errorf("padded frame of %d bytes: %w", len(frame), ErrMalformedFrame)
		}
		unpadded := make([]byte, 0, len(frame)-qosPadLen)
		unpadded = append(unpadded, frame[:hdrLen]...)
		frame = append(unpadded, frame[hdrLen+qosPadLen:]...)
	}

	mpduLen := int(ctl >> rxwiCtlMPDULenShift & rxwiCtlMPDULenMask)
	if mpduLen > len(frame) {
		return nil, fmt.Errorf("mpdu of %d bytes in %d: %w", mpduLen, len(frame), ErrMalformedFrame)
	}

	return &wlanFrame{
		wcid:  uint8(ctl & rxwiCtlWCIDMask),
		frame: frame[:mpduLen],
	}, nil
}

// headerLength returns the 802.11 header size for a frame, which is
// longer for QoS data frames.
func headerLength(frame []byte) int {
	if len(frame) < 2 {
		return hdr3AddrLen
	}
	fc := binary.LittleEndian.Uint16(frame[0:2])
	if fc&fcTypeSubtypeMask == frameQoSData {
		return hdrQoSLen
	}
	return hdr3AddrLen
}
