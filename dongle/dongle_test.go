package dongle

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/gip/protocol"
)

// mockRadio records every MAC call the multiplexer makes.
type mockRadio struct {
	mu sync.Mutex

	associated map[uint8][6]byte
	removed    []uint8
	paired     [][6]byte
	keys       map[uint8][]byte

	pairingCalls []bool
	ledModes     []LEDMode

	wakeRefs int

	transmitted [][]byte
}

func newMockRadio() *mockRadio {
	return &mockRadio{
		associated: make(map[uint8][6]byte),
		keys:       make(map[uint8][]byte),
	}
}

func (r *mockRadio) Address() [6]byte {
	return [6]byte{0x62, 0x45, 0xb4, 0x10, 0x20, 0x30}
}

func (r *mockRadio) Transmit(packet []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transmitted = append(r.transmitted, append([]byte(nil), packet...))
	return nil
}

func (r *mockRadio) SetPairing(enable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairingCalls = append(r.pairingCalls, enable)
	return nil
}

func (r *mockRadio) SetLEDMode(mode LEDMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ledModes = append(r.ledModes, mode)
	return nil
}

func (r *mockRadio) PairClient(address [6]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paired = append(r.paired, address)
	return nil
}

func (r *mockRadio) AssociateClient(wcid uint8, address [6]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.associated[wcid] = address
	return nil
}

func (r *mockRadio) RemoveClient(wcid uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, wcid)
	delete(r.associated, wcid)
	return nil
}

func (r *mockRadio) SetClientKey(wcid uint8, key []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[wcid] = append([]byte(nil), key...)
	return nil
}

func (r *mockRadio) HoldWake() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wakeRefs++
}

func (r *mockRadio) ReleaseWake() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wakeRefs--
}

func (r *mockRadio) lastLED() LEDMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ledModes) == 0 {
		return 0xff
	}
	return r.ledModes[len(r.ledModes)-1]
}

func (r *mockRadio) pairingCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairingCalls)
}

func (r *mockRadio) wake() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wakeRefs
}

func (r *mockRadio) txCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transmitted)
}

func (r *mockRadio) tx(i int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transmitted[i]
}

// rxMessage frames a payload as a bulk RX message.
func rxMessage(port, evtType, cmdSeq int, payload []byte) []byte {
	msg := make([]byte, cmdHeaderLen+len(payload)+cmdHeaderLen)
	info := uint32(port)<<rxFCEPortShift | uint32(evtType)<<rxFCEEvtTypeShift | uint32(cmdSeq)<<rxFCECmdSeqShift
	binary.LittleEndian.PutUint32(msg, info)
	copy(msg[cmdHeaderLen:], payload)
	return msg
}

// wlanMessage wraps an 802.11 frame in an RXWI and a bulk message.
func wlanMessage(wcid uint8, frame []byte) []byte {
	payload := make([]byte, rxwiLen+len(frame))
	ctl := uint32(wcid) | uint32(len(frame))<<rxwiCtlMPDULenShift
	binary.LittleEndian.PutUint32(payload[4:8], ctl)
	copy(payload[rxwiLen:], frame)
	return rxMessage(portWLAN, 0, 0, payload)
}

// mgmtFrame builds a 24-byte management frame from a source address.
func mgmtFrame(fc uint16, source [6]byte, body []byte) []byte {
	frame := make([]byte, hdr3AddrLen)
	binary.LittleEndian.PutUint16(frame[0:2], fc)
	copy(frame[10:16], source[:])
	return append(frame, body...)
}

// qosFrame builds a QoS data frame carrying GIP bytes.
func qosFrame(source [6]byte, payload []byte) []byte {
	frame := make([]byte, hdrQoSLen)
	binary.LittleEndian.PutUint16(frame[0:2], frameQoSData)
	copy(frame[10:16], source[:])
	return append(frame, payload...)
}

var testAddress = [6]byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55}

func testDongle(t *testing.T) (*Dongle, *mockRadio) {
	t.Helper()
	radio := newMockRadio()
	opts := NewOptions()
	opts.PairingTimeout = 50 * time.Millisecond
	opts.PowerOffTimeout = 200 * time.Millisecond
	d, err := New(radio, opts)
	require.NoError(t, err)
	return d, radio
}

func associate(t *testing.T, d *Dongle, address [6]byte) {
	t.Helper()
	require.NoError(t, d.ProcessMessage(wlanMessage(0, mgmtFrame(frameAssocReq, address, nil))))
	require.Eventually(t, func() bool { return d.ClientCount() > 0 },
		time.Second, time.Millisecond)
}

// TestAssociationLifecycle covers the association scenario: a client
// appears at WCID 1 with the LED on, and a disassociation removes it
// with the LED off.
func TestAssociationLifecycle(t *testing.T) {
	d, radio := testDongle(t)
	defer d.Close()

	associate(t, d, testAddress)

	client := d.Client(1)
	require.NotNil(t, client)
	assert.Equal(t, uint8(1), client.WCID())
	assert.Equal(t, testAddress, client.Address())
	assert.Equal(t, LEDOn, radio.lastLED())
	assert.Equal(t, 1, radio.wake())

	radio.mu.Lock()
	assert.Equal(t, testAddress, radio.associated[1])
	radio.mu.Unlock()

	require.NoError(t, d.ProcessMessage(wlanMessage(1, mgmtFrame(frameDisassoc, testAddress, nil))))
	require.Eventually(t, func() bool { return d.ClientCount() == 0 },
		time.Second, time.Millisecond)

	assert.Equal(t, LEDOff, radio.lastLED())
	assert.Equal(t, 0, radio.wake())

	// repeated disassociation is a no-op
	require.NoError(t, d.ProcessMessage(wlanMessage(1, mgmtFrame(frameDisassoc, testAddress, nil))))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, d.ClientCount())
}

// TestWCIDAllocation assigns the lowest free slot and reuses freed
// slots.
func TestWCIDAllocation(t *testing.T) {
	d, _ := testDongle(t)
	defer d.Close()

	second := [6]byte{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}

	associate(t, d, testAddress)
	require.NoError(t, d.ProcessMessage(wlanMessage(0, mgmtFrame(frameAssocReq, second, nil))))
	require.Eventually(t, func() bool { return d.ClientCount() == 2 },
		time.Second, time.Millisecond)

	assert.Equal(t, testAddress, d.Client(1).Address())
	assert.Equal(t, second, d.Client(2).Address())

	// free slot 1 and reassociate: the lowest slot wins again
	require.NoError(t, d.ProcessMessage(wlanMessage(1, mgmtFrame(frameDisassoc, testAddress, nil))))
	require.Eventually(t, func() bool { return d.ClientCount() == 1 },
		time.Second, time.Millisecond)

	require.NoError(t, d.ProcessMessage(wlanMessage(0, mgmtFrame(frameAssocReq, testAddress, nil))))
	require.Eventually(t, func() bool { return d.Client(1) != nil },
		time.Second, time.Millisecond)
	assert.Equal(t, testAddress, d.Client(1).Address())
}

// TestPairingToggle covers the no-op re-enable and the watchdog.
func TestPairingToggle(t *testing.T) {
	d, radio := testDongle(t)
	defer d.Close()

	require.NoError(t, d.SetPairing(true))
	assert.True(t, d.Pairing())
	assert.Equal(t, LEDBlink, radio.lastLED())
	assert.Equal(t, 1, radio.wake())
	assert.Equal(t, 1, radio.pairingCallCount())

	// re-enabling while enabled is a no-op
	require.NoError(t, d.SetPairing(true))
	assert.Equal(t, 1, radio.pairingCallCount())

	// the watchdog auto-disables after the timeout
	require.Eventually(t, func() bool { return !d.Pairing() },
		time.Second, time.Millisecond)
	assert.Equal(t, LEDOff, radio.lastLED(), "no clients: LED off")
	assert.Equal(t, 0, radio.wake())
}

func TestPairingDisableWithClients(t *testing.T) {
	d, radio := testDongle(t)
	defer d.Close()

	associate(t, d, testAddress)

	require.NoError(t, d.SetPairing(true))
	require.NoError(t, d.SetPairing(false))
	assert.Equal(t, LEDOn, radio.lastLED(), "clients remain: LED on")
}

// TestButtonEvent enables pairing from the dongle button.
func TestButtonEvent(t *testing.T) {
	d, _ := testDongle(t)
	defer d.Close()

	require.NoError(t, d.ProcessMessage(rxMessage(portCPURX, evtButton, 0, nil)))
	require.Eventually(t, func() bool { return d.Pairing() },
		time.Second, time.Millisecond)
}

// TestPairRequestFrame installs the device address and leaves pairing.
func TestPairRequestFrame(t *testing.T) {
	d, radio := testDongle(t)
	defer d.Close()

	require.NoError(t, d.SetPairing(true))

	frame := mgmtFrame(frameReserved, testAddress, []byte{0x00, 0x01})
	require.NoError(t, d.ProcessMessage(wlanMessage(0, frame)))

	require.Eventually(t, func() bool { return !d.Pairing() },
		time.Second, time.Millisecond)

	radio.mu.Lock()
	defer radio.mu.Unlock()
	require.Len(t, radio.paired, 1)
	assert.Equal(t, testAddress, radio.paired[0])
}

// TestClientLostEvent synthesises a disassociation.
func TestClientLostEvent(t *testing.T) {
	d, _ := testDongle(t)
	defer d.Close()

	associate(t, d, testAddress)

	require.NoError(t, d.ProcessMessage(rxMessage(portCPURX, evtClientLost, 0, []byte{0x01})))
	require.Eventually(t, func() bool { return d.ClientCount() == 0 },
		time.Second, time.Millisecond)
}

// TestCommandResponsesIgnored drops messages with the response
// sequence.
func TestCommandResponsesIgnored(t *testing.T) {
	d, _ := testDongle(t)
	defer d.Close()

	frame := mgmtFrame(frameAssocReq, testAddress, nil)
	require.NoError(t, d.ProcessMessage(rxMessage(portWLAN, 0, 0x01, frame)))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, d.ClientCount())
}

// buildGIPAnnounce assembles a GIP announce packet for the child
// adapter behind a WCID.
func buildGIPAnnounce(t *testing.T) []byte {
	t.Helper()

	payload := make([]byte, 28)
	copy(payload, testAddress[:])
	binary.LittleEndian.PutUint16(payload[8:], 0x045e)
	binary.LittleEndian.PutUint16(payload[10:], 0x02ea)

	hdr := &protocol.Header{
		Command:  protocol.CmdAnnounce,
		ClientID: 0,
		Flags:    protocol.FlagInternal,
		Sequence: 1,
		Length:   len(payload),
	}
	wire, err := hdr.Serialize()
	require.NoError(t, err)
	return append(wire, payload...)
}

// TestOutboundFraming drives GIP bytes through a wireless client and
// checks every wrapping layer on the transmitted packet.
func TestOutboundFraming(t *testing.T) {
	d, radio := testDongle(t)
	defer d.Close()

	associate(t, d, testAddress)

	// inbound announce makes the child adapter solicit identification
	qos := qosFrame(testAddress, buildGIPAnnounce(t))
	require.NoError(t, d.ProcessMessage(wlanMessage(1, qos)))

	require.Eventually(t, func() bool { return radio.txCount() > 0 },
		time.Second, time.Millisecond)

	packet := radio.tx(0)

	// MT76 command header
	info := binary.LittleEndian.Uint32(packet[0:4])
	assert.NotZero(t, info&mcuMsgTypeCmd)
	inner := packet[cmdHeaderLen:]

	// WCID descriptor: data queue, zero-based WCID
	assert.Equal(t, byte(queueData), inner[0])
	assert.Equal(t, byte(0), inner[3])
	inner = inner[wcidDescriptorLen:]

	// TXWI requests acknowledgement and carries the frame length
	assert.Equal(t, byte(txwiAckCtlReq), inner[4])
	frameLen := int(binary.LittleEndian.Uint16(inner[6:8]))
	inner = inner[txwiLen:]

	// QoS header: From-DS, unprotected, addressed to the client
	fc := binary.LittleEndian.Uint16(inner[0:2])
	assert.Equal(t, uint16(frameQoSData|fcFromDS), fc)
	assert.Equal(t, testAddress[:], inner[4:10])
	assert.Equal(t, radio.Address(), [6]byte(inner[10:16]))
	// frame length covers the QoS header and the GIP payload, not the
	// pad or the bulk message padding
	require.Greater(t, frameLen, hdrQoSLen)
	gipBytes := inner[hdrQoSLen+qosPadLen:][:frameLen-hdrQoSLen]

	// the inner GIP packet is the identify request
	hdr, _, err := protocol.ParseHeader(gipBytes)
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdIdentify, hdr.Command)
}

// TestEncryptionEnable installs the key through the event queue and
// sets the Protected bit on subsequent frames.
func TestEncryptionEnable(t *testing.T) {
	d, radio := testDongle(t)
	defer d.Close()

	associate(t, d, testAddress)

	qos := qosFrame(testAddress, buildGIPAnnounce(t))
	require.NoError(t, d.ProcessMessage(wlanMessage(1, qos)))

	client := d.Client(1)
	require.NotNil(t, client)

	gipClient := client.Adapter().Client(0)
	require.Eventually(t, func() bool {
		gipClient = client.Adapter().Client(0)
		return gipClient != nil
	}, time.Second, time.Millisecond)

	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	require.NoError(t, gipClient.SetEncryptionKey(key))

	require.Eventually(t, func() bool { return client.Encrypted() },
		time.Second, time.Millisecond)

	radio.mu.Lock()
	assert.Equal(t, key, radio.keys[1])
	radio.mu.Unlock()

	// the next transmitted frame carries the Protected bit
	before := radio.txCount()
	require.NoError(t, gipClient.SetPowerMode(protocol.PowerOn))
	require.Eventually(t, func() bool { return radio.txCount() > before },
		time.Second, time.Millisecond)

	packet := radio.tx(radio.txCount() - 1)
	qosHdr := packet[cmdHeaderLen+wcidDescriptorLen+txwiLen:]
	fc := binary.LittleEndian.Uint16(qosHdr[0:2])
	assert.NotZero(t, fc&fcProtected)
}

// TestPowerOff waits for clients to drain and errors on timeout.
func TestPowerOff(t *testing.T) {
	d, _ := testDongle(t)
	defer d.Close()

	associate(t, d, testAddress)

	qos := qosFrame(testAddress, buildGIPAnnounce(t))
	require.NoError(t, d.ProcessMessage(wlanMessage(1, qos)))

	done := make(chan error, 1)
	go func() { done <- d.PowerOff() }()

	// the device acknowledges by dropping the link
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.ProcessMessage(wlanMessage(1, mgmtFrame(frameDisassoc, testAddress, nil))))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("power off did not complete")
	}
}

func TestPowerOffTimeout(t *testing.T) {
	d, _ := testDongle(t)
	defer d.Close()

	associate(t, d, testAddress)

	err := d.PowerOff()
	assert.Error(t, err, "clients never drained")
	assert.Equal(t, 1, d.ClientCount())
}
