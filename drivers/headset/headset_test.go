package headset

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/gip"
	"github.com/opd-ai/gip/protocol"
	"github.com/opd-ai/gip/transport"
)

func buildPacket(t *testing.T, hdr *protocol.Header, payload []byte) []byte {
	t.Helper()
	hdr.Length = len(payload)
	wire, err := hdr.Serialize()
	require.NoError(t, err)
	return append(wire, payload...)
}

func buildAnnounce() []byte {
	payload := make([]byte, 28)
	payload[0] = 0x02
	binary.LittleEndian.PutUint16(payload[8:], 0x045e)
	binary.LittleEndian.PutUint16(payload[10:], 0x02f1)
	return payload
}

// buildIdentify advertises the headset class and one audio format
// pair.
func buildIdentify() []byte {
	blob := make([]byte, 32)

	binary.LittleEndian.PutUint16(blob[16+2*2:], uint16(len(blob)))
	blob = append(blob, 1, byte(protocol.Format24KHzMono), byte(protocol.Format24KHzMono))

	binary.LittleEndian.PutUint16(blob[16+5*2:], uint16(len(blob)))
	blob = append(blob, 1)
	var strLen [2]byte
	binary.LittleEndian.PutUint16(strLen[:], uint16(len(Class)))
	blob = append(blob, strLen[:]...)
	return append(blob, Class...)
}

func registerOnce(t *testing.T, events Events) {
	t.Helper()
	err := Register(events)
	if err != nil && !errors.Is(err, gip.ErrDriverConflict) {
		t.Fatal(err)
	}
}

func bindHeadset(t *testing.T, events Events) (*gip.Adapter, *transport.Loopback) {
	t.Helper()

	registerOnce(t, events)

	lo := transport.NewLoopback(2048)
	adapter, err := gip.NewAdapter(lo, gip.NewOptions())
	require.NoError(t, err)
	t.Cleanup(adapter.Close)

	require.NoError(t, adapter.ProcessBuffer(buildPacket(t, &protocol.Header{
		Command: protocol.CmdAnnounce, ClientID: 0,
		Flags: protocol.FlagInternal, Sequence: 1,
	}, buildAnnounce())))

	require.NoError(t, adapter.ProcessBuffer(buildPacket(t, &protocol.Header{
		Command: protocol.CmdIdentify, ClientID: 0,
		Flags: protocol.FlagInternal, Sequence: 2,
	}, buildIdentify())))

	require.Eventually(t, func() bool {
		client := adapter.Client(0)
		return client != nil && client.Driver() != nil
	}, time.Second, time.Millisecond, "headset should bind")

	return adapter, lo
}

// acceptFormat plays the device side of negotiation: echo the
// suggestion, then report the initial volume.
func acceptFormat(t *testing.T, adapter *gip.Adapter) {
	t.Helper()

	require.NoError(t, adapter.ProcessBuffer(buildPacket(t, &protocol.Header{
		Command: protocol.CmdAudioControl, ClientID: 0,
		Flags: protocol.FlagInternal, Sequence: 5,
	}, []byte{protocol.AudioCtrlFormat,
		byte(protocol.Format24KHzMono), byte(protocol.Format24KHzMono)})))

	require.NoError(t, adapter.ProcessBuffer(buildPacket(t, &protocol.Header{
		Command: protocol.CmdAudioControl, ClientID: 0,
		Flags: protocol.FlagInternal, Sequence: 6,
	}, []byte{protocol.AudioCtrlVolume, protocol.AudioVolumeUnmuted,
		100, 0x00, 100, 0x00, 0x00, 0x00})))
}

// TestProbeSuggestsFormat checks the first advertised pair goes out.
func TestProbeSuggestsFormat(t *testing.T) {
	adapter, lo := bindHeadset(t, Events{})

	var suggested []byte
	for _, pkt := range lo.DataPackets() {
		hdr, consumed, err := protocol.ParseHeader(pkt)
		require.NoError(t, err)
		if hdr.Command == protocol.CmdAudioControl {
			suggested = pkt[consumed:]
		}
	}

	require.NotNil(t, suggested)
	assert.Equal(t, []byte{protocol.AudioCtrlFormat,
		byte(protocol.Format24KHzMono), byte(protocol.Format24KHzMono)}, suggested)

	client := adapter.Client(0)
	assert.Equal(t, protocol.Format24KHzMono, client.AudioConfigOut().Format)
	assert.False(t, client.AudioConfigOut().Valid, "not accepted yet")
}

// TestAudioStartup drives negotiation to completion and verifies the
// audio path comes up: transport audio init, timer.
func TestAudioStartup(t *testing.T) {
	adapter, lo := bindHeadset(t, Events{})

	acceptFormat(t, adapter)

	client := adapter.Client(0)
	require.True(t, client.AudioConfigOut().Valid)

	assert.True(t, lo.AudioEnabled())
	assert.Equal(t, client.AudioConfigOut().PacketSize, lo.AudioOutPacketSize())

	// the transmit timer is running: audio packets appear
	require.Eventually(t, func() bool {
		return len(lo.AudioPackets()) > 0
	}, time.Second, time.Millisecond)

	// a second volume report must not restart audio
	require.NoError(t, adapter.ProcessBuffer(buildPacket(t, &protocol.Header{
		Command: protocol.CmdAudioControl, ClientID: 0,
		Flags: protocol.FlagInternal, Sequence: 9,
	}, []byte{protocol.AudioCtrlVolume, protocol.AudioVolumeUnmuted,
		50, 0x00, 50, 0x00, 0x00, 0x00})))
}

// TestPlaybackPCMReachesWire pushes PCM through the ring and finds it
// in a transmitted fragment.
func TestPlaybackPCMReachesWire(t *testing.T) {
	adapter, lo := bindHeadset(t, Events{})
	acceptFormat(t, adapter)

	client := adapter.Client(0)
	cfg := client.AudioConfigOut()

	pcm := make([]byte, cfg.BufferSize)
	for i := range pcm {
		pcm[i] = 0x5a
	}
	require.NoError(t, Play(client, pcm))

	require.Eventually(t, func() bool {
		for _, buf := range lo.AudioPackets() {
			hdr, consumed, err := protocol.ParseHeader(buf)
			if err != nil || hdr.Command != protocol.CmdAudioSamples {
				continue
			}
			payload := buf[consumed : consumed+hdr.Length]
			for _, b := range payload {
				if b == 0x5a {
					return true
				}
			}
		}
		return false
	}, time.Second, time.Millisecond, "queued PCM should reach the wire")
}

// TestCaptureForwarded hands inbound samples to the application.
func TestCaptureForwarded(t *testing.T) {
	var (
		mu       sync.Mutex
		captured [][]byte
	)

	adapter, _ := bindHeadset(t, Events{
		Capture: func(pcm []byte) {
			mu.Lock()
			defer mu.Unlock()
			captured = append(captured, append([]byte(nil), pcm...))
		},
	})

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	payload := append([]byte{byte(len(pcm)), 0x00}, pcm...)

	require.NoError(t, adapter.ProcessBuffer(buildPacket(t, &protocol.Header{
		Command: protocol.CmdAudioSamples, ClientID: 0,
		Flags: protocol.FlagInternal, Sequence: 7,
	}, payload)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, captured, 1)
	assert.Equal(t, pcm, captured[0])
}
