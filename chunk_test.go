package gip

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/gip/protocol"
	"github.com/opd-ai/gip/transport"
)

// hidCollector is a driver capturing HID reports, used as the dispatch
// target for chunked transfers.
type hidCollector struct {
	mu      sync.Mutex
	reports [][]byte
}

func (h *hidCollector) driver(class string) *Driver {
	return &Driver{
		Name:  "test-hid",
		Class: class,
		Ops: DriverOps{
			HIDReport: func(c *Client, data []byte) error {
				h.mu.Lock()
				defer h.mu.Unlock()
				h.reports = append(h.reports, append([]byte(nil), data...))
				return nil
			},
		},
		Probe: func(c *Client) error { return nil },
	}
}

func (h *hidCollector) all() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.reports...)
}

// chunkSplit frames payload as a conforming chunk series: start chunk
// with the total as offset, middle chunks advancing the offset, last
// payload chunk acknowledged, empty terminator.
func chunkSplit(t *testing.T, cmd protocol.Command, id uint8, payload []byte, terminator int) [][]byte {
	t.Helper()

	total := len(payload)
	var packets [][]byte

	offset := 0
	seq := uint8(1)
	for offset < total {
		length := total - offset
		if length > protocol.MaxSimplePayload {
			length = protocol.MaxSimplePayload
		}

		flags := protocol.FlagInternal | protocol.FlagChunk
		chunkOffset := offset
		if offset == 0 {
			flags |= protocol.FlagChunkStart | protocol.FlagAcknowledge
			chunkOffset = total
		}
		if offset+length == total {
			flags |= protocol.FlagAcknowledge
		}

		packets = append(packets, buildPacket(t, &protocol.Header{
			Command: cmd, ClientID: id, Flags: flags,
			Sequence: seq, ChunkOffset: chunkOffset,
		}, payload[offset:offset+length]))
		offset += length
		seq++
	}

	packets = append(packets, buildPacket(t, &protocol.Header{
		Command: cmd, ClientID: id,
		Flags:    protocol.FlagInternal | protocol.FlagChunk,
		Sequence: seq, ChunkOffset: terminator,
	}, nil))

	return packets
}

// TestChunkReassembly replays the 200-byte scenario: a 58-byte start
// chunk, middles at 58/116/174, and a terminator at 200.
func TestChunkReassembly(t *testing.T) {
	lo := transport.NewLoopback(testBufferLen)
	adapter, err := NewAdapter(lo, NewOptions())
	require.NoError(t, err)
	defer adapter.Close()

	collector := &hidCollector{}
	drv := collector.driver("Test.Chunk.Reassembly")
	require.NoError(t, RegisterDriver(drv))
	defer UnregisterDriver(drv)

	identifyClient(t, adapter, 0, []string{"Test.Chunk.Reassembly"}, nil)
	lo.Reset()

	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte(i)
	}

	for _, pkt := range chunkSplit(t, protocol.CmdHIDReport, 0, payload, 200) {
		require.NoError(t, adapter.ProcessBuffer(pkt))
	}

	reports := collector.all()
	require.Len(t, reports, 1)
	assert.True(t, bytes.Equal(payload, reports[0]), "reassembled buffer equals the original")

	// start chunk and final payload chunk were acknowledged
	acks := 0
	for _, pkt := range lo.DataPackets() {
		hdr, _, err := protocol.ParseHeader(pkt)
		require.NoError(t, err)
		if hdr.Command == protocol.CmdAcknowledge {
			acks++
		}
	}
	assert.Equal(t, 2, acks)
}

// TestChunkOverflow covers the boundary: a chunk past the declared
// total fails, the client stays usable.
func TestChunkOverflow(t *testing.T) {
	lo := transport.NewLoopback(testBufferLen)
	adapter, err := NewAdapter(lo, NewOptions())
	require.NoError(t, err)
	defer adapter.Close()

	// start a 100-byte transfer
	start := buildPacket(t, &protocol.Header{
		Command: protocol.CmdHIDReport, ClientID: 0,
		Flags:    protocol.FlagInternal | protocol.FlagChunk | protocol.FlagChunkStart | protocol.FlagAcknowledge,
		Sequence: 1, ChunkOffset: 100,
	}, make([]byte, 58))
	require.NoError(t, adapter.ProcessBuffer(start))

	// 58 bytes at offset 58 exceeds 100
	overflow := buildPacket(t, &protocol.Header{
		Command: protocol.CmdHIDReport, ClientID: 0,
		Flags:    protocol.FlagInternal | protocol.FlagChunk,
		Sequence: 2, ChunkOffset: 58,
	}, make([]byte, 58))
	err = adapter.ProcessBuffer(overflow)
	assert.ErrorIs(t, err, ErrChunkOverflow)

	// the client still processes packets
	assert.Equal(t, StateConnected, adapter.Client(0).State())
	err = adapter.ProcessBuffer(buildPacket(t, &protocol.Header{
		Command: protocol.CmdAnnounce, ClientID: 0,
		Flags: protocol.FlagInternal, Sequence: 3,
	}, buildAnnounce([6]byte{}, 1, 2)))
	require.NoError(t, err)
	assert.Equal(t, StateAnnounced, adapter.Client(0).State())
}

// TestChunkShortTerminator accepts a terminator below the declared
// total as end-of-transfer with the observed length.
func TestChunkShortTerminator(t *testing.T) {
	lo := transport.NewLoopback(testBufferLen)
	adapter, err := NewAdapter(lo, NewOptions())
	require.NoError(t, err)
	defer adapter.Close()

	collector := &hidCollector{}
	drv := collector.driver("Test.Chunk.Short")
	require.NoError(t, RegisterDriver(drv))
	defer UnregisterDriver(drv)

	identifyClient(t, adapter, 0, []string{"Test.Chunk.Short"}, nil)

	payload := make([]byte, 58)
	for i := range payload {
		payload[i] = byte(i) ^ 0x5a
	}

	// declared total 120, but the device stops after 58 bytes
	start := buildPacket(t, &protocol.Header{
		Command: protocol.CmdHIDReport, ClientID: 0,
		Flags:    protocol.FlagInternal | protocol.FlagChunk | protocol.FlagChunkStart | protocol.FlagAcknowledge,
		Sequence: 7, ChunkOffset: 120,
	}, payload)
	require.NoError(t, adapter.ProcessBuffer(start))

	terminator := buildPacket(t, &protocol.Header{
		Command: protocol.CmdHIDReport, ClientID: 0,
		Flags:    protocol.FlagInternal | protocol.FlagChunk,
		Sequence: 8, ChunkOffset: 58,
	}, nil)
	require.NoError(t, adapter.ProcessBuffer(terminator))

	reports := collector.all()
	require.Len(t, reports, 1)
	assert.True(t, bytes.Equal(payload, reports[0]))
}

// TestSpuriousCompletionIgnored drops a completion without a transfer.
func TestSpuriousCompletionIgnored(t *testing.T) {
	lo := transport.NewLoopback(testBufferLen)
	adapter, err := NewAdapter(lo, NewOptions())
	require.NoError(t, err)
	defer adapter.Close()

	completion := buildPacket(t, &protocol.Header{
		Command: protocol.CmdHIDReport, ClientID: 0,
		Flags:    protocol.FlagInternal | protocol.FlagChunk,
		Sequence: 1, ChunkOffset: 64,
	}, nil)
	assert.NoError(t, adapter.ProcessBuffer(completion))
}

// TestChunkRestartDiscardsStale replaces an unfinished transfer when a
// new start chunk arrives.
func TestChunkRestartDiscardsStale(t *testing.T) {
	lo := transport.NewLoopback(testBufferLen)
	adapter, err := NewAdapter(lo, NewOptions())
	require.NoError(t, err)
	defer adapter.Close()

	collector := &hidCollector{}
	drv := collector.driver("Test.Chunk.Restart")
	require.NoError(t, RegisterDriver(drv))
	defer UnregisterDriver(drv)

	identifyClient(t, adapter, 0, []string{"Test.Chunk.Restart"}, nil)

	// first transfer never completes
	stale := buildPacket(t, &protocol.Header{
		Command: protocol.CmdHIDReport, ClientID: 0,
		Flags:    protocol.FlagInternal | protocol.FlagChunk | protocol.FlagChunkStart | protocol.FlagAcknowledge,
		Sequence: 1, ChunkOffset: 500,
	}, make([]byte, 58))
	require.NoError(t, adapter.ProcessBuffer(stale))

	// a fresh transfer replaces it and completes
	payload := []byte{1, 2, 3, 4}
	fresh := buildPacket(t, &protocol.Header{
		Command: protocol.CmdHIDReport, ClientID: 0,
		Flags:    protocol.FlagInternal | protocol.FlagChunk | protocol.FlagChunkStart | protocol.FlagAcknowledge,
		Sequence: 2, ChunkOffset: len(payload),
	}, payload)
	require.NoError(t, adapter.ProcessBuffer(fresh))

	terminator := buildPacket(t, &protocol.Header{
		Command: protocol.CmdHIDReport, ClientID: 0,
		Flags:    protocol.FlagInternal | protocol.FlagChunk,
		Sequence: 3, ChunkOffset: len(payload),
	}, nil)
	require.NoError(t, adapter.ProcessBuffer(terminator))

	reports := collector.all()
	require.Len(t, reports, 1)
	assert.Equal(t, payload, reports[0])
}

// TestSendChunkedRoundTrip transmits a large payload through one
// adapter and feeds the captured chunk series into a second, verifying
// the split conforms and reassembles.
func TestSendChunkedRoundTrip(t *testing.T) {
	loTX := transport.NewLoopback(testBufferLen)
	sender, err := NewAdapter(loTX, NewOptions())
	require.NoError(t, err)
	defer sender.Close()

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	client := sender.getOrInitClient(0)
	require.NoError(t, client.SendPacket(protocol.CmdHIDReport, protocol.FlagInternal, payload))

	packets := loTX.DataPackets()
	require.Len(t, packets, 7, "6 payload chunks and a terminator")

	// chunk offsets are non-overlapping and non-decreasing, payload
	// lengths sum to the declared total
	sum := 0
	for i, pkt := range packets {
		hdr, _, err := protocol.ParseHeader(pkt)
		require.NoError(t, err)
		require.True(t, hdr.IsChunked())

		switch i {
		case 0:
			assert.NotZero(t, hdr.Flags&protocol.FlagChunkStart)
			assert.Equal(t, len(payload), hdr.ChunkOffset, "start chunk declares the total")
		case len(packets) - 1:
			assert.Zero(t, hdr.Length)
			assert.Equal(t, len(payload), hdr.ChunkOffset, "terminator carries the total")
		default:
			assert.Equal(t, sum, hdr.ChunkOffset)
		}
		if i < len(packets)-1 {
			sum += hdr.Length
		}
	}
	assert.Equal(t, len(payload), sum)

	// feed the series into a receiving adapter
	loRX := transport.NewLoopback(testBufferLen)
	receiver, err := NewAdapter(loRX, NewOptions())
	require.NoError(t, err)
	defer receiver.Close()

	collector := &hidCollector{}
	drv := collector.driver("Test.Chunk.RoundTrip")
	require.NoError(t, RegisterDriver(drv))
	defer UnregisterDriver(drv)

	identifyClient(t, receiver, 0, []string{"Test.Chunk.RoundTrip"}, nil)

	for _, pkt := range packets {
		require.NoError(t, receiver.ProcessBuffer(pkt))
	}

	require.Eventually(t, func() bool {
		return len(collector.all()) == 1
	}, time.Second, time.Millisecond)
	assert.True(t, bytes.Equal(payload, collector.all()[0]))
}
