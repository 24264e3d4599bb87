package gip

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gip/protocol"
	"github.com/opd-ai/gip/transport"
)

// sendPacket encodes and submits one packet. Sequence allocation and
// submission happen under the adapter send lock; a zero sequence draws
// the next non-zero value from the per-stream counter.
func (c *Client) sendPacket(hdr *protocol.Header, payload []byte) error {
	a := c.adapter

	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	if hdr.Sequence == 0 {
		hdr.Sequence = a.nextSequence(transport.BufferData)
	}

	buf, err := a.ops.GetBuffer(transport.BufferData)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendPacket",
			"adapter":  a.id,
			"client":   c.id,
			"error":    err.Error(),
		}).Error("Get buffer failed")
		return err
	}

	wire, err := hdr.Serialize()
	if err != nil {
		return err
	}

	if buf.Length < len(wire)+len(payload) {
		logrus.WithFields(logrus.Fields{
			"function": "sendPacket",
			"adapter":  a.id,
			"client":   c.id,
		}).Error("Transmit buffer too small")
		return fmt.Errorf("packet of %d bytes: %w", len(wire)+len(payload), transport.ErrNoSpace)
	}

	copy(buf.Data, wire)
	copy(buf.Data[len(wire):], payload)
	buf.Length = len(wire) + len(payload)

	// always fails on adapter removal
	if err := a.ops.SubmitBuffer(buf); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendPacket",
			"adapter":  a.id,
			"client":   c.id,
			"error":    err.Error(),
		}).Debug("Submit buffer failed")
		return err
	}

	return nil
}

// SendPacket transmits a payload to the client, chunking transparently
// when it exceeds the simple packet limit.
func (c *Client) SendPacket(cmd protocol.Command, flags protocol.Flag, payload []byte) error {
	if len(payload) > protocol.MaxSimplePayload {
		return c.sendChunked(cmd, flags, payload)
	}

	hdr := &protocol.Header{
		Command:  cmd,
		ClientID: c.id,
		Flags:    flags,
		Length:   len(payload),
	}
	return c.sendPacket(hdr, payload)
}

// sendChunked splits a large payload into chunks. The start chunk
// carries the declared total in its chunk offset; the final payload
// chunk requests acknowledgement; an empty terminator with the total as
// offset ends the transfer.
func (c *Client) sendChunked(cmd protocol.Command, flags protocol.Flag, payload []byte) error {
	total := len(payload)
	if total > protocol.MaxChunkedLength {
		return fmt.Errorf("chunked payload of %d bytes: %w", total, ErrChunkOverflow)
	}

	// only the start and final payload chunks request acknowledgement
	flags &^= protocol.FlagAcknowledge

	offset := 0
	for offset < total {
		length := total - offset
		if length > protocol.MaxSimplePayload {
			length = protocol.MaxSimplePayload
		}

		chunkFlags := flags | protocol.FlagChunk
		chunkOffset := offset
		if offset == 0 {
			chunkFlags |= protocol.FlagChunkStart | protocol.FlagAcknowledge
			chunkOffset = total
		}
		if offset+length == total {
			chunkFlags |= protocol.FlagAcknowledge
		}

		hdr := &protocol.Header{
			Command:     cmd,
			ClientID:    c.id,
			Flags:       chunkFlags,
			Length:      length,
			ChunkOffset: chunkOffset,
		}
		if err := c.sendPacket(hdr, payload[offset:offset+length]); err != nil {
			return err
		}
		offset += length
	}

	terminator := &protocol.Header{
		Command:     cmd,
		ClientID:    c.id,
		Flags:       flags | protocol.FlagChunk,
		ChunkOffset: total,
	}
	return c.sendPacket(terminator, nil)
}

// acknowledgePacket synthesises the acknowledgement for a received
// packet: the echoed command, the running total of bytes received and,
// when chunking, the bytes still missing from the declared total.
func (c *Client) acknowledgePacket(acked *protocol.Header, received, remaining uint16) error {
	inner := byte(c.id) | byte(protocol.FlagInternal)

	payload := []byte{
		0x00,
		byte(acked.Command),
		inner,
		byte(received), byte(received >> 8),
		0x00, 0x00,
		byte(remaining), byte(remaining >> 8),
	}

	hdr := &protocol.Header{
		Command:  protocol.CmdAcknowledge,
		ClientID: c.id,
		Flags:    protocol.FlagInternal,
		Sequence: acked.Sequence,
		Length:   len(payload),
	}
	return c.sendPacket(hdr, payload)
}

// ProcessBuffer decodes and dispatches one GIP packet delivered by the
// transport. Receive-path errors are logged and the packet discarded;
// the client keeps its state.
func (a *Adapter) ProcessBuffer(data []byte) error {
	hdr, consumed, err := protocol.ParseHeader(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ProcessBuffer",
			"adapter":  a.id,
			"length":   len(data),
			"error":    err.Error(),
		}).Error("Header decode failed")
		return err
	}

	client := a.getOrInitClient(hdr.ClientID)
	if client.State() == StateDisconnected {
		return nil
	}

	payload := data[consumed : consumed+hdr.Length]

	if hdr.IsChunked() {
		err = client.processChunked(hdr, payload)
	} else {
		err = client.processCoherent(hdr, payload)
	}

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ProcessBuffer",
			"adapter":  a.id,
			"client":   hdr.ClientID,
			"command":  fmt.Sprintf("0x%02x", byte(hdr.Command)),
			"error":    err.Error(),
		}).Error("Process packet failed")
	}

	return err
}

// processCoherent acknowledges and dispatches an unchunked packet.
func (c *Client) processCoherent(hdr *protocol.Header, payload []byte) error {
	if hdr.Flags&protocol.FlagAcknowledge != 0 {
		if err := c.acknowledgePacket(hdr, uint16(hdr.Length), 0); err != nil {
			return err
		}
	}

	return c.handlePacket(hdr, payload)
}

// processChunked accumulates one chunk, acknowledging where requested,
// and dispatches the reassembled payload on completion.
func (c *Client) processChunked(hdr *protocol.Header, payload []byte) error {
	offset := hdr.ChunkOffset

	if hdr.Flags&protocol.FlagChunkStart != 0 {
		// offset carries the declared total on the start chunk
		total := hdr.ChunkOffset
		if total > protocol.MaxChunkedLength {
			return fmt.Errorf("declared total %d: %w", total, ErrChunkOverflow)
		}

		c.mu.Lock()
		if c.chunkBuf != nil {
			logrus.WithFields(logrus.Fields{
				"function": "processChunked",
				"adapter":  c.adapter.id,
				"client":   c.id,
			}).Warn("Discarding stale chunk buffer")
		}
		c.chunkBuf = &chunkBuffer{length: total, data: make([]byte, total)}
		c.mu.Unlock()

		offset = 0
	}

	c.mu.Lock()
	buf := c.chunkBuf
	c.mu.Unlock()

	if buf == nil {
		// some devices emit spurious completions
		if hdr.Length == 0 {
			logrus.WithFields(logrus.Fields{
				"function": "processChunked",
				"adapter":  c.adapter.id,
				"client":   c.id,
			}).Debug("Ignoring completion without transfer")
			return nil
		}
		return fmt.Errorf("chunk without start: %w", ErrProtocol)
	}

	if hdr.Flags&protocol.FlagAcknowledge != 0 {
		received := uint16(offset + hdr.Length)
		remaining := uint16(buf.length - (offset + hdr.Length))
		if err := c.acknowledgePacket(hdr, received, remaining); err != nil {
			return err
		}
	}

	if offset+hdr.Length > buf.length {
		return fmt.Errorf("chunk at %d+%d of %d: %w",
			offset, hdr.Length, buf.length, ErrChunkOverflow)
	}

	if hdr.Length == 0 {
		if offset < buf.length {
			// some third-party devices terminate short of the declared
			// total; accept the observed length
			logrus.WithFields(logrus.Fields{
				"function": "processChunked",
				"adapter":  c.adapter.id,
				"client":   c.id,
				"declared": buf.length,
				"observed": offset,
			}).Warn("Chunked transfer terminated short")
			buf.length = offset
			buf.data = buf.data[:offset]
		}
		buf.full = true
	} else {
		copy(buf.data[offset:], payload)
	}

	if !buf.full {
		return nil
	}

	c.mu.Lock()
	c.chunkBuf = nil
	c.mu.Unlock()

	return c.handlePacket(hdr, buf.data[:buf.length])
}
