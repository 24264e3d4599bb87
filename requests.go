package gip

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gip/audio"
	"github.com/opd-ai/gip/protocol"
	"github.com/opd-ai/gip/transport"
)

// chatHeadsetProduct is the product id of the chat headset, which
// negotiates audio through the chat subcommands and manages its own
// hardware volume.
const chatHeadsetProduct = 0x0111

// requestIdentification asks an announced client for its identify
// blob.
func (c *Client) requestIdentification() error {
	hdr := &protocol.Header{
		Command:  protocol.CmdIdentify,
		ClientID: c.id,
		Flags:    protocol.FlagInternal,
	}
	return c.sendPacket(hdr, nil)
}

// SetPowerMode sends a power request to the client.
func (c *Client) SetPowerMode(mode protocol.PowerMode) error {
	return c.SendPacket(protocol.CmdPower, protocol.FlagInternal, []byte{byte(mode)})
}

// CompleteAuthentication tells the client that no (further)
// authentication is required. Drivers for devices that skip the
// handshake send this during probe.
func (c *Client) CompleteAuthentication() error {
	return c.SendPacket(protocol.CmdAuthenticate, protocol.FlagInternal, []byte{0x01, 0x00})
}

// SendAuthenticate transmits an opaque authentication payload. The
// acknowledge flag is set on handshake packets so the client confirms
// receipt; control packets go unacknowledged.
func (c *Client) SendAuthenticate(payload []byte, acknowledge bool) error {
	flags := protocol.FlagInternal
	if acknowledge {
		flags |= protocol.FlagAcknowledge
	}
	return c.SendPacket(protocol.CmdAuthenticate, flags, payload)
}

// SendRumble transmits a force-feedback packet.
func (c *Client) SendRumble(payload []byte) error {
	return c.SendPacket(protocol.CmdRumble, 0, payload)
}

// SetLEDMode sets the guide button LED animation and brightness.
func (c *Client) SetLEDMode(mode protocol.LEDMode, brightness uint8) error {
	return c.SendPacket(protocol.CmdLED, protocol.FlagInternal,
		[]byte{0x00, byte(mode), brightness})
}

// SuggestAudioFormat starts format negotiation. Chat headsets receive
// the chat subcommand with the fixed chat format; everything else gets
// the regular format pair. The suggested formats are remembered so the
// device's reply can be classified as acceptance or counter-proposal.
func (c *Client) SuggestAudioFormat(in, out protocol.AudioFormat) error {
	c.mu.Lock()
	product := c.hardware.Product
	c.mu.Unlock()

	var err error
	if product == chatHeadsetProduct {
		err = c.SendPacket(protocol.CmdAudioControl, protocol.FlagInternal,
			[]byte{protocol.AudioCtrlFormatChat, byte(protocol.FormatChat16KHz)})
	} else {
		err = c.SendPacket(protocol.CmdAudioControl, protocol.FlagInternal,
			[]byte{protocol.AudioCtrlFormat, byte(in), byte(out)})
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SuggestAudioFormat",
			"adapter":  c.adapter.id,
			"client":   c.id,
			"error":    err.Error(),
		}).Error("Set format failed")
		return err
	}

	c.mu.Lock()
	c.audioIn = audio.Config{Format: in}
	c.audioOut = audio.Config{Format: out}
	c.mu.Unlock()

	return nil
}

// FixAudioVolume pins the hardware volume to maximum. Chat headsets
// have physical buttons and are left alone.
func (c *Client) FixAudioVolume() error {
	c.mu.Lock()
	product := c.hardware.Product
	c.mu.Unlock()

	if product == chatHeadsetProduct {
		return nil
	}

	payload := []byte{
		protocol.AudioCtrlVolume,
		protocol.AudioVolumeUnmuted,
		100,
		0x00,
		100,
		0x00,
		0x00, 0x00,
	}
	return c.SendPacket(protocol.CmdAudioControl, protocol.FlagInternal, payload)
}

// SendAudioSamples stamps the adapter's audio packet count of GIP
// headers over one 8 ms PCM buffer and submits it on the audio
// endpoint. Each packet draws a fresh non-zero audio sequence number.
func (c *Client) SendAudioSamples(samples []byte) error {
	a := c.adapter

	c.mu.Lock()
	cfg := c.audioOut
	c.mu.Unlock()

	if !cfg.Valid {
		return fmt.Errorf("audio not negotiated: %w", ErrProtocol)
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	buf, err := a.ops.GetBuffer(transport.BufferAudio)
	if err != nil {
		return err
	}

	needed := a.audioPacketCount * cfg.PacketSize
	if buf.Length < needed {
		return fmt.Errorf("audio buffer of %d bytes: %w", needed, transport.ErrNoSpace)
	}

	pos := 0
	for i := 0; i < a.audioPacketCount; i++ {
		hdr := &protocol.Header{
			Command:  protocol.CmdAudioSamples,
			ClientID: c.id,
			Flags:    protocol.FlagInternal,
			Sequence: a.nextSequence(transport.BufferAudio),
			Length:   audio.SampleHeaderLen + cfg.FragmentSize,
		}

		wire, err := hdr.Serialize()
		if err != nil {
			return err
		}

		copy(buf.Data[pos:], wire)
		pos += len(wire)

		audio.EncodeSampleHeader(buf.Data[pos:pos+audio.SampleHeaderLen], cfg.FragmentSize)
		pos += audio.SampleHeaderLen

		copy(buf.Data[pos:pos+cfg.FragmentSize], samples[i*cfg.FragmentSize:])
		pos += cfg.FragmentSize
	}
	buf.Length = pos

	// always fails on adapter removal
	if err := a.ops.SubmitBuffer(buf); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SendAudioSamples",
			"adapter":  a.id,
			"client":   c.id,
			"error":    err.Error(),
		}).Debug("Submit buffer failed")
		return err
	}

	return nil
}

// EnableAudio activates the transport's audio sub-channel.
func (c *Client) EnableAudio() error {
	if err := c.adapter.ops.EnableAudio(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "EnableAudio",
			"adapter":  c.adapter.id,
			"client":   c.id,
			"error":    err.Error(),
		}).Error("Enable audio failed")
		return err
	}
	return nil
}

// InitAudioIn prepares the device-to-host audio stream.
func (c *Client) InitAudioIn() error {
	return c.adapter.ops.InitAudioIn()
}

// InitAudioOut prepares the host-to-device audio stream with the
// negotiated packet size.
func (c *Client) InitAudioOut() error {
	c.mu.Lock()
	packetSize := c.audioOut.PacketSize
	c.mu.Unlock()

	return c.adapter.ops.InitAudioOut(packetSize)
}

// DisableAudio shuts the audio sub-channel down. Failures are expected
// during adapter removal and only logged.
func (c *Client) DisableAudio() {
	if err := c.adapter.ops.DisableAudio(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DisableAudio",
			"adapter":  c.adapter.id,
			"client":   c.id,
			"error":    err.Error(),
		}).Debug("Disable audio failed")
	}
}
