package gip

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gip/audio"
	"github.com/opd-ai/gip/protocol"
)

// announceLen is the fixed size of an announce payload.
const announceLen = 28

// handlePacket dispatches a reassembled or coherent payload by command.
func (c *Client) handlePacket(hdr *protocol.Header, payload []byte) error {
	switch hdr.Command {
	case protocol.CmdAcknowledge:
		// ignore acknowledgements
		return nil
	case protocol.CmdAnnounce:
		return c.handleAnnounce(payload)
	case protocol.CmdStatus:
		return c.handleStatus(payload)
	case protocol.CmdIdentify:
		return c.handleIdentify(payload)
	case protocol.CmdVirtualKey:
		return c.handleVirtualKey(payload)
	case protocol.CmdAuthenticate:
		return c.handleAuthenticate(payload)
	case protocol.CmdAudioControl:
		return c.handleAudioControl(payload)
	case protocol.CmdHIDReport:
		return c.handleHIDReport(payload)
	case protocol.CmdInput:
		return c.handleInput(payload)
	case protocol.CmdAudioSamples:
		return c.handleAudioSamples(payload)
	}

	logrus.WithFields(logrus.Fields{
		"function": "handlePacket",
		"adapter":  c.adapter.id,
		"client":   c.id,
		"command":  fmt.Sprintf("0x%02x", byte(hdr.Command)),
	}).Warn("Unknown command")

	return nil
}

// handleAnnounce parses the hardware identity and requests
// identification. Only a freshly connected client may announce.
func (c *Client) handleAnnounce(payload []byte) error {
	if len(payload) != announceLen {
		return fmt.Errorf("announce of %d bytes: %w", len(payload), ErrProtocol)
	}

	if c.State() != StateConnected {
		logrus.WithFields(logrus.Fields{
			"function": "handleAnnounce",
			"adapter":  c.adapter.id,
			"client":   c.id,
			"state":    c.State().String(),
		}).Warn("Announce in invalid state")
		return nil
	}

	hw := Hardware{}
	copy(hw.Address[:], payload[0:6])
	hw.Vendor = binary.LittleEndian.Uint16(payload[8:10])
	hw.Product = binary.LittleEndian.Uint16(payload[10:12])
	hw.FirmwareVersion = parseVersion(payload[12:20])
	hw.HardwareVersion = parseVersion(payload[20:28])

	c.mu.Lock()
	c.hardware = hw
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleAnnounce",
		"adapter":  c.adapter.id,
		"client":   c.id,
		"address":  fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", hw.Address[0], hw.Address[1], hw.Address[2], hw.Address[3], hw.Address[4], hw.Address[5]),
		"vendor":   fmt.Sprintf("0x%04x", hw.Vendor),
		"product":  fmt.Sprintf("0x%04x", hw.Product),
		"firmware": hw.FirmwareVersion.String(),
		"hardware": hw.HardwareVersion.String(),
	}).Info("Client announced")

	c.setState(StateAnnounced)

	return c.requestIdentification()
}

func parseVersion(data []byte) Version {
	return Version{
		Major:    binary.LittleEndian.Uint16(data[0:2]),
		Minor:    binary.LittleEndian.Uint16(data[2:4]),
		Build:    binary.LittleEndian.Uint16(data[4:6]),
		Revision: binary.LittleEndian.Uint16(data[6:8]),
	}
}

// handleStatus drives disconnection and surfaces battery state. Status
// is accepted in every state.
func (c *Client) handleStatus(payload []byte) error {
	if len(payload) < 1 {
		return fmt.Errorf("empty status: %w", ErrProtocol)
	}

	status := payload[0]

	if !protocol.StatusConnected(status) {
		// schedule client removal
		logrus.WithFields(logrus.Fields{
			"function": "handleStatus",
			"adapter":  c.adapter.id,
			"client":   c.id,
		}).Info("Client disconnected")
		c.adapter.unregisterClient(c)
		return nil
	}

	typ, level := protocol.DecodeBattery(status)

	return c.dispatchDriver(func(drv *Driver) error {
		if drv.Ops.Battery == nil {
			return nil
		}
		return drv.Ops.Battery(c, typ, level)
	})
}

// handleIdentify parses the capability tables and schedules driver
// registration. Only an announced client may identify.
func (c *Client) handleIdentify(payload []byte) error {
	if c.State() != StateAnnounced {
		logrus.WithFields(logrus.Fields{
			"function": "handleIdentify",
			"adapter":  c.adapter.id,
			"client":   c.id,
			"state":    c.State().String(),
		}).Warn("Identify in invalid state")
		return nil
	}

	identity, err := parseIdentify(payload)
	if err != nil {
		c.freeIdentity()
		return err
	}

	c.mu.Lock()
	c.identity = *identity
	c.mu.Unlock()

	// schedule client registration
	c.adapter.registerClient(c)

	return nil
}

// handleVirtualKey forwards the guide button to the driver.
func (c *Client) handleVirtualKey(payload []byte) error {
	if len(payload) != 2 {
		return fmt.Errorf("virtual key of %d bytes: %w", len(payload), ErrProtocol)
	}

	pressed := payload[0] != 0

	return c.dispatchDriver(func(drv *Driver) error {
		if drv.Ops.GuideButton == nil {
			return nil
		}
		return drv.Ops.GuideButton(c, pressed)
	})
}

// handleAuthenticate feeds handshake traffic to the driver's
// authentication engine.
func (c *Client) handleAuthenticate(payload []byte) error {
	return c.dispatchDriver(func(drv *Driver) error {
		if drv.Ops.Authenticate == nil {
			return nil
		}
		return drv.Ops.Authenticate(c, payload)
	})
}

// handleAudioControl dispatches on the audio control subcommand.
func (c *Client) handleAudioControl(payload []byte) error {
	if len(payload) < 1 {
		return fmt.Errorf("empty audio control: %w", ErrProtocol)
	}

	switch payload[0] {
	case protocol.AudioCtrlFormatChat:
		return c.handleAudioFormatChat(payload)
	case protocol.AudioCtrlVolumeChat:
		return c.handleAudioVolumeChat(payload)
	case protocol.AudioCtrlFormat:
		return c.handleAudioFormat(payload)
	case protocol.AudioCtrlVolume:
		return c.handleAudioVolume(payload)
	}

	return fmt.Errorf("audio control subcommand 0x%02x: %w", payload[0], ErrProtocol)
}

// handleAudioFormatChat accepts the fixed chat headset format reply.
func (c *Client) handleAudioFormatChat(payload []byte) error {
	if len(payload) != 2 {
		return fmt.Errorf("chat format of %d bytes: %w", len(payload), ErrProtocol)
	}

	c.mu.Lock()
	inFormat, outFormat := c.audioIn.Format, c.audioOut.Format
	valid := c.audioIn.Valid || c.audioOut.Valid
	c.mu.Unlock()

	// chat headsets confirm with the fixed chat format code
	if protocol.AudioFormat(payload[1]) != protocol.FormatChat16KHz || valid {
		return fmt.Errorf("chat format reply 0x%02x: %w", payload[1], ErrProtocol)
	}

	if err := c.makeAudioConfigs(inFormat, outFormat); err != nil {
		return err
	}

	return c.dispatchDriver(func(drv *Driver) error {
		if drv.Ops.AudioReady == nil {
			return nil
		}
		return drv.Ops.AudioReady(c)
	})
}

// handleAudioVolumeChat forwards a chat headset volume report.
func (c *Client) handleAudioVolumeChat(payload []byte) error {
	if len(payload) != 5 {
		return fmt.Errorf("chat volume of %d bytes: %w", len(payload), ErrProtocol)
	}

	in, out := payload[4], payload[3]

	return c.dispatchDriver(func(drv *Driver) error {
		if drv.Ops.AudioVolume == nil {
			return nil
		}
		return drv.Ops.AudioVolume(c, in, out)
	})
}

// handleAudioFormat completes format negotiation: an echo of the
// suggested formats is an acceptance, anything else is a
// counter-proposal the host re-accepts.
func (c *Client) handleAudioFormat(payload []byte) error {
	if len(payload) != 3 {
		return fmt.Errorf("audio format of %d bytes: %w", len(payload), ErrProtocol)
	}

	in := protocol.AudioFormat(payload[1])
	out := protocol.AudioFormat(payload[2])

	c.mu.Lock()
	inFormat, outFormat := c.audioIn.Format, c.audioOut.Format
	valid := c.audioIn.Valid || c.audioOut.Valid
	c.mu.Unlock()

	// format has already been accepted
	if valid {
		return fmt.Errorf("format reply after acceptance: %w", ErrProtocol)
	}

	// client rejected the suggestion, accept its counter-proposal
	if in != inFormat || out != outFormat {
		logrus.WithFields(logrus.Fields{
			"function": "handleAudioFormat",
			"adapter":  c.adapter.id,
			"client":   c.id,
			"in":       fmt.Sprintf("0x%02x", byte(in)),
			"out":      fmt.Sprintf("0x%02x", byte(out)),
		}).Warn("Suggested format rejected")
		return c.SuggestAudioFormat(in, out)
	}

	if err := c.makeAudioConfigs(in, out); err != nil {
		return err
	}

	return c.dispatchDriver(func(drv *Driver) error {
		if drv.Ops.AudioReady == nil {
			return nil
		}
		return drv.Ops.AudioReady(c)
	})
}

// handleAudioVolume forwards a device volume report.
func (c *Client) handleAudioVolume(payload []byte) error {
	if len(payload) != 8 {
		return fmt.Errorf("audio volume of %d bytes: %w", len(payload), ErrProtocol)
	}

	in, out := payload[4], payload[2]

	return c.dispatchDriver(func(drv *Driver) error {
		if drv.Ops.AudioVolume == nil {
			return nil
		}
		return drv.Ops.AudioVolume(c, in, out)
	})
}

// makeAudioConfigs derives both directions and marks them valid; this
// gates the driver's audio-ready callback.
func (c *Client) makeAudioConfigs(in, out protocol.AudioFormat) error {
	inCfg, err := audio.NewConfig(in, c.adapter.audioPacketCount)
	if err != nil {
		return err
	}
	outCfg, err := audio.NewConfig(out, c.adapter.audioPacketCount)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.audioIn = inCfg
	c.audioOut = outCfg
	c.mu.Unlock()

	return nil
}

// handleHIDReport forwards an opaque HID report to the driver.
func (c *Client) handleHIDReport(payload []byte) error {
	return c.dispatchDriver(func(drv *Driver) error {
		if drv.Ops.HIDReport == nil {
			return nil
		}
		return drv.Ops.HIDReport(c, payload)
	})
}

// handleInput forwards an input report to the driver.
func (c *Client) handleInput(payload []byte) error {
	return c.dispatchDriver(func(drv *Driver) error {
		if drv.Ops.Input == nil {
			return nil
		}
		return drv.Ops.Input(c, payload)
	})
}

// handleAudioSamples strips the sample header and forwards the PCM
// bytes to the driver.
func (c *Client) handleAudioSamples(payload []byte) error {
	pcm := audio.StripSampleHeader(payload)
	if pcm == nil {
		return fmt.Errorf("audio samples of %d bytes: %w", len(payload), ErrProtocol)
	}

	return c.dispatchDriver(func(drv *Driver) error {
		if drv.Ops.AudioSamples == nil {
			return nil
		}
		return drv.Ops.AudioSamples(c, pcm)
	})
}
