// Package gamepad implements the GIP driver for Xbox gamepads.
//
// The driver decodes input reports, routes the guide button and
// battery state to the embedding application, exposes the rumble
// motors, and runs the authentication handshake after probe.
package gamepad

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gip"
	"github.com/opd-ai/gip/auth"
	"github.com/opd-ai/gip/protocol"
)

// Class is the device class this driver binds to.
const Class = "Windows.Xbox.Input.Gamepad"

// inputLen is the size of a standard input report.
const inputLen = 14

// rumbleMotorsAll selects both rumble motors and both trigger motors.
const rumbleMotorsAll = 0x0f

// Button bits of an input report.
const (
	BtnMenu    = 1 << 2
	BtnView    = 1 << 3
	BtnA       = 1 << 4
	BtnB       = 1 << 5
	BtnX       = 1 << 6
	BtnY       = 1 << 7
	BtnDpadU   = 1 << 8
	BtnDpadD   = 1 << 9
	BtnDpadL   = 1 << 10
	BtnDpadR   = 1 << 11
	BtnBumperL = 1 << 12
	BtnBumperR = 1 << 13
	BtnStickL  = 1 << 14
	BtnStickR  = 1 << 15
)

// InputState is one decoded input report.
type InputState struct {
	Buttons      uint16
	TriggerLeft  uint16
	TriggerRight uint16
	StickLeftX   int16
	StickLeftY   int16
	StickRightX  int16
	StickRightY  int16
}

// Events are the application callbacks a gamepad surfaces. Nil entries
// are skipped.
type Events struct {
	Input       func(state InputState)
	GuideButton func(pressed bool)
	Battery     func(typ protocol.BatteryType, level protocol.BatteryLevel)
}

// Gamepad is the per-client driver state.
type Gamepad struct {
	client *gip.Client
	engine *auth.Engine
	events Events
}

type registry struct {
	mu       sync.Mutex
	gamepads map[*gip.Client]*Gamepad
	events   Events
}

var state = registry{gamepads: make(map[*gip.Client]*Gamepad)}

// Register installs the gamepad driver on the bus. The events are
// shared by every gamepad the driver binds.
func Register(events Events) error {
	state.mu.Lock()
	state.events = events
	state.mu.Unlock()

	return gip.RegisterDriver(&gip.Driver{
		Name:  "gip-gamepad",
		Class: Class,
		Ops: gip.DriverOps{
			Battery:      opBattery,
			GuideButton:  opGuideButton,
			Authenticate: opAuthenticate,
			Input:        opInput,
		},
		Probe:  probe,
		Remove: remove,
	})
}

func lookup(client *gip.Client) *Gamepad {
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.gamepads[client]
}

func probe(client *gip.Client) error {
	pad := &Gamepad{
		client: client,
		engine: auth.NewEngine(client),
	}

	state.mu.Lock()
	pad.events = state.events
	state.gamepads[client] = pad
	state.mu.Unlock()

	if err := client.SetPowerMode(protocol.PowerOn); err != nil {
		return err
	}

	if err := client.SetLEDMode(protocol.LEDOn, 20); err != nil {
		return err
	}

	if err := pad.engine.Start(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "probe",
			"client":   client.ID(),
			"error":    err.Error(),
		}).Error("Handshake start failed")
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "probe",
		"client":   client.ID(),
		"vendor":   fmt.Sprintf("0x%04x", client.Hardware().Vendor),
		"product":  fmt.Sprintf("0x%04x", client.Hardware().Product),
	}).Info("Gamepad bound")

	return nil
}

func remove(client *gip.Client) {
	state.mu.Lock()
	pad := state.gamepads[client]
	delete(state.gamepads, client)
	state.mu.Unlock()

	if pad != nil {
		pad.engine.Close()
	}
}

func opBattery(client *gip.Client, typ protocol.BatteryType, level protocol.BatteryLevel) error {
	pad := lookup(client)
	if pad == nil || pad.events.Battery == nil {
		return nil
	}
	pad.events.Battery(typ, level)
	return nil
}

func opGuideButton(client *gip.Client, pressed bool) error {
	pad := lookup(client)
	if pad == nil || pad.events.GuideButton == nil {
		return nil
	}
	pad.events.GuideButton(pressed)
	return nil
}

func opAuthenticate(client *gip.Client, data []byte) error {
	pad := lookup(client)
	if pad == nil {
		return nil
	}
	return pad.engine.ProcessPacket(data)
}

func opInput(client *gip.Client, data []byte) error {
	if len(data) < inputLen {
		return fmt.Errorf("input report of %d bytes", len(data))
	}

	pad := lookup(client)
	if pad == nil || pad.events.Input == nil {
		return nil
	}

	pad.events.Input(InputState{
		Buttons:      binary.LittleEndian.Uint16(data[0:2]),
		TriggerLeft:  binary.LittleEndian.Uint16(data[2:4]),
		TriggerRight: binary.LittleEndian.Uint16(data[4:6]),
		StickLeftX:   int16(binary.LittleEndian.Uint16(data[6:8])),
		StickLeftY:   int16(binary.LittleEndian.Uint16(data[8:10])),
		StickRightX:  int16(binary.LittleEndian.Uint16(data[10:12])),
		StickRightY:  int16(binary.LittleEndian.Uint16(data[12:14])),
	})

	return nil
}

// SetRumble drives the motors of a bound gamepad. Values range 0..100.
func SetRumble(client *gip.Client, leftTrigger, rightTrigger, left, right uint8) error {
	payload := []byte{
		0x00,
		rumbleMotorsAll,
		leftTrigger,
		rightTrigger,
		left,
		right,
		0xff, // duration
		0x00, // delay
		0x00, // repeat
	}
	return client.SendRumble(payload)
}
