// Package chatpad implements the GIP driver for the chatpad keyboard.
//
// The chatpad reports key state through HID reports; the driver
// forwards the raw reports to the embedding application.
package chatpad

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gip"
	"github.com/opd-ai/gip/protocol"
)

// Class is the device class this driver binds to.
const Class = "Windows.Xbox.Input.Chatpad"

// Events are the application callbacks a chatpad surfaces. Nil entries
// are skipped.
type Events struct {
	// HIDReport receives raw reports as the device sends them.
	HIDReport func(report []byte)
}

type registry struct {
	mu     sync.Mutex
	events Events
	bound  map[*gip.Client]Events
}

var state = registry{bound: make(map[*gip.Client]Events)}

// Register installs the chatpad driver on the bus.
func Register(events Events) error {
	state.mu.Lock()
	state.events = events
	state.mu.Unlock()

	return gip.RegisterDriver(&gip.Driver{
		Name:  "gip-chatpad",
		Class: Class,
		Ops: gip.DriverOps{
			HIDReport: opHIDReport,
		},
		Probe:  probe,
		Remove: remove,
	})
}

func probe(client *gip.Client) error {
	state.mu.Lock()
	state.bound[client] = state.events
	state.mu.Unlock()

	if err := client.SetPowerMode(protocol.PowerOn); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "probe",
		"client":    client.ID(),
		"hid_bytes": len(client.Identity().HIDDescriptor),
	}).Info("Chatpad bound")

	return nil
}

func remove(client *gip.Client) {
	state.mu.Lock()
	delete(state.bound, client)
	state.mu.Unlock()
}

func opHIDReport(client *gip.Client, data []byte) error {
	state.mu.Lock()
	events := state.bound[client]
	state.mu.Unlock()

	if events.HIDReport == nil {
		return nil
	}

	report := make([]byte, len(data))
	copy(report, data)
	events.HIDReport(report)

	return nil
}
