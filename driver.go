package gip

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gip/protocol"
)

// DriverOps are the inbound callbacks a driver may implement. Nil
// entries are skipped.
type DriverOps struct {
	Battery      func(client *Client, typ protocol.BatteryType, level protocol.BatteryLevel) error
	GuideButton  func(client *Client, pressed bool) error
	Authenticate func(client *Client, data []byte) error
	AudioReady   func(client *Client) error
	AudioVolume  func(client *Client, in, out uint8) error
	HIDReport    func(client *Client, data []byte) error
	Input        func(client *Client, data []byte) error
	AudioSamples func(client *Client, data []byte) error
}

// Driver handles one device class on the bus.
type Driver struct {
	// Name identifies the driver in logs.
	Name string

	// Class is the class string matched against a client's identify
	// tables, e.g. "Windows.Xbox.Input.Gamepad".
	Class string

	Ops DriverOps

	// Probe binds the driver to a matched client. An error leaves the
	// client unbound.
	Probe func(client *Client) error

	// Remove releases driver state. May be nil.
	Remove func(client *Client)
}

var (
	driversMu sync.RWMutex
	drivers   []*Driver
)

// RegisterDriver adds a driver to the global registry. Registering a
// second driver for the same class fails with ErrDriverConflict.
func RegisterDriver(drv *Driver) error {
	driversMu.Lock()
	defer driversMu.Unlock()

	for _, existing := range drivers {
		if existing.Class == drv.Class {
			return ErrDriverConflict
		}
	}
	drivers = append(drivers, drv)

	logrus.WithFields(logrus.Fields{
		"function": "RegisterDriver",
		"driver":   drv.Name,
		"class":    drv.Class,
	}).Info("Driver registered")

	return nil
}

// UnregisterDriver removes a driver from the registry. Clients bound to
// it keep their binding until they disconnect.
func UnregisterDriver(drv *Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()

	for i, existing := range drivers {
		if existing == drv {
			drivers = append(drivers[:i], drivers[i+1:]...)
			return
		}
	}
}

// matchDriver returns the first registered driver whose class string
// appears in the client's class list.
func matchDriver(classes []string) *Driver {
	driversMu.RLock()
	defer driversMu.RUnlock()

	for _, drv := range drivers {
		for _, class := range classes {
			if class == drv.Class {
				return drv
			}
		}
	}
	return nil
}

// bindDriver runs on the adapter's ordered queue when a client enters
// the Identified state. Unmatched clients remain on the bus without a
// driver.
func bindDriver(client *Client) {
	if client.State() != StateIdentified {
		return
	}

	drv := matchDriver(client.Classes())
	if drv == nil {
		logrus.WithFields(logrus.Fields{
			"function": "bindDriver",
			"adapter":  client.adapter.id,
			"client":   client.id,
		}).Debug("No driver matched")
		return
	}

	client.drvMu.Lock()
	defer client.drvMu.Unlock()

	if err := drv.Probe(client); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "bindDriver",
			"adapter":  client.adapter.id,
			"client":   client.id,
			"driver":   drv.Name,
			"error":    err.Error(),
		}).Error("Driver probe failed")
		return
	}

	client.mu.Lock()
	client.driver = drv
	client.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "bindDriver",
		"adapter":  client.adapter.id,
		"client":   client.id,
		"driver":   drv.Name,
	}).Info("Driver bound")
}

// unbindDriver runs on the adapter's ordered queue when a client is
// removed. It blocks until any in-flight dispatch into the driver has
// returned.
func unbindDriver(client *Client) {
	client.mu.Lock()
	drv := client.driver
	client.driver = nil
	client.mu.Unlock()

	client.freeIdentity()

	if drv == nil {
		return
	}

	client.drvMu.Lock()
	defer client.drvMu.Unlock()

	if drv.Remove != nil {
		drv.Remove(client)
	}

	logrus.WithFields(logrus.Fields{
		"function": "unbindDriver",
		"adapter":  client.adapter.id,
		"client":   client.id,
		"driver":   drv.Name,
	}).Info("Driver unbound")
}

// dispatchDriver runs op against the client's driver under the driver
// lock, so removal waits for the callback to return.
func (c *Client) dispatchDriver(op func(drv *Driver) error) error {
	c.mu.Lock()
	drv := c.driver
	c.mu.Unlock()

	if drv == nil {
		return nil
	}

	c.drvMu.Lock()
	defer c.drvMu.Unlock()

	// driver may have been unbound while waiting
	c.mu.Lock()
	drv = c.driver
	c.mu.Unlock()
	if drv == nil {
		return nil
	}

	return op(drv)
}
