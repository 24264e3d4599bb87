package gip

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gip/audio"
	"github.com/opd-ai/gip/protocol"
)

// State is the lifecycle state of a client.
type State uint8

const (
	// StateConnected is the initial state of a client slot.
	StateConnected State = iota
	// StateAnnounced is entered when the client announces its hardware.
	StateAnnounced
	// StateIdentified is entered when the identify reply has been parsed.
	StateIdentified
	// StateDisconnected is terminal; removal is scheduled.
	StateDisconnected
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAnnounced:
		return "announced"
	case StateIdentified:
		return "identified"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Version is a four-part firmware or hardware version.
type Version struct {
	Major    uint16
	Minor    uint16
	Build    uint16
	Revision uint16
}

// String formats the version the way devices report it.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Build, v.Revision)
}

// Hardware is the identity a client reports in its announce packet.
type Hardware struct {
	Address         [6]byte
	Vendor          uint16
	Product         uint16
	FirmwareVersion Version
	HardwareVersion Version
}

// AudioFormatPair is one advertised (in, out) audio format combination.
type AudioFormatPair struct {
	In  protocol.AudioFormat
	Out protocol.AudioFormat
}

// Identity holds the tables parsed from an identify reply. Absent
// tables are nil.
type Identity struct {
	// ExternalCommands is the raw command descriptor table, 24 bytes per
	// entry.
	ExternalCommands []byte

	// FirmwareVersions is the raw firmware version table, 4 bytes per
	// entry.
	FirmwareVersions []byte

	AudioFormats    []AudioFormatPair
	CapabilitiesOut []byte
	CapabilitiesIn  []byte
	Classes         []string
	Interfaces      [][16]byte
	HIDDescriptor   []byte
}

// chunkBuffer is the one-slot reassembly buffer of a client.
type chunkBuffer struct {
	length int
	full   bool
	data   []byte
}

// Client is one of the up to sixteen logical peers behind an adapter.
type Client struct {
	id      uint8
	adapter *Adapter

	// mu guards state, driver pointer and the chunk buffer.
	mu       sync.Mutex
	state    State
	chunkBuf *chunkBuffer
	driver   *Driver

	// drvMu serialises probe/remove against in-flight dispatch into
	// driver ops.
	drvMu sync.Mutex

	hardware Hardware
	identity Identity

	audioIn  audio.Config
	audioOut audio.Config
}

func newClient(adapter *Adapter, id uint8) *Client {
	client := &Client{
		id:      id,
		adapter: adapter,
		state:   StateConnected,
	}

	logrus.WithFields(logrus.Fields{
		"function": "newClient",
		"adapter":  adapter.id,
		"client":   id,
	}).Debug("Client initialized")

	return client
}

// ID returns the client id (0..15).
func (c *Client) ID() uint8 {
	return c.id
}

// Adapter returns the owning adapter.
func (c *Client) Adapter() *Adapter {
	return c.adapter
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	old := c.state
	c.state = state
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "setState",
		"adapter":  c.adapter.id,
		"client":   c.id,
		"old":      old.String(),
		"new":      state.String(),
	}).Info("Client state changed")
}

// Hardware returns the announced hardware identity.
func (c *Client) Hardware() Hardware {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hardware
}

// Identity returns the parsed identify tables. Valid once the client is
// identified.
func (c *Client) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Classes returns the class strings used for driver matching.
func (c *Client) Classes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.identity.Classes...)
}

// Driver returns the bound driver, or nil.
func (c *Client) Driver() *Driver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.driver
}

// AudioConfigIn returns the negotiated device-to-host audio config.
func (c *Client) AudioConfigIn() audio.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioIn
}

// AudioConfigOut returns the negotiated host-to-device audio config.
func (c *Client) AudioConfigOut() audio.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioOut
}

// SetEncryptionKey installs the session key on the transport. Called by
// the authentication engine after a successful handshake.
func (c *Client) SetEncryptionKey(key []byte) error {
	logrus.WithFields(logrus.Fields{
		"function": "SetEncryptionKey",
		"adapter":  c.adapter.id,
		"client":   c.id,
	}).Info("Installing session key")

	return c.adapter.ops.SetEncryptionKey(key)
}

// freeIdentity drops the parsed identify tables and audio configs, used
// when a parse fails partway or the client disconnects.
func (c *Client) freeIdentity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = Identity{}
	c.audioIn = audio.Config{}
	c.audioOut = audio.Config{}
}
