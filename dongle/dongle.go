package dongle

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gip"
)

// MaxClients is the number of WCID slots on a dongle.
const MaxClients = 16

// eventQueueDepth bounds pending radio events.
const eventQueueDepth = 128

// Options contains configuration options for creating a Dongle.
type Options struct {
	// AudioPacketCount is passed to every child adapter.
	AudioPacketCount int

	// PairingTimeout is the watchdog that auto-disables pairing.
	PairingTimeout time.Duration

	// PowerOffTimeout bounds the wait for clients to drop during
	// power-off.
	PowerOffTimeout time.Duration
}

// NewOptions creates an Options with default values.
func NewOptions() *Options {
	return &Options{
		AudioPacketCount: 1,
		PairingTimeout:   30 * time.Second,
		PowerOffTimeout:  5 * time.Second,
	}
}

// Dongle demultiplexes a wireless radio into per-WCID GIP streams.
type Dongle struct {
	radio Radio
	opts  Options

	queueMu sync.Mutex
	queue   chan func(*Dongle)
	closed  bool
	wg      sync.WaitGroup

	// pairingMu serialises pairing changes
	pairingMu    sync.Mutex
	pairing      bool
	pairingTimer *time.Timer

	clientsMu sync.RWMutex
	clients   [MaxClients]*Client

	// allGone is signalled when the last client disappears
	allGone chan struct{}
}

// New creates a dongle on top of a radio MAC.
func New(radio Radio, opts *Options) (*Dongle, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if opts.AudioPacketCount < 1 {
		opts.AudioPacketCount = 1
	}
	if opts.PairingTimeout <= 0 {
		opts.PairingTimeout = 30 * time.Second
	}
	if opts.PowerOffTimeout <= 0 {
		opts.PowerOffTimeout = 5 * time.Second
	}

	d := &Dongle{
		radio:   radio,
		opts:    *opts,
		queue:   make(chan func(*Dongle), eventQueueDepth),
		allGone: make(chan struct{}, 1),
	}

	d.wg.Add(1)
	go d.runQueue()

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"address":  formatAddress(radio.Address()),
	}).Info("Dongle initialized")

	return d, nil
}

func (d *Dongle) runQueue() {
	defer d.wg.Done()
	for event := range d.queue {
		event(d)
	}
}

// enqueue appends an event to the ordered queue. Events submitted after
// Close are dropped.
func (d *Dongle) enqueue(event func(*Dongle)) {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()

	if d.closed {
		return
	}
	d.queue <- event
}

// ProcessMessage accepts one raw bulk RX message from the radio. The
// receive path only allocates the event record; parsing and all state
// changes happen on the ordered event queue.
func (d *Dongle) ProcessMessage(data []byte) error {
	if len(data) < cmdHeaderLen*2 {
		return fmt.Errorf("message of %d bytes: %w", len(data), ErrMalformedFrame)
	}

	record := make([]byte, len(data))
	copy(record, data)

	d.enqueue(func(d *Dongle) {
		if err := d.processMessage(record); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ProcessMessage",
				"error":    err.Error(),
			}).Error("Process message failed")
		}
	})

	return nil
}

// processMessage dispatches one parsed bulk message. Runs on the event
// queue.
func (d *Dongle) processMessage(data []byte) error {
	msg, err := parseMessage(data)
	if err != nil {
		return err
	}

	// ignore command responses
	if msg.cmdSeq == 0x01 {
		return nil
	}

	if msg.port == portWLAN {
		return d.processWLAN(msg.payload)
	}
	if msg.port != portCPURX {
		return nil
	}

	switch msg.evtType {
	case evtButton:
		return d.togglePairing(true)
	case evtPacketRX:
		return d.processWLAN(msg.payload)
	case evtClientLost:
		return d.handleClientLost(msg.payload)
	}

	return nil
}

// processWLAN handles one 802.11 frame.
func (d *Dongle) processWLAN(data []byte) error {
	wlan, err := parseWLAN(data)
	if err != nil {
		return err
	}

	frame := wlan.frame
	if len(frame) < hdr3AddrLen {
		return fmt.Errorf("frame of %d bytes: %w", len(frame), ErrMalformedFrame)
	}

	fc := binary.LittleEndian.Uint16(frame[0:2])

	var source [6]byte
	copy(source[:], frame[10:16])

	switch fc & fcTypeSubtypeMask {
	case frameQoSData:
		if len(frame) < hdrQoSLen {
			return fmt.Errorf("qos frame of %d bytes: %w", len(frame), ErrMalformedFrame)
		}
		return d.handleQoSData(wlan.wcid, frame[hdrQoSLen:])
	case frameAssocReq:
		return d.handleAssociation(source)
	case frameDisassoc:
		return d.handleDisassociation(wlan.wcid)
	case frameReserved:
		return d.handlePairRequest(wlan.wcid, source, frame[hdr3AddrLen:])
	}

	return nil
}

// handleQoSData feeds GIP bytes to the client's bus adapter.
func (d *Dongle) handleQoSData(wcid uint8, payload []byte) error {
	client := d.Client(wcid)
	if client == nil {
		return nil
	}

	return client.adapter.ProcessBuffer(payload)
}

// handleAssociation creates a client for a device address: the lowest
// free slot's index + 1 becomes its WCID.
func (d *Dongle) handleAssociation(address [6]byte) error {
	d.clientsMu.Lock()
	slot := -1
	for i := range d.clients {
		if d.clients[i] == nil {
			slot = i
			break
		}
	}
	d.clientsMu.Unlock()

	if slot < 0 {
		logrus.WithFields(logrus.Fields{
			"function": "handleAssociation",
			"address":  formatAddress(address),
		}).Error("All client slots taken")
		return ErrNoWCID
	}

	client := &Client{
		dongle:  d,
		wcid:    uint8(slot + 1),
		address: address,
	}

	adapterOpts := gip.NewOptions()
	adapterOpts.AudioPacketCount = d.opts.AudioPacketCount

	adapter, err := gip.NewAdapter(&clientOps{client: client}, adapterOpts)
	if err != nil {
		return err
	}
	client.adapter = adapter

	if err := d.radio.AssociateClient(client.wcid, address); err != nil {
		adapter.Close()
		return err
	}

	// leave the LED blinking while pairing is active
	d.pairingMu.Lock()
	pairing := d.pairing
	d.pairingMu.Unlock()
	if !pairing {
		if err := d.radio.SetLEDMode(LEDOn); err != nil {
			adapter.Close()
			_ = d.radio.RemoveClient(client.wcid)
			return err
		}
	}

	d.radio.HoldWake()

	d.clientsMu.Lock()
	d.clients[slot] = client
	d.clientsMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleAssociation",
		"wcid":     client.wcid,
		"address":  formatAddress(address),
	}).Info("Client associated")

	return nil
}

// handleDisassociation destroys a client. Repeated disassociations for
// an unknown WCID are a no-op.
func (d *Dongle) handleDisassociation(wcid uint8) error {
	if wcid == 0 || wcid > MaxClients {
		return nil
	}

	d.clientsMu.Lock()
	client := d.clients[wcid-1]
	d.clients[wcid-1] = nil
	remaining := 0
	for _, c := range d.clients {
		if c != nil {
			remaining++
		}
	}
	d.clientsMu.Unlock()

	if client == nil {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleDisassociation",
		"wcid":     wcid,
		"address":  formatAddress(client.address),
	}).Info("Client disassociated")

	client.adapter.Close()

	err := d.radio.RemoveClient(wcid)

	d.radio.ReleaseWake()

	if remaining == 0 {
		d.pairingMu.Lock()
		pairing := d.pairing
		d.pairingMu.Unlock()
		if !pairing {
			if ledErr := d.radio.SetLEDMode(LEDOff); ledErr != nil && err == nil {
				err = ledErr
			}
		}

		// wake any power-off waiter
		select {
		case d.allGone <- struct{}{}:
		default:
		}
	}

	return err
}

// handleClientLost synthesises a disassociation for a lost client.
func (d *Dongle) handleClientLost(payload []byte) error {
	if len(payload) < 1 {
		return fmt.Errorf("client lost event of %d bytes: %w", len(payload), ErrMalformedFrame)
	}

	wcid := payload[0]
	if wcid == 0 || wcid > MaxClients {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleClientLost",
		"wcid":     wcid,
	}).Debug("Client lost")

	return d.handleDisassociation(wcid)
}

// handlePairRequest installs the address of a device asking to pair and
// leaves pairing mode.
func (d *Dongle) handlePairRequest(wcid uint8, address [6]byte, payload []byte) error {
	if len(payload) < 2 {
		return fmt.Errorf("pair request of %d bytes: %w", len(payload), ErrMalformedFrame)
	}

	if payload[1] != 0x01 {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "handlePairRequest",
		"wcid":     wcid,
		"address":  formatAddress(address),
	}).Info("Pair request")

	if err := d.radio.PairClient(address); err != nil {
		return err
	}

	return d.togglePairing(false)
}

// togglePairing flips pairing mode. Enabling while enabled is a no-op;
// enabling arms the auto-off watchdog, disabling cancels it and
// restores the LED to reflect the client count.
func (d *Dongle) togglePairing(enable bool) error {
	d.pairingMu.Lock()
	defer d.pairingMu.Unlock()

	// pairing is already enabled
	if d.pairing && enable {
		return nil
	}
	if !d.pairing && !enable {
		return nil
	}

	if err := d.radio.SetPairing(enable); err != nil {
		return err
	}

	if enable {
		if err := d.radio.SetLEDMode(LEDBlink); err != nil {
			return err
		}

		d.radio.HoldWake()
		d.pairingTimer = time.AfterFunc(d.opts.PairingTimeout, func() {
			d.enqueue(func(d *Dongle) {
				logrus.WithFields(logrus.Fields{
					"function": "togglePairing",
				}).Info("Pairing watchdog expired")
				if err := d.togglePairing(false); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "togglePairing",
						"error":    err.Error(),
					}).Error("Auto-disable failed")
				}
			})
		})
	} else {
		mode := LEDOff
		if d.ClientCount() > 0 {
			mode = LEDOn
		}
		if err := d.radio.SetLEDMode(mode); err != nil {
			return err
		}

		if d.pairingTimer != nil {
			d.pairingTimer.Stop()
			d.pairingTimer = nil
		}
		d.radio.ReleaseWake()
	}

	logrus.WithFields(logrus.Fields{
		"function": "togglePairing",
		"enabled":  enable,
	}).Info("Pairing changed")

	d.pairing = enable

	return nil
}

// SetPairing changes pairing mode from outside the event queue (the
// sysfs/CLI surface).
func (d *Dongle) SetPairing(enable bool) error {
	return d.togglePairing(enable)
}

// Pairing reports whether pairing mode is active.
func (d *Dongle) Pairing() bool {
	d.pairingMu.Lock()
	defer d.pairingMu.Unlock()
	return d.pairing
}

// Client returns the client at a WCID, or nil.
func (d *Dongle) Client(wcid uint8) *Client {
	if wcid == 0 || wcid > MaxClients {
		return nil
	}
	d.clientsMu.RLock()
	defer d.clientsMu.RUnlock()
	return d.clients[wcid-1]
}

// ClientCount returns the number of associated clients.
func (d *Dongle) ClientCount() int {
	d.clientsMu.RLock()
	defer d.clientsMu.RUnlock()

	count := 0
	for _, client := range d.clients {
		if client != nil {
			count++
		}
	}
	return count
}

// transmit wraps GIP bytes for a client and hands the prepared command
// packet to the radio.
func (d *Dongle) transmit(client *Client, queue byte, payload []byte) error {
	qos := buildQoSHeader(client.address, d.radio.Address(), client.Encrypted())

	frame := make([]byte, 0, wcidDescriptorLen+txwiLen+len(qos)+qosPadLen+len(payload))
	frame = append(frame, buildWCIDDescriptor(client.wcid, queue)...)
	frame = append(frame, buildTXWI(len(qos)+len(payload))...)
	frame = append(frame, qos...)
	frame = append(frame, 0x00, 0x00)
	frame = append(frame, payload...)

	return d.radio.Transmit(wrapCommand(frame))
}

// PowerOff powers every client down and waits for the slots to drain.
// The timeout surfaces as an error but teardown may proceed.
func (d *Dongle) PowerOff() error {
	d.clientsMu.RLock()
	clients := make([]*Client, 0, MaxClients)
	for _, client := range d.clients {
		if client != nil {
			clients = append(clients, client)
		}
	}
	d.clientsMu.RUnlock()

	for _, client := range clients {
		if err := client.adapter.PowerOff(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "PowerOff",
				"wcid":     client.wcid,
				"error":    err.Error(),
			}).Warn("Power off request failed")
		}
	}

	deadline := time.NewTimer(d.opts.PowerOffTimeout)
	defer deadline.Stop()

	for d.ClientCount() > 0 {
		select {
		case <-d.allGone:
		case <-deadline.C:
			return fmt.Errorf("%d clients still connected: %w", d.ClientCount(), ErrClosed)
		}
	}

	return nil
}

// Close tears the dongle down: the pairing watchdog is cancelled, the
// event queue drained, and every client destroyed.
func (d *Dongle) Close() {
	d.queueMu.Lock()
	if d.closed {
		d.queueMu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.queueMu.Unlock()

	d.wg.Wait()

	d.pairingMu.Lock()
	if d.pairingTimer != nil {
		d.pairingTimer.Stop()
		d.pairingTimer = nil
	}
	pairing := d.pairing
	d.pairing = false
	d.pairingMu.Unlock()
	if pairing {
		d.radio.ReleaseWake()
	}

	for wcid := uint8(1); wcid <= MaxClients; wcid++ {
		d.clientsMu.Lock()
		client := d.clients[wcid-1]
		d.clients[wcid-1] = nil
		d.clientsMu.Unlock()

		if client == nil {
			continue
		}

		client.adapter.Close()
		_ = d.radio.RemoveClient(wcid)
		d.radio.ReleaseWake()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("Dongle destroyed")
}

func formatAddress(address [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		address[0], address[1], address[2], address[3], address[4], address[5])
}
