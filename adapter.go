package gip

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gip/protocol"
	"github.com/opd-ai/gip/transport"
)

// MaxClients is the number of logical client slots behind an adapter.
const MaxClients = 16

// stateQueueDepth bounds the pending lifecycle tasks of an adapter.
const stateQueueDepth = 64

var nextAdapterID atomic.Int64

// Adapter is one GIP transport instance multiplexing up to sixteen
// clients. Lifecycle transitions (driver registration, removal) are
// serialised on a single ordered task queue; transmit sequence numbers
// are allocated under a lock so the peer observes strictly monotonic
// sequences per stream.
type Adapter struct {
	id  int
	ops transport.Ops

	audioPacketCount int

	// sendMu serialises sequence allocation and buffer submission.
	sendMu   sync.Mutex
	dataSeq  uint8
	audioSeq uint8

	clientsMu sync.RWMutex
	clients   [MaxClients]*Client

	queueMu sync.Mutex
	queue   chan func()
	closed  bool
	wg      sync.WaitGroup
}

// NewAdapter creates an adapter on top of the given transport.
func NewAdapter(ops transport.Ops, opts *Options) (*Adapter, error) {
	if opts == nil {
		opts = NewOptions()
	}

	id := opts.ID
	if id < 0 {
		id = int(nextAdapterID.Add(1) - 1)
	}

	audioPkts := opts.AudioPacketCount
	if audioPkts < 1 {
		audioPkts = 1
	}

	adapter := &Adapter{
		id:               id,
		ops:              ops,
		audioPacketCount: audioPkts,
		queue:            make(chan func(), stateQueueDepth),
	}

	adapter.wg.Add(1)
	go adapter.runQueue()

	logrus.WithFields(logrus.Fields{
		"function":   "NewAdapter",
		"adapter":    id,
		"audio_pkts": audioPkts,
	}).Info("Adapter registered")

	return adapter, nil
}

// ID returns the adapter id used in log fields.
func (a *Adapter) ID() int {
	return a.id
}

// AudioPacketCount returns the number of audio packets per 8 ms buffer.
func (a *Adapter) AudioPacketCount() int {
	return a.audioPacketCount
}

// runQueue executes lifecycle tasks in submission order.
func (a *Adapter) runQueue() {
	defer a.wg.Done()
	for task := range a.queue {
		task()
	}
}

// queueTask appends a lifecycle task to the ordered queue. Tasks
// submitted after Close are dropped.
func (a *Adapter) queueTask(task func()) {
	a.queueMu.Lock()
	defer a.queueMu.Unlock()

	if a.closed {
		return
	}
	a.queue <- task
}

// nextSequence draws the next non-zero sequence number from the data or
// audio counter. Callers hold sendMu.
func (a *Adapter) nextSequence(kind transport.BufferKind) uint8 {
	counter := &a.dataSeq
	if kind == transport.BufferAudio {
		counter = &a.audioSeq
	}

	var seq uint8
	for seq == 0 {
		seq = *counter
		*counter++
	}
	return seq
}

// getOrInitClient resolves the client slot for an id, creating it in
// the Connected state on first contact.
func (a *Adapter) getOrInitClient(id uint8) *Client {
	a.clientsMu.Lock()
	defer a.clientsMu.Unlock()

	client := a.clients[id]
	if client == nil {
		client = newClient(a, id)
		a.clients[id] = client
	}
	return client
}

// Client returns the client at a slot, or nil.
func (a *Adapter) Client(id uint8) *Client {
	if id >= MaxClients {
		return nil
	}
	a.clientsMu.RLock()
	defer a.clientsMu.RUnlock()
	return a.clients[id]
}

// ClientCount returns the number of occupied client slots.
func (a *Adapter) ClientCount() int {
	a.clientsMu.RLock()
	defer a.clientsMu.RUnlock()

	count := 0
	for _, client := range a.clients {
		if client != nil {
			count++
		}
	}
	return count
}

// registerClient schedules driver matching for a freshly identified
// client.
func (a *Adapter) registerClient(client *Client) {
	client.setState(StateIdentified)
	a.queueTask(func() { bindDriver(client) })
}

// unregisterClient removes a client from its slot and schedules driver
// removal. A client never sees a dispatch after its removal task has
// run: the slot is cleared first, so later packets for the id create a
// fresh client.
func (a *Adapter) unregisterClient(client *Client) {
	a.clientsMu.Lock()
	if a.clients[client.id] == client {
		a.clients[client.id] = nil
	}
	a.clientsMu.Unlock()

	client.setState(StateDisconnected)
	a.queueTask(func() { unbindDriver(client) })
}

// PowerOff sends a power-off request to the main client.
func (a *Adapter) PowerOff() error {
	client := a.Client(0)
	if client == nil {
		return nil
	}
	return client.SetPowerMode(protocol.PowerOff)
}

// Close tears down the adapter: pending lifecycle tasks are flushed,
// then every remaining client is removed.
func (a *Adapter) Close() {
	a.queueMu.Lock()
	if a.closed {
		a.queueMu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.queueMu.Unlock()

	a.wg.Wait()

	for i := MaxClients - 1; i >= 0; i-- {
		a.clientsMu.Lock()
		client := a.clients[i]
		a.clients[i] = nil
		a.clientsMu.Unlock()

		if client == nil {
			continue
		}
		client.setState(StateDisconnected)
		unbindDriver(client)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"adapter":  a.id,
	}).Info("Adapter unregistered")
}
