package dongle

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gip"
	"github.com/opd-ai/gip/transport"
)

// txBufferLen is the GIP byte capacity handed to the child adapter per
// transmit buffer.
const txBufferLen = 2048

// Client is one associated wireless device: a WCID slot, its 802.11
// address and the child bus adapter its GIP stream feeds.
type Client struct {
	dongle  *Dongle
	wcid    uint8
	address [6]byte

	mu        sync.Mutex
	encrypted bool

	adapter *gip.Adapter
}

// WCID returns the wireless client id (1..16).
func (c *Client) WCID() uint8 {
	return c.wcid
}

// Address returns the client's 802.11 MAC address.
func (c *Client) Address() [6]byte {
	return c.address
}

// Adapter returns the child bus adapter.
func (c *Client) Adapter() *gip.Adapter {
	return c.adapter
}

// Encrypted reports whether link encryption is enabled.
func (c *Client) Encrypted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encrypted
}

// clientOps adapts a wireless client to the bus transport contract.
// Outbound GIP bytes are wrapped in the WCID descriptor, TXWI, QoS
// header and pad before transmission.
type clientOps struct {
	client *Client
}

// GetBuffer implements transport.Ops.
func (o *clientOps) GetBuffer(kind transport.BufferKind) (*transport.Buffer, error) {
	return &transport.Buffer{
		Kind:   kind,
		Data:   make([]byte, txBufferLen),
		Length: txBufferLen,
	}, nil
}

// SubmitBuffer implements transport.Ops.
func (o *clientOps) SubmitBuffer(buf *transport.Buffer) error {
	queue := byte(queueData)
	if buf.Kind == transport.BufferAudio {
		queue = queueAudio
	}

	return o.client.dongle.transmit(o.client, queue, buf.Data[:buf.Length])
}

// EnableAudio implements transport.Ops. The radio link carries audio on
// the same endpoint, so nothing is switched.
func (o *clientOps) EnableAudio() error { return nil }

// InitAudioIn implements transport.Ops.
func (o *clientOps) InitAudioIn() error { return nil }

// InitAudioOut implements transport.Ops.
func (o *clientOps) InitAudioOut(packetSize int) error { return nil }

// DisableAudio implements transport.Ops.
func (o *clientOps) DisableAudio() error { return nil }

// SetEncryptionKey implements transport.Ops. The key install and the
// Protected-bit flip are funnelled through the dongle's event queue so
// they stay ordered against association changes.
func (o *clientOps) SetEncryptionKey(key []byte) error {
	client := o.client
	installed := append([]byte(nil), key...)

	client.dongle.enqueue(func(d *Dongle) {
		if err := d.radio.SetClientKey(client.wcid, installed); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SetEncryptionKey",
				"wcid":     client.wcid,
				"error":    err.Error(),
			}).Error("Set client key failed")
			return
		}

		client.mu.Lock()
		client.encrypted = true
		client.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "SetEncryptionKey",
			"wcid":     client.wcid,
		}).Info("Link encryption enabled")
	})

	return nil
}
