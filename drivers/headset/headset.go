// Package headset implements the GIP driver for Xbox headsets.
//
// On probe the driver suggests the first advertised audio format pair.
// Once the device accepts and reports its initial volume, the driver
// pins the hardware volume, initialises both audio directions and
// starts the 8 ms transmit timer that shuttles playback PCM from the
// ring buffer onto the bus. Captured PCM is delivered through a
// callback.
package headset

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gip"
	"github.com/opd-ai/gip/audio"
	"github.com/opd-ai/gip/protocol"
)

// Class is the device class this driver binds to.
const Class = "Windows.Xbox.Input.Headset"

// ringIntervals is the ring capacity in 8 ms playback intervals.
const ringIntervals = 8

// Events are the application callbacks a headset surfaces. Nil entries
// are skipped.
type Events struct {
	// Capture receives device-to-host PCM fragments.
	Capture func(pcm []byte)
}

// Headset is the per-client driver state.
type Headset struct {
	client *gip.Client
	events Events

	mu      sync.Mutex
	started bool
	ring    *audio.Ring
	sender  *audio.Sender
}

type registry struct {
	mu       sync.Mutex
	headsets map[*gip.Client]*Headset
	events   Events
}

var state = registry{headsets: make(map[*gip.Client]*Headset)}

// Register installs the headset driver on the bus.
func Register(events Events) error {
	state.mu.Lock()
	state.events = events
	state.mu.Unlock()

	return gip.RegisterDriver(&gip.Driver{
		Name:  "gip-headset",
		Class: Class,
		Ops: gip.DriverOps{
			AudioReady:   opAudioReady,
			AudioVolume:  opAudioVolume,
			AudioSamples: opAudioSamples,
		},
		Probe:  probe,
		Remove: remove,
	})
}

func lookup(client *gip.Client) *Headset {
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.headsets[client]
}

// probe suggests the first advertised format pair; negotiation
// continues in the audio control handlers.
func probe(client *gip.Client) error {
	formats := client.Identity().AudioFormats
	if len(formats) == 0 {
		return fmt.Errorf("headset without audio formats")
	}

	hs := &Headset{client: client}

	state.mu.Lock()
	hs.events = state.events
	state.headsets[client] = hs
	state.mu.Unlock()

	if err := client.SuggestAudioFormat(formats[0].In, formats[0].Out); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "probe",
		"client":   client.ID(),
		"in":       fmt.Sprintf("0x%02x", byte(formats[0].In)),
		"out":      fmt.Sprintf("0x%02x", byte(formats[0].Out)),
	}).Info("Headset bound")

	return nil
}

func remove(client *gip.Client) {
	state.mu.Lock()
	hs := state.headsets[client]
	delete(state.headsets, client)
	state.mu.Unlock()

	if hs == nil {
		return
	}

	hs.mu.Lock()
	sender := hs.sender
	hs.sender = nil
	hs.mu.Unlock()

	if sender != nil {
		sender.Stop()
	}
	client.DisableAudio()
}

// opAudioReady fires on two-sided format acceptance.
func opAudioReady(client *gip.Client) error {
	return client.SetPowerMode(protocol.PowerOn)
}

// opAudioVolume fires when the device reports its initial volume; the
// first report starts audio I/O. Hardware volume changes are ignored,
// software handles volume.
func opAudioVolume(client *gip.Client, in, out uint8) error {
	hs := lookup(client)
	if hs == nil {
		return nil
	}

	hs.mu.Lock()
	started := hs.started
	hs.started = true
	hs.mu.Unlock()

	if started {
		return nil
	}

	return hs.startAudio()
}

func (hs *Headset) startAudio() error {
	client := hs.client

	if err := client.FixAudioVolume(); err != nil {
		return err
	}
	if err := client.InitAudioOut(); err != nil {
		return err
	}
	if err := client.EnableAudio(); err != nil {
		return err
	}
	if err := client.InitAudioIn(); err != nil {
		return err
	}

	cfg := client.AudioConfigOut()

	ring := audio.NewRing(cfg.BufferSize * ringIntervals)
	sender := audio.NewSender(cfg, ring, client.SendAudioSamples)

	hs.mu.Lock()
	hs.ring = ring
	hs.sender = sender
	hs.mu.Unlock()

	sender.Start()

	logrus.WithFields(logrus.Fields{
		"function":    "startAudio",
		"client":      client.ID(),
		"sample_rate": cfg.SampleRate,
		"channels":    cfg.Channels,
	}).Info("Audio streaming started")

	return nil
}

// opAudioSamples forwards captured PCM to the application.
func opAudioSamples(client *gip.Client, data []byte) error {
	hs := lookup(client)
	if hs == nil || hs.events.Capture == nil {
		return nil
	}
	hs.events.Capture(data)
	return nil
}

// Play queues playback PCM for a bound headset.
func Play(client *gip.Client, pcm []byte) error {
	hs := lookup(client)
	if hs == nil {
		return fmt.Errorf("no headset bound to client %d", client.ID())
	}

	hs.mu.Lock()
	ring := hs.ring
	hs.mu.Unlock()

	if ring == nil {
		return fmt.Errorf("audio not started on client %d", client.ID())
	}

	ring.Write(pcm)
	return nil
}
