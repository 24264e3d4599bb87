package dongle

// LEDMode is the dongle LED state in the radio MAC's encoding.
type LEDMode byte

const (
	LEDBlink LEDMode = 0x00
	LEDOn    LEDMode = 0x01
	LEDOff   LEDMode = 0x02
)

// Radio is the MediaTek MAC surface the multiplexer depends on. The
// register-level configuration (firmware upload, channel scan, beacon
// setup) lives behind this interface and is out of scope here.
type Radio interface {
	// Address returns the dongle's own 802.11 MAC address.
	Address() [6]byte

	// Transmit submits a prepared command packet on the bulk out
	// endpoint.
	Transmit(packet []byte) error

	// SetPairing makes the radio accept (or reject) pairing beacons.
	SetPairing(enable bool) error

	// SetLEDMode drives the dongle LED.
	SetLEDMode(mode LEDMode) error

	// PairClient installs a device address during pairing.
	PairClient(address [6]byte) error

	// AssociateClient binds a WCID to a device address.
	AssociateClient(wcid uint8, address [6]byte) error

	// RemoveClient unbinds a WCID.
	RemoveClient(wcid uint8) error

	// SetClientKey installs the per-client link encryption key.
	SetClientKey(wcid uint8, key []byte) error

	// HoldWake and ReleaseWake manage the transport's runtime-wake
	// reference count.
	HoldWake()
	ReleaseWake()
}
