package protocol

// Command identifies the type of a GIP packet.
type Command byte

const (
	// Internal commands (sent with FlagInternal).
	CmdAcknowledge  Command = 0x01
	CmdAnnounce     Command = 0x02
	CmdStatus       Command = 0x03
	CmdIdentify     Command = 0x04
	CmdPower        Command = 0x05
	CmdAuthenticate Command = 0x06
	CmdVirtualKey   Command = 0x07
	CmdAudioControl Command = 0x08
	CmdLED          Command = 0x0a
	CmdHIDReport    Command = 0x0b
	CmdAudioSamples Command = 0x60

	// External commands.
	CmdRumble Command = 0x09
	CmdInput  Command = 0x20
)

// PowerMode is the argument of a Power packet.
type PowerMode byte

const (
	PowerOn    PowerMode = 0x00
	PowerSleep PowerMode = 0x01
	PowerOff   PowerMode = 0x04
	PowerReset PowerMode = 0x07
)

// LEDMode selects the guide button LED animation.
type LEDMode byte

const (
	LEDOff       LEDMode = 0x00
	LEDOn        LEDMode = 0x01
	LEDBlinkFast LEDMode = 0x02
	LEDBlinkMed  LEDMode = 0x03
	LEDBlinkSlow LEDMode = 0x04
	LEDFadeSlow  LEDMode = 0x08
	LEDFadeFast  LEDMode = 0x09
)

// AudioControl subcommands carried in the first payload byte of an
// AudioControl packet.
const (
	AudioCtrlVolumeChat byte = 0x00
	AudioCtrlFormatChat byte = 0x01
	AudioCtrlFormat     byte = 0x02
	AudioCtrlVolume     byte = 0x03
)

// Audio volume mute states.
const (
	AudioVolumeUnmuted  byte = 0x04
	AudioVolumeMicMuted byte = 0x05
)

// AudioFormat is a negotiated sample format code.
type AudioFormat byte

const (
	FormatInvalid     AudioFormat = 0x00
	FormatChat16KHz   AudioFormat = 0x04
	Format24KHzMono   AudioFormat = 0x09
	Format48KHzStereo AudioFormat = 0x10
)

// LookupAudioFormat returns the channel count and sample rate for a
// format code. Unknown codes yield ErrUnsupportedFormat.
func LookupAudioFormat(format AudioFormat) (channels, sampleRate int, err error) {
	switch format {
	case FormatChat16KHz:
		return 1, 16000, nil
	case Format24KHzMono:
		return 1, 24000, nil
	case Format48KHzStereo:
		return 2, 48000, nil
	default:
		return 0, 0, ErrUnsupportedFormat
	}
}

// BatteryType classifies the power source reported in a status packet.
type BatteryType byte

const (
	BatteryTypeNone     BatteryType = 0x00
	BatteryTypeStandard BatteryType = 0x01
	BatteryTypeKit      BatteryType = 0x02
	BatteryTypeUnknown  BatteryType = 0x03
)

// BatteryLevel is the coarse charge level reported in a status packet.
type BatteryLevel byte

const (
	BatteryLevelLow    BatteryLevel = 0x00
	BatteryLevelNormal BatteryLevel = 0x01
	BatteryLevelHigh   BatteryLevel = 0x02
	BatteryLevelFull   BatteryLevel = 0x03
)

// Status byte layout.
const (
	statusConnected  = 0x80
	statusBattTypeSh = 2
	statusBattMask   = 0x03
)

// StatusConnected reports whether the connected bit is set in a status
// byte. A clear bit schedules client removal.
func StatusConnected(status byte) bool {
	return status&statusConnected != 0
}

// DecodeBattery splits a status byte into battery type and level.
func DecodeBattery(status byte) (BatteryType, BatteryLevel) {
	return BatteryType((status >> statusBattTypeSh) & statusBattMask),
		BatteryLevel(status & statusBattMask)
}

// AudioInterval is the time between audio packets in milliseconds.
const AudioInterval = 8
