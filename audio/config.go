package audio

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gip/protocol"
)

// bytesPerSample is the width of one PCM sample on the wire.
const bytesPerSample = 2

// Config is one direction of a negotiated audio stream.
type Config struct {
	Format protocol.AudioFormat

	Channels   int
	SampleRate int

	// BufferSize is the PCM byte count of one 8 ms interval.
	BufferSize int

	// FragmentSize is the PCM byte count of one GIP audio packet.
	FragmentSize int

	// PacketSize is FragmentSize plus the GIP and audio sample headers.
	PacketSize int

	// Valid is set once the device has accepted the format.
	Valid bool
}

// NewConfig derives a configuration from a format code and the
// adapter's audio packet count. Unknown codes fail with
// protocol.ErrUnsupportedFormat.
func NewConfig(format protocol.AudioFormat, packetCount int) (Config, error) {
	channels, rate, err := protocol.LookupAudioFormat(format)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewConfig",
			"format":   format,
		}).Error("Unknown audio format code")
		return Config{}, err
	}

	cfg := Config{
		Format:     format,
		Channels:   channels,
		SampleRate: rate,
		Valid:      true,
	}
	cfg.BufferSize = rate * channels * bytesPerSample * protocol.AudioInterval / 1000
	cfg.FragmentSize = cfg.BufferSize / packetCount
	cfg.PacketSize = PacketOverhead(cfg.FragmentSize) + cfg.FragmentSize

	logrus.WithFields(logrus.Fields{
		"function":    "NewConfig",
		"format":      format,
		"channels":    channels,
		"sample_rate": rate,
		"buffer":      cfg.BufferSize,
		"fragment":    cfg.FragmentSize,
	}).Debug("Audio configuration derived")

	return cfg, nil
}

// SampleHeaderLen is the size of the audio sample header preceding the
// PCM bytes of every audio packet.
const SampleHeaderLen = 2

// sampleHeaderExtended marks an audio sample header whose fragment
// length exceeds the 7-bit field; wireless receive paths append a
// further 2-byte extension.
const sampleHeaderExtended = 0x80

// PacketOverhead returns the combined GIP header and audio sample
// header size for a fragment of the given length.
func PacketOverhead(fragmentSize int) int {
	return protocol.SerializedLength(SampleHeaderLen+fragmentSize, false, 0) + SampleHeaderLen
}

// EncodeSampleHeader writes the 2-byte audio sample header for a
// fragment of the given length.
func EncodeSampleHeader(dst []byte, fragmentSize int) {
	if fragmentSize > 0x7f {
		dst[0] = sampleHeaderExtended | byte(fragmentSize>>7)
	} else {
		dst[0] = byte(fragmentSize)
	}
	dst[1] = 0
}

// StripSampleHeader removes the sample header from an inbound audio
// payload. Extended headers carry 2 further bytes. Returns nil when the
// payload is shorter than its header.
func StripSampleHeader(payload []byte) []byte {
	headerLen := SampleHeaderLen
	if len(payload) > 0 && payload[0]&sampleHeaderExtended != 0 {
		headerLen += 2
	}
	if len(payload) < headerLen {
		return nil
	}
	return payload[headerLen:]
}
