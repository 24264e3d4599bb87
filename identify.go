package gip

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gip/protocol"
)

// Identify payload layout: a 16-byte prefix, then eight little-endian
// u16 offsets into the full blob, one per capability table.
const (
	identifyPrefixLen  = 16
	identifyOffsetsLen = 8 * 2
	identifyMinLen     = identifyPrefixLen + identifyOffsetsLen
)

// Per-entry sizes of the fixed-width identify tables.
const (
	itemLenCommand   = 24
	itemLenFirmware  = 4
	itemLenFormat    = 2
	itemLenCapabilty = 1
	itemLenInterface = 16
	itemLenHID       = 1
)

// parseIdentify decodes the capability tables of an identify reply.
// Absent tables (zero offset) stay nil; a table whose region falls
// outside the blob fails with ErrMalformedIdentify.
func parseIdentify(payload []byte) (*Identity, error) {
	if len(payload) < identifyMinLen {
		return nil, fmt.Errorf("identify of %d bytes: %w", len(payload), ErrMalformedIdentify)
	}

	offsets := make([]int, 8)
	for i := range offsets {
		pos := identifyPrefixLen + i*2
		offsets[i] = int(binary.LittleEndian.Uint16(payload[pos : pos+2]))
	}

	identity := &Identity{}

	var err error
	if identity.ExternalCommands, err = parseTable(payload, offsets[0], itemLenCommand); err != nil {
		return nil, err
	}
	if identity.FirmwareVersions, err = parseTable(payload, offsets[1], itemLenFirmware); err != nil {
		return nil, err
	}

	formats, err := parseTable(payload, offsets[2], itemLenFormat)
	if err != nil {
		return nil, err
	}
	for i := 0; i+1 < len(formats); i += 2 {
		identity.AudioFormats = append(identity.AudioFormats, AudioFormatPair{
			In:  protocol.AudioFormat(formats[i]),
			Out: protocol.AudioFormat(formats[i+1]),
		})
	}

	if identity.CapabilitiesOut, err = parseTable(payload, offsets[3], itemLenCapabilty); err != nil {
		return nil, err
	}
	if identity.CapabilitiesIn, err = parseTable(payload, offsets[4], itemLenCapabilty); err != nil {
		return nil, err
	}

	if identity.Classes, err = parseClasses(payload, offsets[5]); err != nil {
		return nil, err
	}

	guids, err := parseTable(payload, offsets[6], itemLenInterface)
	if err != nil {
		return nil, err
	}
	for i := 0; i+itemLenInterface <= len(guids); i += itemLenInterface {
		var guid [16]byte
		copy(guid[:], guids[i:i+itemLenInterface])
		identity.Interfaces = append(identity.Interfaces, guid)
	}

	if identity.HIDDescriptor, err = parseTable(payload, offsets[7], itemLenHID); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "parseIdentify",
		"classes":    identity.Classes,
		"formats":    len(identity.AudioFormats),
		"interfaces": len(identity.Interfaces),
		"hid_bytes":  len(identity.HIDDescriptor),
	}).Debug("Identify parsed")

	return identity, nil
}

// parseTable extracts one fixed-width table: a count byte followed by
// count items of itemLen bytes. A zero offset means the table is
// absent.
func parseTable(payload []byte, offset, itemLen int) ([]byte, error) {
	if offset == 0 {
		return nil, nil
	}

	if offset >= len(payload) {
		return nil, fmt.Errorf("table at %d of %d: %w", offset, len(payload), ErrMalformedIdentify)
	}

	count := int(payload[offset])
	if count == 0 {
		return nil, nil
	}

	start := offset + 1
	total := count * itemLen
	if start+total > len(payload) {
		return nil, fmt.Errorf("table of %d bytes at %d: %w", total, offset, ErrMalformedIdentify)
	}

	table := make([]byte, total)
	copy(table, payload[start:start+total])

	return table, nil
}

// parseClasses extracts the class string table: a count byte followed
// by count strings, each prefixed with a little-endian u16 length. A
// client without classes is valid and simply never matches a driver.
func parseClasses(payload []byte, offset int) ([]string, error) {
	if offset == 0 {
		return nil, nil
	}

	if offset >= len(payload) {
		return nil, fmt.Errorf("classes at %d of %d: %w", offset, len(payload), ErrMalformedIdentify)
	}

	count := int(payload[offset])
	pos := offset + 1

	classes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		if pos+2 > len(payload) {
			return nil, fmt.Errorf("class length at %d: %w", pos, ErrMalformedIdentify)
		}

		strLen := int(binary.LittleEndian.Uint16(payload[pos : pos+2]))
		pos += 2
		if strLen == 0 || pos+strLen > len(payload) {
			return nil, fmt.Errorf("class of %d bytes at %d: %w", strLen, pos, ErrMalformedIdentify)
		}

		classes = append(classes, string(payload[pos:pos+strLen]))
		pos += strLen
	}

	return classes, nil
}
