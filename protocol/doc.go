// Package protocol implements the wire format of the Game Input Protocol.
//
// This package handles the variable-length packet headers spoken by Xbox
// One and Xbox Series accessories, the flag and command code spaces, and
// the small fixed tables (battery status, power modes, audio formats)
// shared by every layer above it.
//
// Example:
//
//	hdr := &protocol.Header{
//	    Command:  protocol.CmdPower,
//	    ClientID: 0,
//	    Flags:    protocol.FlagInternal,
//	    Sequence: 1,
//	    Length:   1,
//	}
//
//	wire, err := hdr.Serialize()
//	if err != nil {
//	    log.Fatal(err)
//	}
package protocol
