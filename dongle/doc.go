// Package dongle implements the wireless multiplexer of the GIP host.
//
// The Xbox wireless dongle is an MT76 radio that tunnels GIP byte
// streams inside 802.11 frames. This package demultiplexes the radio's
// bulk messages into per-client GIP streams: an association request
// creates a client and a child bus adapter, a disassociation (or a
// client-lost event, or teardown) destroys them, and a pairing state
// machine with a watchdog gates which devices may join.
//
// All association, disassociation, pairing and encryption changes are
// funnelled through one ordered event queue so WCID allocation and the
// radio MAC stay in lockstep; the receive path only enqueues.
package dongle
