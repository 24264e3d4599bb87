// Package gip implements the host side of the Game Input Protocol bus.
//
// An Adapter multiplexes up to sixteen logical clients behind a single
// transport. The framing engine numbers and acknowledges packets,
// reassembles chunked transfers, and dispatches typed messages to the
// per-device driver bound to each client. Drivers register globally and
// are matched against the class strings a client reports during
// identification.
//
// Example:
//
//	lo := transport.NewLoopback(64)
//	adapter, err := gip.NewAdapter(lo, gip.NewOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer adapter.Close()
//
//	// feed bytes from the wire
//	err = adapter.ProcessBuffer(rx)
package gip
