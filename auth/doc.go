// Package auth implements the per-client GIP authentication handshake.
//
// The handshake is a TLS-1.2-derived exchange that yields a 48-byte
// master secret and a 16-byte session key for link encryption. Two
// variants exist: version 1 transports a random pre-master secret under
// the client's RSA key (PKCS#1 v1.5), version 2 agrees on a P-256 ECDH
// shared secret. Both derive keys with the TLS P_SHA256 PRF over a
// running SHA-256 transcript of the handshake.
//
// Drivers own an Engine per client and feed it every Authenticate
// packet the bus dispatches:
//
//	engine := auth.NewEngine(client)
//	if err := engine.Start(); err != nil {
//	    return err
//	}
//	// from the driver's Authenticate op:
//	err := engine.ProcessPacket(data)
package auth
