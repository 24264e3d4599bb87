package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash"
	"sync"

	"github.com/sirupsen/logrus"
)

// PRF labels, fixed by the protocol.
const (
	labelMasterSecret   = "Master Secret"
	labelHostFinished   = "Host Finished"
	labelDeviceFinished = "Device Finished"
	labelSessionKey     = "EXPORTER DAWN data channel session key for controller"
)

// Client is the bus surface the engine needs: a way to transmit
// authenticate packets and to install the derived session key.
type Client interface {
	SendAuthenticate(payload []byte, acknowledge bool) error
	SetEncryptionKey(key []byte) error
}

// Engine runs the handshake for one client. Inbound packets arrive via
// ProcessPacket on the receive path; asymmetric crypto runs on
// cancellable background tasks so the receive path never blocks on it.
type Engine struct {
	client Client

	mu sync.Mutex

	// transcript is the running SHA-256 over every handshake packet's
	// data region. Digests are taken with Sum, which preserves the
	// running state.
	transcript hash.Hash

	hostRandom   [randomLen]byte
	clientRandom [randomLen]byte

	clientKey    []byte // v1: 270-byte PKCS#1 RSAPublicKey DER
	clientPubkey []byte // v2: 64-byte raw P-256 point

	masterSecret []byte

	lastSent byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine bound to a client.
func NewEngine(client Client) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		client:     client,
		transcript: sha256.New(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start opens the handshake with a version 1 HostHello.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
	}).Info("Starting authentication handshake")

	return e.sendHostHello()
}

// Close cancels outstanding crypto tasks and waits for them to finish.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// ProcessPacket consumes one inbound authenticate payload. A non-zero
// error byte on the handshake header aborts immediately with ErrPeer;
// any protocol violation leaves the client unauthenticated with no
// retry.
func (e *Engine) ProcessPacket(data []byte) error {
	hdr, err := parseHandshakeHeader(data)
	if err != nil {
		return err
	}

	if hdr.errcode != 0 {
		logrus.WithFields(logrus.Fields{
			"function": "ProcessPacket",
			"error":    fmt.Sprintf("0x%02x", hdr.errcode),
		}).Error("Client reported handshake error")
		return fmt.Errorf("error code 0x%02x: %w", hdr.errcode, ErrPeer)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if hdr.options&optAcknowledge != 0 {
		return e.handleAcknowledge()
	}

	return e.processData(hdr, data)
}

// processData handles a packet carrying a data header. A data command
// diverging from the handshake command announces a version 2 client.
func (e *Engine) processData(hdr *handshakeHeader, data []byte) error {
	if len(data) < handshakeHeaderLen+dataHeaderLen {
		return fmt.Errorf("data packet of %d bytes: %w", len(data), ErrProtocol)
	}

	dataHdr, err := parseDataHeader(data[handshakeHeaderLen:])
	if err != nil {
		return err
	}

	// client uses auth v2
	if dataHdr.command != hdr.command {
		logrus.WithFields(logrus.Fields{
			"function": "processData",
		}).Debug("Protocol upgrade to v2")
		return e.sendHostHello2()
	}

	body := data[handshakeHeaderLen+dataHeaderLen:]

	if err := e.dispatch(dataHdr.command, body); err != nil {
		return err
	}

	e.transcript.Write(data[handshakeHeaderLen:])

	return nil
}

func (e *Engine) dispatch(cmd byte, body []byte) error {
	switch cmd {
	case cmdClientHello:
		return e.handleClientHello(body)
	case cmdClientCertificate:
		return e.handleClientCertificate(body)
	case cmdClientFinish:
		return e.handleClientFinish(body)
	case cmdClientHello2:
		return e.handleClientHello2(body)
	case cmdClientCertificate2:
		return e.handleClientCertificate2(body)
	case cmdClientPubkey2:
		return e.handleClientPubkey2(body)
	case cmdClientFinish2:
		return e.handleClientFinish(body)
	default:
		return fmt.Errorf("command 0x%02x: %w", cmd, ErrProtocol)
	}
}

// handleAcknowledge advances the handshake after the client confirms a
// host packet.
func (e *Engine) handleAcknowledge() error {
	switch e.lastSent {
	case cmdHostHello:
		return e.requestPacket(cmdClientHello, clientHelloLen)
	case cmdHostSecret:
		return e.sendFinish(cmdHostFinish, labelHostFinished)
	case cmdHostFinish:
		return e.requestPacket(cmdClientFinish, clientFinishLen)
	case cmdHostHello2:
		return e.requestPacket(cmdClientHello2, clientHello2Len)
	case cmdHostPubkey2:
		return e.sendFinish(cmdHostFinish2, labelHostFinished)
	case cmdHostFinish2:
		return e.requestPacket(cmdClientFinish2, clientFinishLen)
	default:
		return fmt.Errorf("acknowledge after 0x%02x: %w", e.lastSent, ErrProtocol)
	}
}

// sendPacket transmits a host handshake packet and hashes its data
// region into the transcript. Callers hold e.mu.
func (e *Engine) sendPacket(cmd byte, body []byte) error {
	pkt := buildHandshakePacket(cmd, body)

	e.lastSent = cmd
	e.transcript.Write(pkt[handshakeHeaderLen : len(pkt)-trailerLen])

	return e.client.SendAuthenticate(pkt, true)
}

// requestPacket asks the client to transmit a handshake packet.
func (e *Engine) requestPacket(cmd byte, bodyLen int) error {
	return e.client.SendAuthenticate(buildRequestPacket(cmd, bodyLen), true)
}

func (e *Engine) sendHostHello() error {
	if _, err := rand.Read(e.hostRandom[:]); err != nil {
		return fmt.Errorf("generate host random: %w", err)
	}

	body := make([]byte, randomLen+8)
	copy(body, e.hostRandom[:])

	return e.sendPacket(cmdHostHello, body)
}

func (e *Engine) sendHostHello2() error {
	// reset transcript after protocol upgrade
	e.transcript = sha256.New()

	if _, err := rand.Read(e.hostRandom[:]); err != nil {
		return fmt.Errorf("generate host random: %w", err)
	}

	body := make([]byte, randomLen+4)
	copy(body, e.hostRandom[:])

	return e.sendPacket(cmdHostHello2, body)
}

func (e *Engine) handleClientHello(body []byte) error {
	if len(body) < clientHelloLen {
		return fmt.Errorf("client hello of %d bytes: %w", len(body), ErrProtocol)
	}

	copy(e.clientRandom[:], body[:randomLen])

	return e.requestPacket(cmdClientCertificate, certificateMaxLen)
}

func (e *Engine) handleClientCertificate(body []byte) error {
	if len(body) > certificateMaxLen {
		return fmt.Errorf("certificate of %d bytes: %w", len(body), ErrProtocol)
	}

	keyDER, err := findRSAPublicKey(body)
	if err != nil {
		return err
	}
	e.clientKey = append([]byte(nil), keyDER...)

	e.spawn(e.exchangeRSA)

	return nil
}

func (e *Engine) handleClientHello2(body []byte) error {
	if len(body) < clientHello2Len {
		return fmt.Errorf("client hello2 of %d bytes: %w", len(body), ErrProtocol)
	}

	copy(e.clientRandom[:], body[:randomLen])

	return e.requestPacket(cmdClientCertificate2, clientCert2Len)
}

func (e *Engine) handleClientCertificate2(body []byte) error {
	if len(body) < clientCert2Len {
		return fmt.Errorf("certificate2 of %d bytes: %w", len(body), ErrProtocol)
	}

	// descriptive only: header, chip and revision strings
	logrus.WithFields(logrus.Fields{
		"function": "handleClientCertificate2",
		"header":   printable(body[:4]),
		"chip":     printable(body[140:172]),
		"revision": printable(body[172:192]),
	}).Debug("Client certificate received")

	return e.requestPacket(cmdClientPubkey2, clientPubkey2Len)
}

func (e *Engine) handleClientPubkey2(body []byte) error {
	if len(body) < clientPubkey2Len {
		return fmt.Errorf("client pubkey of %d bytes: %w", len(body), ErrProtocol)
	}

	e.clientPubkey = append([]byte(nil), body[:ecdhPublicKeyLen]...)

	e.spawn(e.exchangeECDH)

	return nil
}

// handleClientFinish verifies the client's Finished value against the
// recomputed transcript PRF and schedules handshake completion.
func (e *Engine) handleClientFinish(body []byte) error {
	if len(body) < clientFinishLen {
		return fmt.Errorf("client finish of %d bytes: %w", len(body), ErrProtocol)
	}

	digest := e.transcript.Sum(nil)
	finished := prf(e.masterSecret, labelDeviceFinished, digest, transcriptLen)

	if !hmac.Equal(body[:transcriptLen], finished) {
		logrus.WithFields(logrus.Fields{
			"function": "handleClientFinish",
		}).Error("Transcript mismatch")
		return ErrTranscriptMismatch
	}

	e.spawn(e.complete)

	return nil
}

// spawn launches a background task unless the engine is closing.
func (e *Engine) spawn(task func()) {
	select {
	case <-e.ctx.Done():
		return
	default:
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-e.ctx.Done():
			return
		default:
		}
		task()
	}()
}

// exchangeRSA generates the 48-byte pre-master secret, encrypts it to
// the client key, derives the master secret and sends HostSecret.
func (e *Engine) exchangeRSA() {
	e.mu.Lock()
	defer e.mu.Unlock()

	key, err := extractRSAPublicKey(e.clientKey)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "exchangeRSA",
			"error":    err.Error(),
		}).Error("Client key unusable")
		return
	}

	preMaster := make([]byte, preMasterLen)
	if _, err := rand.Read(preMaster); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "exchangeRSA",
			"error":    err.Error(),
		}).Error("Generate pre-master secret failed")
		return
	}

	encrypted, err := encryptPreMaster(key, preMaster)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "exchangeRSA",
			"error":    err.Error(),
		}).Error("Compute secret failed")
		return
	}

	e.masterSecret = prf(preMaster, labelMasterSecret, e.seedRandoms(), preMasterLen)

	if err := e.sendPacket(cmdHostSecret, encrypted); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "exchangeRSA",
			"error":    err.Error(),
		}).Error("Send packet failed")
	}
}

// exchangeECDH derives the shared secret against the client's P-256
// point, derives the master secret and sends HostPubkey2.
func (e *Engine) exchangeECDH() {
	e.mu.Lock()
	defer e.mu.Unlock()

	hostPubkey, secretHash, err := computeECDH(e.clientPubkey)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "exchangeECDH",
			"error":    err.Error(),
		}).Error("Compute secret failed")
		return
	}

	e.masterSecret = prf(secretHash[:], labelMasterSecret, e.seedRandoms(), preMasterLen)

	if err := e.sendPacket(cmdHostPubkey2, hostPubkey); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "exchangeECDH",
			"error":    err.Error(),
		}).Error("Send packet failed")
	}
}

// sendFinish transmits a Finished packet carrying the PRF of the
// current transcript digest. Callers hold e.mu.
func (e *Engine) sendFinish(cmd byte, label string) error {
	digest := e.transcript.Sum(nil)
	finished := prf(e.masterSecret, label, digest, transcriptLen)

	return e.sendPacket(cmd, finished)
}

// complete derives the session key, announces completion on the
// control context and installs the key on the transport. The PRF
// yields a full 32-byte block; the session key is its explicit 16-byte
// truncation.
func (e *Engine) complete() {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := prf(e.masterSecret, labelSessionKey, e.seedRandoms(), sha256.Size)[:sessionKeyLen]

	logrus.WithFields(logrus.Fields{
		"function": "complete",
	}).Info("Handshake complete")

	if err := e.client.SendAuthenticate(buildControlPacket(ctrlComplete), false); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "complete",
			"error":    err.Error(),
		}).Error("Send packet failed")
		return
	}

	if err := e.client.SetEncryptionKey(key); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "complete",
			"error":    err.Error(),
		}).Error("Set encryption key failed")
	}
}

// seedRandoms concatenates host and client randoms, the PRF seed for
// master secret and session key derivation.
func (e *Engine) seedRandoms() []byte {
	seed := make([]byte, 0, randomLen*2)
	seed = append(seed, e.hostRandom[:]...)
	return append(seed, e.clientRandom[:]...)
}

func printable(data []byte) string {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if b >= 0x20 && b < 0x7f {
			out = append(out, b)
		}
	}
	return string(out)
}
