package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"Provenance/internal/logger"
)

const (
	// alpnProtocol is the ALPN protocol identifier of the event feed.
	alpnProtocol = "provenance/1"
)

// Config holds the configuration for an Endpoint.
type Config struct {
	PrivateKey ed25519.PrivateKey // PrivateKey is the node's ed25519 private key
	ListenAddr string             // ListenAddr is the address to listen on, empty for dial-only endpoints
	DedupTTL   time.Duration      // DedupTTL is how long a message hash is remembered
}

// Endpoint is a QUIC endpoint that accepts and initiates peer connections.
type Endpoint struct {
	publicKey  ed25519.PublicKey // publicKey is the node's ed25519 public key
	listenAddr string            // listenAddr is the address to listen on
	tlsConfig  *tls.Config       // tlsConfig is the TLS configuration
	quicConfig *quic.Config      // quicConfig is the QUIC configuration

	listener *quic.Listener // listener is the QUIC listener, nil for dial-only endpoints

	peers   map[*Peer]struct{} // peers is the set of live connections
	peersMu sync.RWMutex       // peersMu protects peers

	dedup *Dedup // dedup drops repeated uni-stream messages

	onConnect    func(*Peer)                         // onConnect is called when a peer connects
	onMessage    func(*Peer, []byte)                 // onMessage is called for each new message
	onDisconnect func(*Peer)                         // onDisconnect is called when a peer goes away
	onRequest    func(*Peer, []byte) ([]byte, error) // onRequest answers bidirectional requests
	handlersMu   sync.RWMutex                        // handlersMu protects the handlers

	ctx    context.Context    // ctx is cancelled on Close
	cancel context.CancelFunc // cancel cancels ctx
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewEndpoint creates an endpoint. It does not listen until Start.
func NewEndpoint(cfg Config) (*Endpoint, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // peers are identified by their ed25519 key, checked by the caller
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Endpoint{
		publicKey:  cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr: cfg.ListenAddr,
		tlsConfig:  tlsConfig,
		quicConfig: quicConfig,
		peers:      make(map[*Peer]struct{}),
		dedup:      NewDedup(cfg.DedupTTL),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// PublicKey returns the endpoint's public key.
func (e *Endpoint) PublicKey() ed25519.PublicKey {
	return e.publicKey
}

// Addr returns the listener's address. Returns empty string if not listening.
func (e *Endpoint) Addr() string {
	if e.listener == nil {
		return ""
	}

	return e.listener.Addr().String()
}

// Start listens on the configured address and accepts connections.
func (e *Endpoint) Start() error {
	if e.listenAddr == "" {
		return fmt.Errorf("listen address is required")
	}

	listener, err := quic.ListenAddr(e.listenAddr, e.tlsConfig, e.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	e.listener = listener

	e.wg.Add(1)
	go e.acceptLoop()

	logger.Info("feed listening", "addr", e.Addr())

	return nil
}

// Connect dials a remote endpoint.
func (e *Endpoint) Connect(ctx context.Context, addr string) (*Peer, error) {
	conn, err := quic.DialAddr(ctx, addr, e.tlsConfig, e.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial:\n%w", err)
	}

	peer, err := e.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return peer, nil
}

// Broadcast sends a message to every connected peer and returns the
// number of peers it reached.
func (e *Endpoint) Broadcast(data []byte) int {
	sent := 0

	for _, p := range e.Peers() {
		if err := p.Send(data); err != nil {
			logger.Debug("broadcast failed", "peer", p.Address(), "error", err)
			continue
		}

		sent++
	}

	return sent
}

// Peers returns a list of all connected peers.
func (e *Endpoint) Peers() []*Peer {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(e.peers))
	for p := range e.peers {
		peers = append(peers, p)
	}

	return peers
}

// OnConnect sets the handler called when a peer connects.
func (e *Endpoint) OnConnect(fn func(*Peer)) {
	e.handlersMu.Lock()
	e.onConnect = fn
	e.handlersMu.Unlock()
}

// OnMessage sets the handler called when a message is received.
func (e *Endpoint) OnMessage(fn func(*Peer, []byte)) {
	e.handlersMu.Lock()
	e.onMessage = fn
	e.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer disconnects.
func (e *Endpoint) OnDisconnect(fn func(*Peer)) {
	e.handlersMu.Lock()
	e.onDisconnect = fn
	e.handlersMu.Unlock()
}

// OnRequest sets the handler for incoming bidirectional requests.
func (e *Endpoint) OnRequest(fn func(*Peer, []byte) ([]byte, error)) {
	e.handlersMu.Lock()
	e.onRequest = fn
	e.handlersMu.Unlock()
}

// Close stops the endpoint and closes all connections.
func (e *Endpoint) Close() error {
	e.cancel()

	if e.listener != nil {
		e.listener.Close()
	}

	for _, p := range e.Peers() {
		p.Close()
	}

	e.dedup.Close()
	e.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections.
func (e *Endpoint) acceptLoop() {
	defer e.wg.Done()

	for {
		conn, err := e.listener.Accept(e.ctx)
		if err != nil {
			return // Listener closed
		}

		go e.handleIncoming(conn)
	}
}

// handleIncoming registers an accepted connection.
func (e *Endpoint) handleIncoming(conn *quic.Conn) {
	peer, err := e.setupPeer(conn, conn.RemoteAddr().String())
	if err != nil {
		logger.Debug("reject connection", "addr", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(1, "setup failed")
		return
	}

	e.callOnConnect(peer)
}

// setupPeer creates a Peer from a QUIC connection and starts its receive loop.
func (e *Endpoint) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	id, err := extractPeerID(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	peer := &Peer{
		id:       id,
		address:  addr,
		conn:     conn,
		endpoint: e,
	}

	e.peersMu.Lock()
	e.peers[peer] = struct{}{}
	e.peersMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		peer.receiveLoop(e.ctx)
	}()

	return peer, nil
}

// removePeer forgets p and notifies the disconnect handler.
func (e *Endpoint) removePeer(p *Peer) {
	e.peersMu.Lock()
	delete(e.peers, p)
	e.peersMu.Unlock()

	e.handlersMu.RLock()
	fn := e.onDisconnect
	e.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnConnect calls the onConnect handler if set.
func (e *Endpoint) callOnConnect(p *Peer) {
	e.handlersMu.RLock()
	fn := e.onConnect
	e.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnMessage calls the onMessage handler if set.
func (e *Endpoint) callOnMessage(p *Peer, data []byte) {
	e.handlersMu.RLock()
	fn := e.onMessage
	e.handlersMu.RUnlock()

	if fn != nil {
		fn(p, data)
	}
}

// callOnRequest calls the onRequest handler if set.
func (e *Endpoint) callOnRequest(p *Peer, data []byte) ([]byte, error) {
	e.handlersMu.RLock()
	fn := e.onRequest
	e.handlersMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	return fn(p, data)
}
