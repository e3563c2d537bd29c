package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"Provenance/internal/logger"
	"Provenance/internal/registry"
)

const (
	// defaultRequestTimeout bounds Request calls whose context has no deadline.
	defaultRequestTimeout = 30 * time.Second
)

// Peer is a connection to a remote endpoint.
type Peer struct {
	id       registry.AccountID // id is the remote ed25519 public key
	address  string             // address is the remote address
	conn     *quic.Conn         // conn is the underlying QUIC connection
	endpoint *Endpoint          // endpoint is the owning endpoint
	closed   atomic.Bool        // closed indicates if the peer is closed
	mu       sync.Mutex         // mu serializes sends so messages leave in order
}

// ID returns the remote endpoint's public key.
func (p *Peer) ID() registry.AccountID {
	return p.id
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Send sends a message to the peer on a new unidirectional stream.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer is closed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeMessage(stream, data); err != nil {
		stream.Close()
		return fmt.Errorf("write message:\n%w", err)
	}

	return stream.Close()
}

// Request sends data and waits for the response on a bidirectional stream.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeMessage(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	response, err := readMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return response, nil
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// Done is closed when the connection ends.
func (p *Peer) Done() <-chan struct{} {
	return p.conn.Context().Done()
}

// receiveLoop accepts streams until the connection ends.
func (p *Peer) receiveLoop(ctx context.Context) {
	go p.acceptBidiStreams(ctx)

	for {
		stream, err := p.conn.AcceptUniStream(ctx)
		if err != nil {
			logger.Debug("receive loop ended", "peer", p.address, "error", err)
			break
		}

		p.handleUniStream(stream)
	}

	p.closed.Store(true)
	p.endpoint.removePeer(p)
}

// acceptBidiStreams accepts bidirectional streams for request/response.
func (p *Peer) acceptBidiStreams(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go p.handleBidiStream(stream)
	}
}

// handleBidiStream answers one request.
func (p *Peer) handleBidiStream(stream *quic.Stream) {
	defer stream.Close()

	data, err := readMessage(stream)
	if err != nil {
		return
	}

	response, err := p.endpoint.callOnRequest(p, data)
	if err != nil {
		logger.Debug("request failed", "peer", p.address, "error", err)
		return
	}

	writeMessage(stream, response)
}

// handleUniStream reads one message. Streams are handled in accept order so
// a single sender's messages are delivered in the order they were sent.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p.address, "error", err)
		return
	}

	if !p.endpoint.dedup.Check(data) {
		logger.Debug("dedup filtered", "peer", p.address, "bytes", len(data))
		return
	}

	p.endpoint.callOnMessage(p, data)
}
