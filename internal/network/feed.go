package network

import (
	"fmt"
	"sync"

	"Provenance/internal/events"
	"Provenance/internal/logger"
)

// defaultQueueSize is the number of committed events buffered for broadcast.
const defaultQueueSize = 1024

// EventSource serves committed events for backlog requests.
type EventSource interface {
	Events(from uint64, limit int) ([]events.Record, error)
}

// Feed is the leader side of the event feed. It broadcasts each committed
// record to connected followers and answers their backlog requests.
type Feed struct {
	endpoint *Endpoint
	source   EventSource
	queue    chan events.Record
	stop     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewFeed creates a feed over endpoint. The endpoint's request handler is
// replaced with the backlog handler.
func NewFeed(endpoint *Endpoint, source EventSource, queueSize int) *Feed {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	f := &Feed{
		endpoint: endpoint,
		source:   source,
		queue:    make(chan events.Record, queueSize),
		stop:     make(chan struct{}),
	}

	endpoint.OnRequest(f.handleRequest)
	endpoint.OnConnect(func(p *Peer) {
		logger.Info("follower connected", "peer", p.ID().Short(), "addr", p.Address())
	})
	endpoint.OnDisconnect(func(p *Peer) {
		logger.Info("follower disconnected", "peer", p.ID().Short())
	})

	f.wg.Add(1)
	go f.broadcastLoop()

	return f
}

// Publish queues rec for broadcast without blocking. When the queue is full
// the record is dropped; followers recover it through a backlog request.
func (f *Feed) Publish(rec events.Record) {
	select {
	case f.queue <- rec:
	default:
		logger.Warn("feed queue full, dropping event", "seq", rec.Seq)
	}
}

// Followers returns the number of connected followers.
func (f *Feed) Followers() int {
	return len(f.endpoint.Peers())
}

// Close stops the broadcast loop. Queued records are discarded.
func (f *Feed) Close() {
	f.once.Do(func() {
		close(f.stop)
	})
	f.wg.Wait()
}

// broadcastLoop sends queued records in order.
func (f *Feed) broadcastLoop() {
	defer f.wg.Done()

	for {
		select {
		case rec := <-f.queue:
			n := f.endpoint.Broadcast(encodeEventMessage(rec))
			logger.Debug("event broadcast", "seq", rec.Seq, "peers", n)
		case <-f.stop:
			return
		}
	}
}

// handleRequest answers a follower's backlog request.
func (f *Feed) handleRequest(p *Peer, data []byte) ([]byte, error) {
	from, limit, err := decodeBacklogRequest(data)
	if err != nil {
		return nil, err
	}

	records, err := f.source.Events(from, limit)
	if err != nil {
		return nil, fmt.Errorf("read backlog:\n%w", err)
	}

	logger.Debug("backlog served", "peer", p.ID().Short(), "from", from, "count", len(records))

	return encodeBacklogResponse(records), nil
}
