package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// popTimeout bounds how long the worker blocks on an empty queue before
// re-checking the stop flag.
const popTimeout = 100 * time.Millisecond

type relayMessage struct {
	source      string
	destination string
	data        []byte
}

// Forwarder relays out-of-band data messages toward their destination peer
// on a dedicated worker, keeping RPC goroutines off slow downstream sends.
// The portal runs one; other nodes relay inline.
type Forwarder struct {
	queue   chan relayMessage
	resolve func(destination string) (Peer, bool)
	logger  *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}

	delivered func()
	dropped   func()
}

// NewForwarder creates a forwarder with a bounded queue. resolve maps a
// destination node id to its peer stub.
func NewForwarder(queueSize int, resolve func(string) (Peer, bool), logger *zap.Logger) *Forwarder {
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		queue:     make(chan relayMessage, queueSize),
		resolve:   resolve,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		delivered: func() {},
		dropped:   func() {},
	}
}

// Start launches the worker. Safe to call once.
func (f *Forwarder) Start() {
	f.startOnce.Do(func() {
		go f.run()
	})
}

// Enqueue queues a message for relay. A full queue drops the message, which
// is the same contract a disconnected peer gets.
func (f *Forwarder) Enqueue(source, destination string, data []byte) bool {
	select {
	case f.queue <- relayMessage{source: source, destination: destination, data: data}:
		return true
	default:
		f.logger.Warn("Relay queue full, dropping message",
			zap.String("source", source),
			zap.String("destination", destination))
		f.dropped()
		return false
	}
}

// Stop flags the worker to exit after its current pop and waits for it.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		close(f.stop)
	})
	<-f.done
}

func (f *Forwarder) run() {
	defer close(f.done)
	timer := time.NewTimer(popTimeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(popTimeout)

		select {
		case <-f.stop:
			return
		case msg := <-f.queue:
			f.deliver(msg)
		case <-timer.C:
			// Idle pop; loop to observe the stop flag.
		}
	}
}

func (f *Forwarder) deliver(msg relayMessage) {
	peer, ok := f.resolve(msg.destination)
	if !ok || !peer.IsConnected() {
		f.logger.Warn("Cannot forward message: peer not connected",
			zap.String("destination", msg.destination))
		f.dropped()
		return
	}

	if err := peer.Send(context.Background(), msg.source, msg.destination, msg.data); err != nil {
		f.logger.Warn("Relay send failed",
			zap.String("destination", msg.destination),
			zap.Error(err))
		f.dropped()
		return
	}
	f.delivered()
}
