// Package reliable implements the reliable datagram endpoint shared by the
// chat client and chat server: sequence numbers, ACK correlation,
// exponential-backoff retransmission, and a SYN handshake. Per-request
// bookkeeping uses an atomic SEQN counter, an atomic completion flag and a
// retransmission goroutine per outstanding request, plus idempotent close,
// keyed by (peer, SEQN)
// rather than a byte-stream position.
package reliable

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"udpchat/internal/chaterr"
	"udpchat/internal/protocol"
	"udpchat/internal/wire"
)

// DefaultInitialBackoff is d0 from the design: the delay before the first
// retransmission of an unacknowledged request.
const DefaultInitialBackoff = 500 * time.Millisecond

// MaxTimeout is the total retransmission budget for a single request. The
// request fails with TIMED_OUT at the first backoff tick at which cumulative
// elapsed time has reached this: 7.5s (0.5+1+2+4) with DefaultInitialBackoff.
const MaxTimeout = 5 * time.Second

// BroadcastInitialBackoff is the initial backoff used for group fan-out
// sends: fan-out traffic should not be retransmitted aggressively.
const BroadcastInitialBackoff = 2 * time.Second

// MaxOutstanding bounds the outstanding-request table per endpoint. Sends
// beyond this are rejected with chaterr.ErrOverloaded.
const MaxOutstanding = 10000

// Result is what a RequestHandle resolves to: either a decoded ACK body, or
// a failure (chaterr.ErrTimedOut, chaterr.ErrConnectionClosed, ...).
type Result struct {
	Body protocol.AckBody
	Err  error
}

// RequestHandle is a completion handle for one outstanding request. It also
// exposes the sequence number and original envelope so a caller can re-drive
// a timed-out send into an application-level backlog.
type RequestHandle struct {
	Seqn     int32
	Envelope protocol.Envelope
	resultCh chan Result
}

// Wait blocks until the request completes or ctx is cancelled. Any number
// of callers may Wait on the same handle; each observes the same result.
func (h *RequestHandle) Wait(ctx context.Context) (protocol.AckBody, error) {
	select {
	case r := <-h.resultCh:
		// Put the result back for any other waiter. The channel holds one
		// value and is written exactly once, so this never blocks.
		h.resultCh <- r
		return r.Body, r.Err
	case <-ctx.Done():
		return protocol.AckBody{}, ctx.Err()
	}
}

// OnRequest is invoked for every inbound non-ACK frame; the caller (chat
// server or chat client) is responsible for any semantic processing and ACK
// emission.
type OnRequest func(pkt wire.Packet, from net.Addr)

// OnTimeout is invoked once a request's retransmission budget is exhausted,
// naming the peer it was addressed to. The chat server wires this to its
// address registry (deregistering a vanished subscriber); the chat client
// wires it to its connection-lost signal.
type OnTimeout func(peer net.Addr)

type outstandingRequest struct {
	seqn     int32
	peer     net.Addr
	wireBuf  []byte
	envelope protocol.Envelope
	resultCh chan Result
	cancel   chan struct{}
	done     atomic.Bool
}

// Endpoint is a reliable request/response layer over a net.PacketConn.
// Exactly one goroutine per outstanding request manages that request's
// retransmission schedule; the outstanding table itself is guarded by mu,
// which plays the role the design notes describe for a single owning
// actor (all table mutation goes through Endpoint's methods).
type Endpoint struct {
	conn        net.PacketConn
	defaultPeer net.Addr
	onRequest   OnRequest
	onTimeout   OnTimeout

	seqn atomic.Int32

	mu          sync.Mutex
	outstanding map[string]*outstandingRequest
	closed      bool
}

// New creates an Endpoint over conn. defaultPeer may be nil for server
// endpoints (every send must then specify its own peer); it is the client's
// configured remote otherwise. onRequest and onTimeout may both be nil.
func New(conn net.PacketConn, defaultPeer net.Addr, onRequest OnRequest, onTimeout OnTimeout) *Endpoint {
	return &Endpoint{
		conn:        conn,
		defaultPeer: defaultPeer,
		onRequest:   onRequest,
		onTimeout:   onTimeout,
		outstanding: make(map[string]*outstandingRequest),
	}
}

func key(peer net.Addr, seqn int32) string {
	return fmt.Sprintf("%s#%d", peer.String(), seqn)
}

// sendConfig holds the per-send tunables set via SendOption.
type sendConfig struct {
	initialBackoff time.Duration
	maxTimeout     time.Duration
}

// SendOption customizes a single Send call.
type SendOption func(*sendConfig)

// WithInitialBackoff overrides d0 for this send. Group broadcast copies use
// BroadcastInitialBackoff instead of the default.
func WithInitialBackoff(d time.Duration) SendOption {
	return func(c *sendConfig) { c.initialBackoff = d }
}

func defaultSendConfig() sendConfig {
	return sendConfig{initialBackoff: DefaultInitialBackoff, maxTimeout: MaxTimeout}
}

// Send transmits body as a fresh request to peer (or the endpoint's default
// peer if peer is nil) and returns a handle resolvable to the peer's ACK or
// a TIMED_OUT failure. The sequence number is allocated by incrementing the
// endpoint's counter by the serialized byte length of the packet, per the
// SEQN uniqueness invariant.
func (e *Endpoint) Send(body any, peer net.Addr, opts ...SendOption) (*RequestHandle, error) {
	if peer == nil {
		peer = e.defaultPeer
	}
	if peer == nil {
		return nil, fmt.Errorf("reliable: no peer specified and no default peer configured")
	}
	cfg := defaultSendConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	length, err := wire.Len(wire.Header{}, body)
	if err != nil {
		return nil, err
	}
	seqn := e.allocateSeqn(length)
	h := wire.Header{Seqn: seqn}
	return e.dispatch(h, body, peer, cfg)
}

// Connect sends the SYN handshake packet: SEQN=0, SYN=1, with the given
// username in the body (username may be empty for an anonymous connect).
func (e *Endpoint) Connect(username string, peer net.Addr) (*RequestHandle, error) {
	if peer == nil {
		peer = e.defaultPeer
	}
	if peer == nil {
		return nil, fmt.Errorf("reliable: no peer specified and no default peer configured")
	}
	var body any
	if username != "" {
		body = protocol.Envelope{Username: username}
	}
	length, err := wire.Len(wire.Header{}, body)
	if err != nil {
		return nil, err
	}
	// The SYN itself always carries the literal SEQN=0, but allocateSeqn
	// still advances the counter by the packet's length so the first
	// ordinary Send (which allocates off the same counter) can never land
	// on 0 too and collide with the SYN's still-outstanding entry.
	e.allocateSeqn(length)
	h := wire.Header{Seqn: 0, Syn: true}
	return e.dispatch(h, body, peer, defaultSendConfig())
}

func (e *Endpoint) dispatch(h wire.Header, body any, peer net.Addr, cfg sendConfig) (*RequestHandle, error) {
	packet, err := wire.Encode(h, body)
	if err != nil {
		return nil, err
	}

	var envelope protocol.Envelope
	if env, ok := body.(protocol.Envelope); ok {
		envelope = env
	}

	req := &outstandingRequest{
		seqn:     h.Seqn,
		peer:     peer,
		wireBuf:  packet,
		envelope: envelope,
		resultCh: make(chan Result, 1),
		cancel:   make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, chaterr.ErrConnectionClosed
	}
	if len(e.outstanding) >= MaxOutstanding {
		e.mu.Unlock()
		return nil, chaterr.ErrOverloaded
	}
	e.outstanding[key(peer, h.Seqn)] = req
	e.mu.Unlock()

	if _, err := e.conn.WriteTo(packet, peer); err != nil {
		e.removeOutstanding(peer, h.Seqn)
		return nil, err
	}
	go e.retransmitLoop(req, cfg.initialBackoff, cfg.maxTimeout)

	return &RequestHandle{Seqn: h.Seqn, Envelope: envelope, resultCh: req.resultCh}, nil
}

func (e *Endpoint) allocateSeqn(length int) int32 {
	for {
		old := e.seqn.Load()
		next := old + int32(length)
		if e.seqn.CompareAndSwap(old, next) {
			return old
		}
	}
}

func (e *Endpoint) retransmitLoop(req *outstandingRequest, delay, maxTimeout time.Duration) {
	var elapsed time.Duration
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-req.cancel:
			return
		case <-timer.C:
			elapsed += delay
			if elapsed >= maxTimeout {
				e.completeTimeout(req)
				return
			}
			e.conn.WriteTo(req.wireBuf, req.peer)
			delay *= 2
			if delay > maxTimeout {
				delay = maxTimeout
			}
			timer.Reset(delay)
		}
	}
}

func (e *Endpoint) removeOutstanding(peer net.Addr, seqn int32) {
	e.mu.Lock()
	delete(e.outstanding, key(peer, seqn))
	e.mu.Unlock()
}

func (e *Endpoint) completeTimeout(req *outstandingRequest) {
	if !req.done.CompareAndSwap(false, true) {
		return
	}
	e.removeOutstanding(req.peer, req.seqn)
	req.resultCh <- Result{Err: chaterr.ErrTimedOut}
	if e.onTimeout != nil {
		e.onTimeout(req.peer)
	}
}

func (e *Endpoint) completeSuccess(req *outstandingRequest, body protocol.AckBody) {
	if !req.done.CompareAndSwap(false, true) {
		return
	}
	close(req.cancel)
	req.resultCh <- Result{Body: body}
}

// OnDatagram decodes data as a frame and, if it's a valid ACK matching an
// outstanding request, completes that request and cancels its
// retransmission goroutine. Non-ACK frames are forwarded to onRequest.
// Returns false if data wasn't a valid frame at all (malformed), in which
// case the caller should drop it silently without ACKing.
func (e *Endpoint) OnDatagram(data []byte, from net.Addr) bool {
	pkt, err := wire.Decode(data)
	if err != nil {
		return false
	}

	if pkt.Header.Ack {
		e.mu.Lock()
		req, ok := e.outstanding[key(from, pkt.Header.Seqn)]
		if ok {
			delete(e.outstanding, key(from, pkt.Header.Seqn))
		}
		e.mu.Unlock()
		if ok {
			var body protocol.AckBody
			if len(pkt.Body) > 0 {
				_ = json.Unmarshal(pkt.Body, &body)
			}
			e.completeSuccess(req, body)
		}
		return true
	}

	if e.onRequest != nil {
		e.onRequest(pkt, from)
	}
	return true
}

// SendAck transmits a one-shot ACK packet for seqn to peer. ACKs are never
// retransmitted: if they're lost, the peer's own retransmission will
// prompt another.
func (e *Endpoint) SendAck(seqn int32, body protocol.AckBody, peer net.Addr) error {
	h := wire.Header{Seqn: seqn, Ack: true}
	packet, err := wire.Encode(h, body)
	if err != nil {
		return err
	}
	_, err = e.conn.WriteTo(packet, peer)
	return err
}

// SendEmptyAck transmits a one-shot ACK with no body, used by the chat
// client to acknowledge inbound broadcasts and server notifications.
func (e *Endpoint) SendEmptyAck(seqn int32, peer net.Addr) error {
	h := wire.Header{Seqn: seqn, Ack: true}
	packet, err := wire.Encode(h, nil)
	if err != nil {
		return err
	}
	_, err = e.conn.WriteTo(packet, peer)
	return err
}

// Close cancels every outstanding request's retransmission goroutine and
// fails them all with chaterr.ErrConnectionClosed. Calls after the first
// are no-ops that return nil.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pending := make([]*outstandingRequest, 0, len(e.outstanding))
	for _, req := range e.outstanding {
		pending = append(pending, req)
	}
	e.outstanding = make(map[string]*outstandingRequest)
	e.mu.Unlock()

	for _, req := range pending {
		if req.done.CompareAndSwap(false, true) {
			close(req.cancel)
			req.resultCh <- Result{Err: chaterr.ErrConnectionClosed}
		}
	}
	return e.conn.Close()
}

// Outstanding reports the number of in-flight requests, for tests and
// backpressure monitoring.
func (e *Endpoint) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outstanding)
}
