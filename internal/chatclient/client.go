// Package chatclient implements the chat client core: it owns a
// reliable.Endpoint pointed at a configured server, issues a SYN on
// construction, ACKs inbound broadcasts, and surfaces connection
// lifecycle and message events to a consuming front-end. A Dial-style
// constructor stands up a listen goroutine before returning.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"udpchat/internal/chaterr"
	"udpchat/internal/protocol"
	"udpchat/internal/reliable"
	"udpchat/internal/wire"
)

const maxDatagramSize = 65507

// MessageHandler is invoked for every inbound non-ACK message (chat
// broadcasts, read-by-all notifications, group-add notices, ...).
type MessageHandler func(protocol.Envelope)

// Client is a chat session from the consuming front-end's perspective: a
// configured remote, a reliable endpoint, and the bookkeeping needed to
// report connection loss and replay timed-out sends after reconnecting.
type Client struct {
	username string
	remote   net.Addr
	conn     net.PacketConn
	ep       *reliable.Endpoint

	onMessage MessageHandler

	connectedCh chan struct{}
	connLostCh  chan struct{}

	mu      sync.Mutex
	closed  bool
	backlog []protocol.Envelope
}

// Dial opens a UDP socket, wraps it in a reliable endpoint pointed at
// raddr, and issues the SYN handshake carrying username. It returns before
// the SYN completes; use Connected() to wait for server_connected.
func Dial(raddr *net.UDPAddr, username string, onMessage MessageHandler) (*Client, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("chatclient: listen: %w", err)
	}
	log.Printf("chatclient: dialing %s from %s as %q", raddr, conn.LocalAddr(), username)

	c := &Client{
		username:    username,
		remote:      raddr,
		conn:        conn,
		onMessage:   onMessage,
		connectedCh: make(chan struct{}),
		connLostCh:  make(chan struct{}),
	}
	c.ep = reliable.New(conn, raddr, c.handleInbound, c.handleTimeout)
	go c.listen()

	handle, err := c.ep.Connect(username, raddr)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("chatclient: connect: %w", err)
	}
	go c.awaitConnected(handle)

	return c, nil
}

func (c *Client) awaitConnected(handle *reliable.RequestHandle) {
	body, err := handle.Wait(context.Background())
	if err != nil {
		log.Printf("chatclient: SYN for %q failed: %v", c.username, err)
		return
	}
	if body.Status == protocol.StatusOK {
		close(c.connectedCh)
	}
}

// Connected resolves once the server has ACKed the SYN handshake.
func (c *Client) Connected() <-chan struct{} {
	return c.connectedCh
}

// ConnectionLost resolves once a request's retransmission budget is
// exhausted, signaling the server is unreachable.
func (c *Client) ConnectionLost() <-chan struct{} {
	return c.connLostCh
}

// listen is the read loop pumping datagrams from conn into the endpoint.
func (c *Client) listen() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := c.conn.ReadFrom(buf)
		if err != nil {
			log.Printf("chatclient[%s]: read error, stopping: %v", c.username, err)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		c.ep.OnDatagram(data, from)
	}
}

// Send transmits a typed request to the server and, if it eventually times
// out, appends the original envelope to the backlog for replay after a
// Reconnect.
func (c *Client) Send(env protocol.Envelope) (*reliable.RequestHandle, error) {
	handle, err := c.ep.Send(env, nil)
	if err != nil {
		return nil, err
	}
	go c.watch(handle)
	return handle, nil
}

func (c *Client) watch(handle *reliable.RequestHandle) {
	_, err := handle.Wait(context.Background())
	if err == nil {
		return
	}
	if errors.Is(err, chaterr.ErrTimedOut) {
		c.mu.Lock()
		c.backlog = append(c.backlog, handle.Envelope)
		c.mu.Unlock()
	}
}

// handleInbound is the reliable endpoint's on_request hook: it ACKs
// broadcast-style messages (CHT, MSG_RBA, GRP_ADD) and forwards every
// non-ACK message to the configured handler.
func (c *Client) handleInbound(pkt wire.Packet, from net.Addr) {
	var env protocol.Envelope
	if len(pkt.Body) > 0 {
		if err := json.Unmarshal(pkt.Body, &env); err != nil {
			log.Printf("chatclient[%s]: malformed inbound body from %s: %v", c.username, from, err)
			return
		}
	}

	switch env.Type {
	case protocol.TypeCHT, protocol.TypeMsgRba, protocol.TypeGrpAdd:
		if err := c.ep.SendEmptyAck(pkt.Header.Seqn, from); err != nil {
			log.Printf("chatclient[%s]: ack %s to %s: %v", c.username, env.Type, from, err)
		}
	}

	if c.onMessage != nil {
		c.onMessage(env)
	}
}

// handleTimeout is the reliable endpoint's on_timed_out hook. Any
// outstanding request timing out means the server is unreachable, so the
// client treats it as terminal: it signals ConnectionLost exactly once.
func (c *Client) handleTimeout(net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.connLostCh)
	}
}

// Backlog returns (and clears) every envelope whose send timed out since
// the last call, for replay against a freshly Reconnect-ed client.
func (c *Client) Backlog() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.backlog
	c.backlog = nil
	return out
}

// Reconnect discards this client's endpoint and outstanding requests and
// dials a fresh one to the same remote and username, per the design's
// "a reconnect is performed by constructing a new endpoint" contract.
func (c *Client) Reconnect() (*Client, error) {
	return Dial(c.remote.(*net.UDPAddr), c.username, c.onMessage)
}

// Close releases the underlying socket and fails any outstanding requests.
func (c *Client) Close() error {
	return c.ep.Close()
}

// ConnectTimeout bounds how long callers should wait on Connected() before
// treating a Dial as failed; exported as a suggested default, not enforced
// by the client itself.
const ConnectTimeout = 5 * time.Second
