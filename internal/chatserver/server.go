// Package chatserver implements the chat server core: it owns a
// reliable.Endpoint, dispatches typed requests against a store.Store,
// and fans chat messages out to group subscribers. The read loop logs
// around a single ReadFrom call and drops-and-continues on malformed
// input rather than tearing down the whole server.
package chatserver

import (
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"net"
	"time"

	"github.com/google/uuid"

	"udpchat/internal/chaterr"
	"udpchat/internal/protocol"
	"udpchat/internal/reliable"
	"udpchat/internal/store"
	"udpchat/internal/wire"
)

// SimulatedDropRate is the fraction of inbound datagrams discarded before
// processing when packet loss simulation is enabled, exercising the
// retransmission paths in reliable.Endpoint.
const SimulatedDropRate = 0.2

const maxDatagramSize = 65507

// Server dispatches typed requests over a reliable.Endpoint against a
// storage port, broadcasting CHT messages to group subscribers.
type Server struct {
	conn    net.PacketConn
	ep      *reliable.Endpoint
	store   *store.Store
	simLoss bool
	rng     *rand.Rand
}

// New wires a Server around conn and store. Call Serve to start reading.
func New(conn net.PacketConn, st *store.Store, simulateLoss bool) *Server {
	s := &Server{
		conn:    conn,
		store:   st,
		simLoss: simulateLoss,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.ep = reliable.New(conn, nil, s.handleRequest, s.handleTimeout)
	return s
}

// Serve reads datagrams from the server's connection until it errors,
// handing each to the reliable endpoint (and, optionally, dropping a
// fraction of them first to simulate loss).
func (s *Server) Serve() error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			return err
		}
		if s.simLoss && s.rng.Float64() < SimulatedDropRate {
			log.Printf("chatserver: simulated drop of %d bytes from %s", n, from)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.ep.OnDatagram(data, from)
	}
}

// handleTimeout is the reliable endpoint's on_timed_out hook: every
// outstanding request initiated by the server is a broadcast copy, so a
// timeout here means that subscriber has vanished.
func (s *Server) handleTimeout(peer net.Addr) {
	if err := s.store.DeregisterAddress(peer.String()); err != nil {
		log.Printf("chatserver: deregister %s: %v", peer, err)
	} else {
		log.Printf("chatserver: deregistered unreachable subscriber %s", peer)
	}
}

// handleRequest is the reliable endpoint's on_request hook for every
// inbound non-ACK frame.
func (s *Server) handleRequest(pkt wire.Packet, from net.Addr) {
	var env protocol.Envelope
	if len(pkt.Body) > 0 {
		_ = json.Unmarshal(pkt.Body, &env)
	}

	if pkt.Header.Syn {
		sessionID := uuid.New()
		log.Printf("chatserver: session %s begins for %s (username=%q)", sessionID, from, env.Username)
		if env.Username != "" {
			if err := s.store.UpdateUserAddress(env.Username, from.String()); err != nil {
				log.Printf("chatserver: session %s update_user_address(%s): %v (ignored)", sessionID, env.Username, err)
			}
		}
	}
	if pkt.Header.Fin {
		if err := s.store.DeregisterAddress(from.String()); err != nil {
			log.Printf("chatserver: FIN deregister(%s): %v (ignored)", from, err)
		}
	}

	var ack protocol.AckBody
	if env.Type == "" {
		ack = protocol.OK(nil)
	} else {
		ack = s.dispatch(env, pkt.Header.Seqn, from)
	}

	if err := s.ep.SendAck(pkt.Header.Seqn, ack, from); err != nil {
		log.Printf("chatserver: send ack to %s: %v", from, err)
	}
}

// dispatch routes a typed envelope to its handler, returning the ACK body
// to report back to the origin.
func (s *Server) dispatch(env protocol.Envelope, seqn int32, from net.Addr) protocol.AckBody {
	switch env.Type {
	case protocol.TypeCHT:
		return s.handleChat(env, seqn)
	case protocol.TypeGrpAdd:
		return s.handleGroupAdd(env)
	case protocol.TypeGrpSub:
		return s.handleGroupSub(env)
	case protocol.TypeGrpHst:
		return s.handleGroupHistory(env)
	case protocol.TypeMsgHst:
		return s.handleMessageHistory(env)
	case protocol.TypeUsrAdd:
		return s.handleUserAdd(env)
	case protocol.TypeUsrLogin:
		return s.handleUserLogin(env, from)
	case protocol.TypeUsrLst:
		return s.handleUserList()
	default:
		return protocol.Fail(protocol.StatusClientError, "Unrecognised message type")
	}
}

func (s *Server) handleChat(env protocol.Envelope, seqn int32) protocol.AckBody {
	group := env.Group
	if group == "" {
		group = "default"
	}
	username := env.Username
	if username == "" {
		username = "root"
	}
	timeSent := time.Now()
	if env.TimeSent != "" {
		if parsed, err := time.Parse(time.RFC3339, env.TimeSent); err == nil {
			timeSent = parsed
		}
	}

	if _, err := s.store.NewMessage(group, username, env.Text, timeSent); err != nil {
		return errToAck(err)
	}

	copySeqn := seqn
	broadcast := env
	broadcast.Group = group
	broadcast.Username = username
	broadcast.MsgSeqn = &copySeqn
	s.broadcastToGroup(group, broadcast)

	return protocol.OK(struct{}{})
}

// broadcastToGroup fans body out to every resolvable address subscribed to
// group, one independent reliable send per recipient so each copy carries
// its own SEQN and is retransmitted (or times out) on its own schedule.
func (s *Server) broadcastToGroup(group string, body protocol.Envelope) {
	addrs, err := s.store.AddressesForGroup(group)
	if err != nil {
		log.Printf("chatserver: addresses_for_group(%s): %v", group, err)
		return
	}
	for _, addr := range addrs {
		if _, err := s.ep.Send(body, addr, reliable.WithInitialBackoff(reliable.BroadcastInitialBackoff)); err != nil {
			log.Printf("chatserver: broadcast send to %s: %v", addr, err)
		}
	}
}

func (s *Server) handleGroupAdd(env protocol.Envelope) protocol.AckBody {
	if _, err := s.store.NewGroup(env.Group, env.Username, ""); err != nil {
		return errToAck(err)
	}
	for _, member := range env.Members {
		if err := s.store.NewMember(member, env.Group); err != nil {
			return errToAck(err)
		}
	}
	return protocol.OK(map[string]string{"group": env.Group})
}

func (s *Server) handleGroupSub(env protocol.Envelope) protocol.AckBody {
	if err := s.store.NewMember(env.Username, env.Group); err != nil {
		return errToAck(err)
	}
	return protocol.OK(struct{}{})
}

func (s *Server) handleGroupHistory(env protocol.Envelope) protocol.AckBody {
	rows, err := s.store.GroupHistory(env.Username)
	if err != nil {
		return errToAck(err)
	}
	out := make([]protocol.GroupHistoryEntry, len(rows))
	for i, r := range rows {
		out[i] = protocol.GroupHistoryEntry{Name: r.Name, DateCreated: r.DateCreated}
	}
	return protocol.OK(out)
}

func (s *Server) handleMessageHistory(env protocol.Envelope) protocol.AckBody {
	rows, err := s.store.MessageHistory(env.Group)
	if err != nil {
		return errToAck(err)
	}
	out := make([]protocol.MessageHistoryEntry, len(rows))
	for i, r := range rows {
		out[i] = protocol.MessageHistoryEntry{Username: r.Username, Text: r.Text, DateSent: r.DateSent}
	}
	return protocol.OK(out)
}

func (s *Server) handleUserAdd(env protocol.Envelope) protocol.AckBody {
	created, err := s.store.NewUser(env.Username, env.Password, "")
	if err != nil {
		return errToAck(err)
	}
	if created {
		if err := s.store.NewMember(env.Username, "default"); err != nil {
			log.Printf("chatserver: subscribe new user %s to default: %v", env.Username, err)
		}
	}
	return protocol.OK(map[string]bool{"created_user": created})
}

func (s *Server) handleUserLogin(env protocol.Envelope, from net.Addr) protocol.AckBody {
	valid, err := s.store.UserLogin(env.Username, env.Password, from.String())
	if err != nil {
		return errToAck(err)
	}
	return protocol.OK(map[string]any{
		"credentials_valid": valid,
		"username":          env.Username,
	})
}

func (s *Server) handleUserList() protocol.AckBody {
	users, err := s.store.UserList()
	if err != nil {
		return errToAck(err)
	}
	return protocol.OK(users)
}

// errToAck maps a storage error to its ACK status, per the error taxonomy:
// EXISTS and NOT_FOUND are client errors, anything else is a server error.
func errToAck(err error) protocol.AckBody {
	switch {
	case errors.Is(err, chaterr.ErrExists), errors.Is(err, chaterr.ErrNotFound):
		return protocol.Fail(protocol.StatusClientError, err.Error())
	default:
		return protocol.Fail(protocol.StatusServerError, err.Error())
	}
}
