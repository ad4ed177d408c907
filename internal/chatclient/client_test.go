package chatclient

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"udpchat/internal/chaterr"
	"udpchat/internal/protocol"
	"udpchat/internal/wire"
)

// echoServer is a minimal stand-in for the chat server: it ACKs every
// inbound frame with status 200 and an empty response, so these tests
// exercise only the client's half of the contract.
func echoServer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 65507)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			pkt, err := wire.Decode(buf[:n])
			if err != nil {
				continue
			}
			if pkt.Header.Ack {
				continue
			}
			ackPkt, err := wire.Encode(wire.Header{Seqn: pkt.Header.Seqn, Ack: true}, protocol.OK(nil))
			if err != nil {
				continue
			}
			conn.WriteTo(ackPkt, from)
		}
	}()
	return conn
}

func TestDialCompletesConnected(t *testing.T) {
	server := echoServer(t)

	client, err := Dial(server.LocalAddr().(*net.UDPAddr), "alice", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	select {
	case <-client.Connected():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Connected()")
	}
}

func TestSendRoundTrip(t *testing.T) {
	server := echoServer(t)
	client, err := Dial(server.LocalAddr().(*net.UDPAddr), "alice", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	<-client.Connected()

	handle, err := client.Send(protocol.Envelope{Type: protocol.TypeCHT, Text: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	body, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if body.Status != protocol.StatusOK {
		t.Fatalf("status = %d", body.Status)
	}
}

func TestInboundBroadcastInvokesHandlerAndAcks(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	received := make(chan protocol.Envelope, 1)
	client, err := Dial(conn.LocalAddr().(*net.UDPAddr), "alice", func(env protocol.Envelope) {
		received <- env
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	// Act as the server: read the SYN, ack it, then push an unsolicited CHT.
	buf := make([]byte, 65507)
	n, from, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read SYN: %v", err)
	}
	synPkt, err := wire.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode SYN: %v", err)
	}
	ackPkt, _ := wire.Encode(wire.Header{Seqn: synPkt.Header.Seqn, Ack: true}, protocol.OK(nil))
	conn.WriteTo(ackPkt, from)

	broadcastPkt, _ := wire.Encode(wire.Header{Seqn: 999}, protocol.Envelope{Type: protocol.TypeCHT, Text: "group hi"})
	conn.WriteTo(broadcastPkt, from)

	select {
	case env := <-received:
		if env.Text != "group hi" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast to reach handler")
	}

	// The client should have piggy-backed an ACK for the broadcast's SEQN.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err = conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("expected client ack for broadcast: %v", err)
	}
	ackBack, err := wire.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode client ack: %v", err)
	}
	if !ackBack.Header.Ack || ackBack.Header.Seqn != 999 {
		t.Fatalf("expected ack for seqn 999, got %+v", ackBack.Header)
	}
}

func TestBacklogCapturesTimedOutSend(t *testing.T) {
	blackhole, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := blackhole.LocalAddr().(*net.UDPAddr)
	blackhole.Close()

	client, err := Dial(addr, "alice", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if backlog := client.Backlog(); len(backlog) != 0 {
		t.Fatalf("expected empty backlog before any send, got %+v", backlog)
	}

	sent := protocol.Envelope{Type: protocol.TypeCHT, Text: "never delivered"}
	handle, err := client.Send(sent)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := handle.Wait(ctx); !errors.Is(err, chaterr.ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}

	// watch() appends to the backlog right after the same completion Wait
	// just observed; give that goroutine a moment to run.
	var backlog []protocol.Envelope
	for i := 0; i < 20; i++ {
		backlog = client.Backlog()
		if len(backlog) == 1 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if len(backlog) != 1 || backlog[0].Text != sent.Text {
		t.Fatalf("Backlog() = %+v, want one envelope with text %q", backlog, sent.Text)
	}
	if again := client.Backlog(); len(again) != 0 {
		t.Fatalf("expected Backlog() to drain on read, got %+v", again)
	}
}

func TestConnectionLostOnTimeout(t *testing.T) {
	blackhole, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := blackhole.LocalAddr().(*net.UDPAddr)
	blackhole.Close()

	client, err := Dial(addr, "alice", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	select {
	case <-client.ConnectionLost():
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for ConnectionLost()")
	}
}
