// Command chatserver runs the group-chat server: positional host and port
// arguments, defaulting to 127.0.0.1:5000.
package main

import (
	"flag"
	"log"
	"net"
	"strconv"

	"udpchat/internal/chatserver"
	"udpchat/internal/store"
)

const defaultHost = "127.0.0.1"
const defaultPort = 5000

func main() {
	simulateLoss := flag.Bool("simulate-loss", false, "drop a fraction of inbound datagrams before processing, to exercise retransmission")
	dbPath := flag.String("db", "chat.db", "path to the SQLite database file (use :memory: for ephemeral storage)")
	flag.Parse()

	host, port := hostAndPort(flag.Args())
	log.Printf("chatserver: starting at %s:%d (db=%s)", host, port, *dbPath)

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("chatserver: open store: %v", err)
	}
	defer st.Close()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(host), Port: port})
	if err != nil {
		log.Fatalf("chatserver: listen on %s:%d: %v", host, port, err)
	}
	log.Printf("chatserver: listening on %s", conn.LocalAddr())

	srv := chatserver.New(conn, st, *simulateLoss)
	if err := srv.Serve(); err != nil {
		log.Fatalf("chatserver: serve: %v", err)
	}
}

// hostAndPort mirrors get_host_and_port(): with two positional args, both
// are taken from args; with one, only host is overridden; with none, both
// defaults apply.
func hostAndPort(args []string) (string, int) {
	host, port := defaultHost, defaultPort
	switch len(args) {
	case 0:
	case 1:
		host = args[0]
	default:
		host = args[0]
		if p, err := strconv.Atoi(args[1]); err == nil {
			port = p
		} else {
			log.Printf("chatserver: invalid port %q, using default %d", args[1], defaultPort)
		}
	}
	return host, port
}
