// Command chatclient is a terminal front-end for the group-chat core:
// it connects to a server, reads lines from standard input and sends
// each as a CHT to the "default" group, and prints inbound broadcasts.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"udpchat/internal/chatclient"
	"udpchat/internal/protocol"
)

const defaultHost = "127.0.0.1"
const defaultPort = 5000

func main() {
	username := flag.String("username", "root", "username to present in the SYN handshake")
	flag.Parse()

	host, port := hostAndPort(flag.Args())
	raddr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}

	client, err := chatclient.Dial(raddr, *username, onMessage)
	if err != nil {
		log.Fatalf("chatclient: dial %s: %v", raddr, err)
	}
	defer client.Close()

	select {
	case <-client.Connected():
		log.Printf("chatclient: connected to %s as %q", raddr, *username)
	case <-time.After(chatclient.ConnectTimeout):
		log.Printf("chatclient: no SYN ack from %s within %s, continuing anyway", raddr, chatclient.ConnectTimeout)
	}

	go func() {
		<-client.ConnectionLost()
		log.Printf("chatclient: connection to %s lost", raddr)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		if _, err := client.Send(protocol.Envelope{
			Type:  protocol.TypeCHT,
			Group: "default",
			Text:  text,
		}); err != nil {
			log.Printf("chatclient: send: %v", err)
		}
	}
}

func onMessage(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeCHT:
		fmt.Printf("[%s] %s: %s\n", env.Group, env.Username, env.Text)
	case protocol.TypeMsgRba:
		fmt.Printf("(read by all) %s\n", env.Text)
	case protocol.TypeGrpAdd:
		fmt.Printf("added to group %q\n", env.Group)
	}
}

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
			log.Printf("chatclient: invalid port %q, using default %d", args[1], defaultPort)
		}
	}
	return host, port
}
