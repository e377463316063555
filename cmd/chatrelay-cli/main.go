// chatrelay-cli is a line-oriented debugging client for the relay
// protocol. It prints every envelope the server pushes and turns simple
// commands into requests.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/chatrelay/chatrelay/pkg/protocol"
)

func main() {
	addr := flag.String("addr", "localhost:6464", "Server address")
	user := flag.String("user", "", "User id to authenticate as")
	token := flag.String("token", "", "Auth token (omit for insecure servers)")
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "missing -user")
		os.Exit(1)
	}

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	credentials := map[string]interface{}{
		"method":           protocol.MethodAuthenticate,
		"protocol_version": int32(1),
		"user_id":          *user,
	}
	if *token != "" {
		credentials["token"] = *token
	}
	if err := send(conn, credentials); err != nil {
		fmt.Fprintf(os.Stderr, "authenticate: %v\n", err)
		os.Exit(1)
	}

	// Incoming envelopes (replies and fan-out alike) print as they land.
	go func() {
		for {
			doc, err := protocol.ReadEnvelope(conn)
			if err != nil {
				fmt.Fprintf(os.Stderr, "connection closed: %v\n", err)
				os.Exit(0)
			}
			var env map[string]interface{}
			if err := protocol.Decode(doc, &env); err != nil {
				fmt.Fprintf(os.Stderr, "bad envelope: %v\n", err)
				continue
			}
			fmt.Printf("<< %v\n", env)
		}
	}()

	fmt.Println("commands: channels | unread [channel] | create <user...> | join <ch> | leave <ch> | attend <ch> | exit | say <msg> | ack <ch> <ts> | ping | quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		req, quit := buildRequest(fields)
		if quit {
			return
		}
		if req == nil {
			fmt.Println("?")
			continue
		}
		if err := send(conn, req); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
			return
		}
	}
}

func buildRequest(fields []string) (map[string]interface{}, bool) {
	switch fields[0] {
	case "quit":
		return nil, true
	case "channels":
		return map[string]interface{}{"method": protocol.MethodGetChannels}, false
	case "unread":
		req := map[string]interface{}{"method": protocol.MethodUnread}
		if len(fields) > 1 {
			req["channel"] = fields[1]
		}
		return req, false
	case "create":
		if len(fields) == 2 {
			return map[string]interface{}{"method": protocol.MethodCreate, "partner_id": fields[1]}, false
		}
		if len(fields) > 2 {
			return map[string]interface{}{"method": protocol.MethodCreate, "partner_ids": fields[1:]}, false
		}
	case "join":
		if len(fields) == 2 {
			return map[string]interface{}{"method": protocol.MethodJoin, "channel": fields[1]}, false
		}
	case "leave":
		if len(fields) == 2 {
			return map[string]interface{}{"method": protocol.MethodWithdrawal, "channel": fields[1]}, false
		}
	case "attend":
		if len(fields) == 2 {
			return map[string]interface{}{"method": protocol.MethodAttend, "channel": fields[1]}, false
		}
	case "exit":
		return map[string]interface{}{"method": protocol.MethodExit}, false
	case "say":
		if len(fields) > 1 {
			return map[string]interface{}{
				"method":  protocol.MethodPublish,
				"type":    "text",
				"message": strings.Join(fields[1:], " "),
			}, false
		}
	case "ack":
		if len(fields) == 3 {
			ts, err := strconv.ParseFloat(fields[2], 64)
			if err == nil {
				return map[string]interface{}{
					"method":       protocol.MethodAck,
					"channel":      fields[1],
					"published_at": ts,
				}, false
			}
		}
	case "ping":
		return map[string]interface{}{"method": protocol.MethodPing}, false
	}
	return nil, false
}

func send(conn net.Conn, v interface{}) error {
	doc, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	return protocol.WriteEnvelope(conn, doc)
}
