// loadtest hammers a relay server with concurrent publishers and reports
// delivery throughput. It needs a server running in insecure auth mode.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatrelay/chatrelay/pkg/protocol"
)

func main() {
	addr := flag.String("addr", "localhost:6464", "Server address")
	clients := flag.Int("clients", 10, "Concurrent client connections")
	messages := flag.Int("messages", 100, "Messages published per client")
	flag.Parse()

	// The first client creates one group channel everyone else joins.
	setup, err := dial(*addr, "load-0")
	if err != nil {
		fatal("setup connection: %v", err)
	}
	partners := make([]string, 0, *clients-1)
	for i := 1; i < *clients; i++ {
		partners = append(partners, fmt.Sprintf("load-%d", i))
	}
	channel, err := setup.createGroup(partners)
	if err != nil {
		fatal("create channel: %v", err)
	}
	setup.conn.Close()

	var delivered int64
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			c, err := dial(*addr, fmt.Sprintf("load-%d", id))
			if err != nil {
				fatal("client %d: %v", id, err)
			}
			defer c.conn.Close()

			if err := c.request(map[string]interface{}{
				"method": protocol.MethodAttend, "channel": channel,
			}); err != nil {
				fatal("client %d attend: %v", id, err)
			}

			// Expect every publish from every client back.
			expect := *clients * *messages
			done := make(chan struct{})
			go func() {
				defer close(done)
				for n := 0; n < expect; n++ {
					c.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
					if _, err := protocol.ReadEnvelope(c.conn); err != nil {
						return
					}
					atomic.AddInt64(&delivered, 1)
				}
			}()

			for n := 0; n < *messages; n++ {
				if err := c.send(map[string]interface{}{
					"method":  protocol.MethodPublish,
					"type":    "text",
					"message": fmt.Sprintf("c%d-m%d", id, n),
				}); err != nil {
					fatal("client %d publish: %v", id, err)
				}
			}
			<-done
		}(i)
	}
	wg.Wait()

	elapsed := time.Since(start)
	published := *clients * *messages
	fmt.Printf("published %d messages, %d deliveries in %s (%.0f deliveries/s)\n",
		published, delivered, elapsed.Round(time.Millisecond),
		float64(delivered)/elapsed.Seconds())
}

type client struct {
	conn net.Conn
}

func dial(addr, userID string) (*client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &client{conn: conn}
	if err := c.request(map[string]interface{}{
		"method":           protocol.MethodAuthenticate,
		"protocol_version": int32(1),
		"user_id":          userID,
	}); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *client) send(v interface{}) error {
	doc, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	return protocol.WriteEnvelope(c.conn, doc)
}

// request sends v and waits for one reply, failing on an ERROR status.
func (c *client) request(v interface{}) error {
	if err := c.send(v); err != nil {
		return err
	}
	reply, err := c.recv()
	if err != nil {
		return err
	}
	if reply["status"] == protocol.StatusError {
		return fmt.Errorf("server error: %v", reply["reason"])
	}
	return nil
}

func (c *client) recv() (map[string]interface{}, error) {
	c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	doc, err := protocol.ReadEnvelope(c.conn)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := protocol.Decode(doc, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) createGroup(partners []string) (string, error) {
	if err := c.send(map[string]interface{}{
		"method":      protocol.MethodCreate,
		"partner_ids": partners,
	}); err != nil {
		return "", err
	}
	reply, err := c.recv()
	if err != nil {
		return "", err
	}
	channel, _ := reply["channel"].(string)
	if channel == "" {
		return "", fmt.Errorf("create failed: %v", reply)
	}
	return channel, nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
