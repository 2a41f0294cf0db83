// internal/transport/conn.go
// Package transport moves fleet messages as JSON datagrams over UDP. The
// channel is deliberately unreliable: senders never wait for delivery, and
// every periodic loop (heartbeats, dispatch, timing rebroadcast) covers for
// a lost datagram on its next pass.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
)

const maxDatagram = 2048

// Handler receives one decoded envelope with its sender address.
type Handler func(from *net.UDPAddr, env Envelope)

// Conn is one UDP endpoint used by both the coordinator and the agents.
type Conn struct {
	pc *net.UDPConn
}

// Listen opens a UDP endpoint on addr ("host:port"; empty port picks one).
func Listen(addr string) (*Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	pc, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", addr, err)
	}
	return &Conn{pc: pc}, nil
}

// LocalAddr returns the bound address.
func (c *Conn) LocalAddr() string {
	return c.pc.LocalAddr().String()
}

// Close shuts the endpoint; a blocked Run returns.
func (c *Conn) Close() error {
	return c.pc.Close()
}

// Send marshals and fires one datagram at addr. Failures are logged and
// swallowed; the caller's periodic loop is the retry.
func (c *Conn) Send(addr string, msgType string, payload any) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		log.Printf("transport: bad address %q for %s: %v", addr, msgType, err)
		return
	}
	data, err := Encode(msgType, payload)
	if err != nil {
		log.Printf("transport: %v", err)
		return
	}
	if _, err := c.pc.WriteToUDP(data, udpAddr); err != nil {
		log.Printf("transport: send %s to %s failed: %v", msgType, addr, err)
	}
}

// Run reads datagrams and hands decoded envelopes to the handler until ctx
// is cancelled or the connection closes. Undecodable datagrams are dropped
// with a log line.
func (c *Conn) Run(ctx context.Context, handler Handler) {
	go func() {
		<-ctx.Done()
		c.pc.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := c.pc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("transport: read failed: %v", err)
			return
		}
		var env Envelope
		if err := json.Unmarshal(buf[:n], &env); err != nil {
			log.Printf("transport: dropping malformed datagram from %s: %v", from, err)
			continue
		}
		handler(from, env)
	}
}
