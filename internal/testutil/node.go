// Package testutil provides a mock field node for exercising discovery,
// supervision and the observer surface end-to-end on loopback.
package testutil

import (
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alessio-palumbo/fieldnode-go/internal/protocol"
	wire "github.com/alessio-palumbo/fieldnode-go/pkg/protocol"
	"github.com/stretchr/testify/require"
)

// MockNode is a loopback field node: a TCP control listener that decodes
// inbound command frames and lets tests inject event frames.
type MockNode struct {
	t *testing.T

	// Commands receives every decoded command frame.
	Commands chan *wire.Command

	mu   sync.Mutex
	ln   net.Listener
	conn net.Conn
}

// NewMockNode starts a mock node on an ephemeral loopback port.
func NewMockNode(t *testing.T) *MockNode {
	t.Helper()

	n := &MockNode{
		t:        t,
		Commands: make(chan *wire.Command, 64),
	}
	n.listen("127.0.0.1:0")
	t.Cleanup(n.Close)
	return n
}

func (n *MockNode) listen(addr string) {
	ln, err := net.Listen("tcp", addr)
	require.NoError(n.t, err)

	n.mu.Lock()
	n.ln = ln
	n.mu.Unlock()

	go n.acceptloop(ln)
}

func (n *MockNode) acceptloop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		n.mu.Lock()
		if n.conn != nil {
			n.conn.Close()
		}
		n.conn = conn
		n.mu.Unlock()

		go n.readloop(conn)
	}
}

func (n *MockNode) readloop(conn net.Conn) {
	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}
		var cmd wire.Command
		if err := json.Unmarshal(frame, &cmd); err != nil {
			continue
		}
		select {
		case n.Commands <- &cmd:
		default:
		}
	}
}

// Port returns the control listener port.
func (n *MockNode) Port() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ln.Addr().(*net.TCPAddr).Port
}

// SendEvent frames and writes an event payload on the live connection.
func (n *MockNode) SendEvent(t *testing.T, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	n.SendRaw(t, data)
}

// SendRaw writes arbitrary bytes as one frame, malformed or not.
func (n *MockNode) SendRaw(t *testing.T, frame []byte) {
	t.Helper()
	conn := n.waitConn(t)
	require.NoError(t, protocol.WriteFrame(conn, frame))
}

// waitConn blocks until the supervisor has connected.
func (n *MockNode) waitConn(t *testing.T) net.Conn {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		conn := n.conn
		n.mu.Unlock()
		if conn != nil {
			return conn
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("No supervisor connection")
	return nil
}

// DropListener closes the listener and any live connection, simulating a
// node crash. Restart brings it back on the same port.
func (n *MockNode) DropListener() int {
	n.mu.Lock()
	port := n.ln.Addr().(*net.TCPAddr).Port
	n.ln.Close()
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	n.mu.Unlock()
	return port
}

// Restart brings the listener back on the given port.
func (n *MockNode) Restart(port int) {
	n.listen(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
}

// Close stops the node.
func (n *MockNode) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ln != nil {
		n.ln.Close()
	}
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
}

// Announce sends a discovery announce datagram to the given UDP address,
// as a node broadcasting its presence would.
func Announce(t *testing.T, target *net.UDPAddr, a wire.Announce) {
	t.Helper()

	payload, err := json.Marshal(struct {
		Type string `json:"type"`
		wire.Announce
	}{Type: wire.EventAnnounce, Announce: a})
	require.NoError(t, err)

	conn, err := net.DialUDP("udp", nil, target)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(payload)
	require.NoError(t, err)
}
