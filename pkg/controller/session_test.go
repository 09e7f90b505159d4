package controller

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	frame "github.com/alessio-palumbo/fieldnode-go/internal/protocol"
	"github.com/alessio-palumbo/fieldnode-go/pkg/device"
	"github.com/alessio-palumbo/fieldnode-go/pkg/messages"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDialer hands out in-memory pipes and exposes the server ends.
type mockDialer struct {
	mu    sync.Mutex
	fail  bool
	dials atomic.Int32
	conns chan net.Conn
}

func newMockDialer() *mockDialer {
	return &mockDialer{conns: make(chan net.Conn, 10)}
}

func (d *mockDialer) dial(addr string, timeout time.Duration) (net.Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	fail := d.fail
	d.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}

	client, server := net.Pipe()
	d.conns <- server
	return client, nil
}

func (d *mockDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

// serverConn waits for the session's next connection attempt.
func (d *mockDialer) serverConn(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-d.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("Session never connected")
		return nil
	}
}

func testConfig(d *mockDialer) *Config {
	return &Config{
		dialer:             d.dial,
		connectTimeout:     100 * time.Millisecond,
		dispatchDeadline:   50 * time.Millisecond,
		backoffInitial:     10 * time.Millisecond,
		backoffCap:         50 * time.Millisecond,
		backoffResetAfter:  time.Minute,
		malformedThreshold: 8,
		commandQueueSize:   4,
	}
}

func newTestSession(t *testing.T, d *mockDialer) (*DeviceSession, chan DeviceEvent) {
	t.Helper()
	dev := device.NewDevice("node-1", "aa:bb:cc:00:00:01", net.IPv4(127, 0, 0, 1), 7001, 0)
	ingest := make(chan DeviceEvent, 64)
	managerDone := make(chan struct{})
	s := newDeviceSession(dev, testConfig(d), ingest, managerDone, func() {})
	t.Cleanup(func() {
		s.Close()
		close(managerDone)
	})
	return s, ingest
}

func waitState(t *testing.T, s *DeviceSession, want device.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("State never reached %s, stuck in %s", want, s.State())
}

func writeEventFrame(t *testing.T, conn net.Conn, payload string) {
	t.Helper()
	require.NoError(t, frame.WriteFrame(conn, []byte(payload)))
}

func recvEvent(t *testing.T, ingest chan DeviceEvent) DeviceEvent {
	t.Helper()
	select {
	case ev := <-ingest:
		return ev
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
		return DeviceEvent{}
	}
}

func TestSessionForwardsEventsInOrder(t *testing.T) {
	d := newMockDialer()
	s, ingest := newTestSession(t, d)

	server := d.serverConn(t)
	defer server.Close()
	waitState(t, s, device.StateReady)

	writeEventFrame(t, server, `{"type":"telemetry","n":1}`)
	writeEventFrame(t, server, `{"type":"telemetry","n":2}`)
	writeEventFrame(t, server, `{"type":"variable_changed","k":"x"}`)

	for i, wantType := range []string{"telemetry", "telemetry", "variable_changed"} {
		ev := recvEvent(t, ingest)
		assert.Equal(t, device.ID("node-1"), ev.DeviceID)
		assert.Equal(t, wantType, ev.Event.Type)
		assert.Equal(t, uint64(i), ev.Seq, "wire order, gapless")
	}
	assert.False(t, s.DeviceSnapshot().LastSeenAt.IsZero())
}

func TestSessionReconnectsAfterEOF(t *testing.T) {
	d := newMockDialer()
	s, ingest := newTestSession(t, d)

	server := d.serverConn(t)
	waitState(t, s, device.StateReady)
	writeEventFrame(t, server, `{"type":"telemetry","n":1}`)
	recvEvent(t, ingest)

	server.Close()

	// The session backs off and dials again.
	server2 := d.serverConn(t)
	defer server2.Close()
	waitState(t, s, device.StateReady)

	// Nothing phantom was enqueued while down; the counter continues.
	select {
	case ev := <-ingest:
		t.Fatalf("Phantom event during backoff: %+v", ev)
	default:
	}

	writeEventFrame(t, server2, `{"type":"telemetry","n":2}`)
	ev := recvEvent(t, ingest)
	assert.Equal(t, uint64(1), ev.Seq)
}

func TestSessionBackoffGrows(t *testing.T) {
	d := newMockDialer()
	d.setFail(true)
	s, _ := newTestSession(t, d)

	waitState(t, s, device.StateBackoff)
	before := d.dials.Load()
	time.Sleep(120 * time.Millisecond)
	after := d.dials.Load()

	// With 10ms initial doubling to a 50ms cap, attempts keep coming
	// but stay bounded.
	assert.Greater(t, after, before)
	assert.LessOrEqual(t, after-before, int32(8))
}

func TestSessionMalformedThreshold(t *testing.T) {
	d := newMockDialer()
	s, ingest := newTestSession(t, d)

	server := d.serverConn(t)
	waitState(t, s, device.StateReady)

	// Seven malformed frames leave the connection up.
	for i := 0; i < 7; i++ {
		writeEventFrame(t, server, `not json`)
	}
	writeEventFrame(t, server, `{"type":"telemetry"}`)
	ev := recvEvent(t, ingest)
	assert.Equal(t, uint64(0), ev.Seq)

	// Eight consecutive malformed frames are fatal to this connection
	// only; the session reconnects.
	for i := 0; i < 8; i++ {
		writeEventFrame(t, server, `not json`)
	}
	server2 := d.serverConn(t)
	defer server2.Close()
	waitState(t, s, device.StateReady)
}

func TestSessionDispatchUnavailable(t *testing.T) {
	d := newMockDialer()
	d.setFail(true)
	s, _ := newTestSession(t, d)

	waitState(t, s, device.StateBackoff)

	err := s.Dispatch(messages.Reset(), 10*time.Millisecond)
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, device.ID("node-1"), unavailable.DeviceID)
}

func TestSessionDispatchQueueFull(t *testing.T) {
	d := newMockDialer()
	s, _ := newTestSession(t, d)

	server := d.serverConn(t)
	defer server.Close()
	waitState(t, s, device.StateReady)

	// The server never reads, so the writer blocks and the queue fills.
	var sawFull bool
	for i := 0; i < 10; i++ {
		if err := s.Dispatch(messages.GetVariable("x"), 20*time.Millisecond); err != nil {
			require.ErrorIs(t, err, ErrCommandQueueFull)
			sawFull = true
			break
		}
	}
	assert.True(t, sawFull, "backpressure never surfaced")
}

func TestSessionDispatchTrackedOutcome(t *testing.T) {
	d := newMockDialer()
	s, _ := newTestSession(t, d)

	server := d.serverConn(t)
	defer server.Close()
	waitState(t, s, device.StateReady)

	// Consume whatever the writer sends.
	go func() {
		for {
			if _, err := frame.ReadFrame(server); err != nil {
				return
			}
		}
	}()

	outcome, err := s.DispatchTracked(messages.Reset(), time.Second)
	require.NoError(t, err)

	select {
	case err := <-outcome:
		assert.NoError(t, err, "transmission outcome")
	case <-time.After(time.Second):
		t.Fatal("No transmission outcome")
	}
}

func TestSessionCloseDrainsToDead(t *testing.T) {
	d := newMockDialer()
	s, _ := newTestSession(t, d)

	server := d.serverConn(t)
	defer server.Close()
	waitState(t, s, device.StateReady)

	s.Close()
	waitState(t, s, device.StateDead)

	err := s.Dispatch(messages.Reset(), 10*time.Millisecond)
	var unavailable *UnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestSessionUDPSideChannel(t *testing.T) {
	d := newMockDialer()

	// Reserve a loopback port for the side-channel.
	probe, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	udpPort := probe.LocalAddr().(*net.UDPAddr).Port
	probe.Close()

	cfg := testConfig(d)
	cfg.bindIP = net.IPv4(127, 0, 0, 1)
	dev := device.NewDevice("node-1", "aa:bb:cc:00:00:01", net.IPv4(127, 0, 0, 1), 7001, udpPort)
	ingest := make(chan DeviceEvent, 64)
	managerDone := make(chan struct{})
	s := newDeviceSession(dev, cfg, ingest, managerDone, func() {})
	t.Cleanup(func() {
		s.Close()
		close(managerDone)
	})

	server := d.serverConn(t)
	defer server.Close()
	waitState(t, s, device.StateReady)

	// Datagrams reach the ingest channel like TCP events. Garbled ones
	// are dropped without affecting the stream.
	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: udpPort}
	require.Eventually(t, func() bool {
		conn, err := net.DialUDP("udp", nil, target)
		require.NoError(t, err)
		defer conn.Close()
		conn.Write([]byte(`garbled`))
		conn.Write([]byte(`{"type":"telemetry","fast":true}`))

		select {
		case ev := <-ingest:
			assert.Equal(t, "telemetry", ev.Event.Type)
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSessionUpdateRoute(t *testing.T) {
	d := newMockDialer()
	d.setFail(true)
	s, _ := newTestSession(t, d)

	s.UpdateRoute(net.IPv4(192, 168, 0, 42), 8001, 8002, "2.0.1")

	snapshot := s.DeviceSnapshot()
	wantDevice := &device.Device{
		ID:       "node-1",
		MAC:      "aa:bb:cc:00:00:01",
		Addr:     net.IPv4(192, 168, 0, 42),
		TCPPort:  8001,
		UDPPort:  8002,
		Firmware: "2.0.1",
	}
	if diff := cmp.Diff(wantDevice, &snapshot, cmpopts.IgnoreFields(device.Device{}, "State", "LastSeenAt")); diff != "" {
		t.Fatal("Got diff in device:\n", diff)
	}

	// Zero routing hints leave the previous values alone.
	s.UpdateRoute(net.IPv4(192, 168, 0, 43), 0, 0, "")
	snapshot = s.DeviceSnapshot()
	wantDevice.Addr = net.IPv4(192, 168, 0, 43)
	if diff := cmp.Diff(wantDevice, &snapshot, cmpopts.IgnoreFields(device.Device{}, "State", "LastSeenAt")); diff != "" {
		t.Fatal("Got diff in device after partial update:\n", diff)
	}
}
