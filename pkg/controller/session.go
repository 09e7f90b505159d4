package controller

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alessio-palumbo/fieldnode-go/pkg/device"
	"github.com/alessio-palumbo/fieldnode-go/pkg/protocol"
	log "github.com/sirupsen/logrus"
)

const (
	defaultConnectTimeout    = 3 * time.Second
	defaultCommandQueueSize  = 64
	defaultDispatchDeadline  = 2 * time.Second
	defaultBackoffInitial    = 500 * time.Millisecond
	defaultBackoffCap        = 30 * time.Second
	defaultBackoffResetAfter = time.Minute

	udpRecvBufferSize = 2048
	udpRecvTimeout    = time.Second
)

// Dialer opens a control connection to a node.
type Dialer func(addr string, timeout time.Duration) (net.Conn, error)

func netDialer(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// ErrCommandQueueFull is returned when a command sink stays full past the
// dispatch deadline.
var ErrCommandQueueFull = errors.New("command queue full")

// errManagerClosed is the session-internal cause for an ingest channel
// whose manager has gone away.
var errManagerClosed = errors.New("manager closed")

// errShutdown is the session-internal cause for an explicit Close.
var errShutdown = errors.New("session shutdown")

// UnavailableError reports a command dispatched to a device that is not
// Ready. Callers can distinguish it from transport failures.
type UnavailableError struct {
	DeviceID device.ID
	State    device.State
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("device %s unavailable: %s", e.DeviceID, e.State)
}

// DeviceEvent is an inbound node event annotated with its device and the
// session's arrival sequence.
type DeviceEvent struct {
	DeviceID device.ID
	Event    *protocol.Event
	Seq      uint64
}

// outboundCommand pairs a command with an optional transmission outcome.
// The outcome reports whether the write to the socket succeeded, not how
// the device reacted.
type outboundCommand struct {
	cmd     *protocol.Command
	outcome chan error
}

// DeviceSession supervises one node's transports: a TCP control channel
// with one reader and one writer, and an optional UDP side-channel. The
// session lives in its run loop; it owns reconnection and never holds the
// controller's device map lock while doing I/O.
type DeviceSession struct {
	cfg         *Config
	ingest      chan<- DeviceEvent
	managerDone <-chan struct{}

	commands  chan outboundCommand
	seq       atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once

	// mu protects read/write access of the device record.
	mu     sync.RWMutex
	device *device.Device
}

// newDeviceSession creates a session and starts its supervision loop.
func newDeviceSession(dev *device.Device, cfg *Config, ingest chan<- DeviceEvent, managerDone <-chan struct{}, wgDone func()) *DeviceSession {
	ds := &DeviceSession{
		cfg:         cfg,
		ingest:      ingest,
		managerDone: managerDone,
		commands:    make(chan outboundCommand, cfg.commandQueueSize),
		done:        make(chan struct{}),
		device:      dev,
	}

	go ds.run(wgDone)
	return ds
}

// Close requests a permanent shutdown; the session drains to Dead.
func (s *DeviceSession) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// State returns the session's current lifecycle state.
func (s *DeviceSession) State() device.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.device.State
}

// DeviceSnapshot returns a copy of the device record.
func (s *DeviceSession) DeviceSnapshot() device.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.device
}

// UpdateRoute refreshes the device's routing hints from a re-discovery.
// The next connection attempt picks them up.
func (s *DeviceSession) UpdateRoute(addr net.IP, tcpPort, udpPort int, firmware string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device.Addr = addr
	if tcpPort > 0 {
		s.device.TCPPort = tcpPort
	}
	if udpPort > 0 {
		s.device.UDPPort = udpPort
	}
	if firmware != "" {
		s.device.Firmware = firmware
	}
	s.device.LastSeenAt = time.Now()
}

// Dispatch queues a command for transmission. Commands to a device that
// is not Ready fail immediately; a full sink fails after the deadline.
func (s *DeviceSession) Dispatch(cmd *protocol.Command, deadline time.Duration) error {
	_, err := s.dispatch(cmd, deadline, false)
	return err
}

// DispatchTracked queues a command and returns a channel that reports
// the transmission outcome, used for reset and firmware updates.
func (s *DeviceSession) DispatchTracked(cmd *protocol.Command, deadline time.Duration) (<-chan error, error) {
	return s.dispatch(cmd, deadline, true)
}

func (s *DeviceSession) dispatch(cmd *protocol.Command, deadline time.Duration, tracked bool) (<-chan error, error) {
	if st := s.State(); st != device.StateReady {
		return nil, &UnavailableError{DeviceID: s.device.ID, State: st}
	}
	if deadline <= 0 {
		deadline = s.cfg.dispatchDeadline
	}

	out := outboundCommand{cmd: cmd}
	if tracked {
		out.outcome = make(chan error, 1)
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case s.commands <- out:
		return out.outcome, nil
	case <-timer.C:
		return nil, ErrCommandQueueFull
	case <-s.done:
		return nil, &UnavailableError{DeviceID: s.device.ID, State: device.StateDead}
	}
}

// run is the supervision loop: Connecting, Ready, Backoff, until shutdown
// moves the session to Dead.
func (s *DeviceSession) run(wgDone func()) {
	defer wgDone()

	backoff := s.cfg.backoffInitial
	for {
		select {
		case <-s.done:
			s.setState(device.StateDead)
			return
		case <-s.managerDone:
			s.setState(device.StateDead)
			return
		default:
		}

		s.setState(device.StateConnecting)
		conn, err := s.cfg.dialer(s.addr(), s.cfg.connectTimeout)
		if err == nil {
			s.setState(device.StateReady)
			readyAt := time.Now()

			cause := s.serve(conn)
			if errors.Is(cause, errShutdown) || errors.Is(cause, errManagerClosed) {
				s.setState(device.StateDead)
				return
			}
			s.logEvent().WithError(cause).Warn("Control connection lost")

			// A connection that held long enough earns a fresh
			// backoff schedule.
			if time.Since(readyAt) >= s.cfg.backoffResetAfter {
				backoff = s.cfg.backoffInitial
			}
		} else {
			s.logEvent().WithError(err).Debug("Connect failed")
		}

		s.setState(device.StateBackoff)
		if !s.sleep(backoff) {
			s.setState(device.StateDead)
			return
		}
		backoff = min(backoff*2, s.cfg.backoffCap)
	}
}

// serve owns one live connection. It returns the teardown cause only
// after the reader, writer and UDP listener have all been joined, so a
// reconnect can never overlap the previous connection's tasks.
func (s *DeviceSession) serve(conn net.Conn) error {
	connDone := make(chan struct{})
	var teardown sync.Once
	stop := func() {
		teardown.Do(func() {
			close(connDone)
			conn.Close()
		})
	}

	readerErr := make(chan error, 1)
	writerErr := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		readerErr <- s.readloop(conn)
	}()
	go func() {
		defer wg.Done()
		writerErr <- s.writeloop(conn, connDone)
	}()

	if s.udpPort() > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.udploop(connDone)
		}()
	}

	var cause error
	select {
	case cause = <-readerErr:
	case cause = <-writerErr:
	case <-s.done:
		cause = errShutdown
	case <-s.managerDone:
		cause = errManagerClosed
	}

	stop()
	wg.Wait()
	return cause
}

// readloop decodes frames until the stream fails. Malformed frames are
// logged and skipped; the decoder promotes a run of them to a fatal
// protocol error which tears the connection down.
func (s *DeviceSession) readloop(conn net.Conn) error {
	dec := protocol.NewDecoder(conn, s.cfg.malformedThreshold)

	for {
		ev, err := dec.Next()
		if err != nil {
			var malformed *protocol.MalformedError
			if errors.As(err, &malformed) {
				s.logEvent().WithError(malformed).Warn("Skipping malformed frame")
				continue
			}
			return err
		}

		s.touch()
		if !s.forward(ev) {
			return errManagerClosed
		}
	}
}

// writeloop drains the command sink into the connection.
func (s *DeviceSession) writeloop(conn net.Conn, connDone <-chan struct{}) error {
	for {
		select {
		case out := <-s.commands:
			err := protocol.EncodeCommand(conn, out.cmd)
			if out.outcome != nil {
				out.outcome <- err
			}
			if err != nil {
				return err
			}
		case <-connDone:
			return nil
		}
	}
}

// udploop receives side-channel datagrams for the lifetime of one
// connection. Datagrams never count against the malformed threshold.
func (s *DeviceSession) udploop(connDone <-chan struct{}) {
	addr := &net.UDPAddr{IP: s.cfg.bindIP, Port: s.udpPort()}
	lconn, err := net.ListenUDP("udp", addr)
	if err != nil {
		s.logEvent().WithError(err).Warn("Side-channel bind failed")
		return
	}
	defer lconn.Close()

	buf := make([]byte, udpRecvBufferSize)
	for {
		select {
		case <-connDone:
			return
		default:
		}

		lconn.SetReadDeadline(time.Now().Add(udpRecvTimeout))
		n, _, err := lconn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return
		}

		ev, err := protocol.ParseDatagram(buf[:n])
		if err != nil {
			// Truncated or garbled datagrams are dropped silently.
			continue
		}

		s.touch()
		if !s.forward(ev) {
			return
		}
	}
}

// forward stamps the event with the session's arrival sequence and hands
// it to the manager. A false return means the manager is shutting down.
func (s *DeviceSession) forward(ev *protocol.Event) bool {
	e := DeviceEvent{
		DeviceID: s.device.ID,
		Event:    ev,
		Seq:      s.seq.Add(1) - 1,
	}

	select {
	case s.ingest <- e:
		return true
	case <-s.managerDone:
		return false
	case <-s.done:
		return false
	}
}

// sleep waits for the backoff duration, interruptible by shutdown.
// It returns false when the session should die instead of reconnecting.
func (s *DeviceSession) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-s.done:
		return false
	case <-s.managerDone:
		return false
	}
}

func (s *DeviceSession) setState(st device.State) {
	s.mu.Lock()
	prev := s.device.State
	s.device.State = st
	s.mu.Unlock()

	if prev != st {
		s.logEvent().WithField("state", st).Debug("Session state changed")
	}
}

func (s *DeviceSession) touch() {
	s.mu.Lock()
	s.device.LastSeenAt = time.Now()
	s.mu.Unlock()
}

func (s *DeviceSession) addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.device.TCPAddr()
}

func (s *DeviceSession) udpPort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.device.UDPPort
}

func (s *DeviceSession) logEvent() *log.Entry {
	return log.WithField("device_id", s.device.ID)
}
