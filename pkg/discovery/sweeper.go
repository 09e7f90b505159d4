package discovery

import (
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/alessio-palumbo/fieldnode-go/pkg/device"
	"github.com/alessio-palumbo/fieldnode-go/pkg/protocol"
	log "github.com/sirupsen/logrus"
)

const (
	sweepRecvBufferSize = 1024
	sweepRecvTimeout    = time.Second
)

// Sweeper periodically binds each candidate UDP port and listens for a
// node announce broadcast. A port that produced a device is removed from
// the candidate list; the node owns it from then on.
type Sweeper struct {
	bindIP net.IP
	period time.Duration

	mu    sync.Mutex
	ports []int
}

// NewSweeper returns a Sweeper over the given candidate ports.
func NewSweeper(bindIP net.IP, ports []int, period time.Duration) *Sweeper {
	if bindIP == nil {
		bindIP = net.IPv4zero
	}
	s := &Sweeper{bindIP: bindIP, period: period}
	s.ports = append(s.ports, ports...)
	return s
}

// AddPort returns a port to the candidate list.
func (s *Sweeper) AddPort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.ports {
		if p == port {
			return
		}
	}
	s.ports = append(s.ports, port)
}

// RemovePort takes a port off the candidate list.
func (s *Sweeper) RemovePort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.ports {
		if p == port {
			s.ports = append(s.ports[:i], s.ports[i+1:]...)
			return
		}
	}
}

// ReplacePorts swaps the whole candidate list.
func (s *Sweeper) ReplacePorts(ports []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports = append(s.ports[:0], ports...)
}

// Run sweeps until done is closed. A time.Ticker drops missed ticks, so a
// slow sweep never produces a burst of catch-up ticks.
func (s *Sweeper) Run(done <-chan struct{}, emit func(Announcement)) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	log.WithField("period", s.period).Info("UDP sweeper started")

	for {
		select {
		case <-done:
			log.Info("UDP sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(emit)
		}
	}
}

// sweep checks each candidate port and stops at the first discovery.
// One device per tick keeps port churn bounded under announce bursts.
func (s *Sweeper) sweep(emit func(Announcement)) {
	s.mu.Lock()
	ports := append([]int(nil), s.ports...)
	s.mu.Unlock()

	for _, port := range ports {
		ann, ok := s.tryPort(port)
		if !ok {
			continue
		}

		emit(*ann)
		s.RemovePort(port)
		return
	}
}

// tryPort binds a single candidate port and waits one receive timeout for
// an announce datagram.
func (s *Sweeper) tryPort(port int) (*Announcement, bool) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: s.bindIP, Port: port})
	if err != nil {
		// Another subsystem owns the port, likely a supervisor's
		// side-channel. Skip quietly.
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, false
		}
		log.WithError(err).WithField("port", port).Warn("Sweep bind failed")
		return nil, false
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(sweepRecvTimeout))

	buf := make([]byte, sweepRecvBufferSize)
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil || n == 0 {
		return nil, false
	}

	ev, err := protocol.ParseDatagram(buf[:n])
	if err != nil {
		log.WithError(err).WithField("port", port).Debug("Ignoring non-announce datagram")
		return nil, false
	}
	announce, err := ev.Announce()
	if err != nil {
		log.WithError(err).WithField("port", port).Debug("Ignoring malformed announce")
		return nil, false
	}

	id := device.ID(announce.DeviceID)
	if id.IsNil() {
		id = device.IDFromMAC(announce.MAC)
	}

	log.WithField("device_id", id).WithField("port", port).Info("Discovered node via UDP sweep")

	return &Announcement{
		DeviceID: id,
		MAC:      announce.MAC,
		Addr:     from.IP,
		TCPPort:  announce.TCPPort,
		UDPPort:  announce.UDPPort,
		Firmware: announce.Firmware,
		Source:   "udp",
	}, true
}
