// Package discovery finds field nodes on the local network. Two sources
// cooperate: a UDP port sweeper listening for node announce broadcasts and
// an mDNS browser. Both feed a per-device debouncer so the controller sees
// a single deduplicated stream of candidates.
package discovery

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/alessio-palumbo/fieldnode-go/pkg/device"
)

const (
	defaultSweepPeriod    = time.Second
	defaultBrowsePeriod   = 10 * time.Second
	defaultDebounceWindow = 2 * time.Second

	// announcementBufferSize bounds the merged output stream; discovery
	// is low-rate, a small buffer absorbs source bursts.
	announcementBufferSize = 16
)

// Announcement is a discovered (or re-discovered) field node candidate.
type Announcement struct {
	DeviceID device.ID
	MAC      string
	Addr     net.IP
	TCPPort  int
	UDPPort  int
	Firmware string
	// Source records which subsystem produced the announcement.
	Source string
}

// Config contains configurable options for discovery.
type Config struct {
	// BindIP is the local IP the sweeper binds candidate ports on.
	BindIP net.IP
	// Ports is the initial sweep candidate list.
	Ports []int
	// SweepPeriod is the sweep tick interval.
	SweepPeriod time.Duration
	// ServiceType is the mDNS service the browser subscribes to.
	ServiceType string
	// DebounceWindow suppresses per-device re-emissions.
	DebounceWindow time.Duration
}

// Discovery merges the sweeper and browser into one announcement stream.
type Discovery struct {
	sweeper *Sweeper
	browser *Browser
	out     chan Announcement
	done    chan struct{}
	wg      sync.WaitGroup

	mu   sync.Mutex
	last map[device.ID]debounceEntry
	win  time.Duration
}

type debounceEntry struct {
	at  time.Time
	key string
}

// New returns a Discovery ready to be started.
func New(cfg Config) *Discovery {
	if cfg.SweepPeriod == 0 {
		cfg.SweepPeriod = defaultSweepPeriod
	}
	if cfg.DebounceWindow == 0 {
		cfg.DebounceWindow = defaultDebounceWindow
	}

	d := &Discovery{
		out:  make(chan Announcement, announcementBufferSize),
		done: make(chan struct{}),
		last: make(map[device.ID]debounceEntry),
		win:  cfg.DebounceWindow,
	}
	d.sweeper = NewSweeper(cfg.BindIP, cfg.Ports, cfg.SweepPeriod)
	if cfg.ServiceType != "" {
		d.browser = NewBrowser(cfg.ServiceType, defaultBrowsePeriod)
	}
	return d
}

// Start runs both sources. Announcements are delivered on Announcements
// until Close is called.
func (d *Discovery) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sweeper.Run(d.done, d.emit)
	}()

	if d.browser != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.browser.Run(d.done, d.emit)
		}()
	}
}

// Announcements returns the merged, debounced candidate stream.
func (d *Discovery) Announcements() <-chan Announcement {
	return d.out
}

// AddPort returns a sweep port to the candidate list, used when a device
// that owned the port goes away for good.
func (d *Discovery) AddPort(port int) {
	d.sweeper.AddPort(port)
}

// Close stops both sources and closes the announcement stream.
func (d *Discovery) Close() {
	close(d.done)
	d.wg.Wait()
	close(d.out)
}

// emit forwards an announcement unless the debouncer suppresses it.
func (d *Discovery) emit(a Announcement) {
	if a.DeviceID.IsNil() {
		return
	}
	if !d.allow(a) {
		return
	}

	select {
	case d.out <- a:
	case <-d.done:
	}
}

// allow applies the per-device debounce window: re-emissions inside the
// window pass only if the address or port set changed.
func (d *Discovery) allow(a Announcement) bool {
	key := routeKey(a)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	prev, seen := d.last[a.DeviceID]
	if seen && prev.key == key && now.Sub(prev.at) < d.win {
		return false
	}
	d.last[a.DeviceID] = debounceEntry{at: now, key: key}
	return true
}

func routeKey(a Announcement) string {
	return fmt.Sprintf("%s|%d|%d", a.Addr, a.TCPPort, a.UDPPort)
}
