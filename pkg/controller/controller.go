package controller

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/alessio-palumbo/fieldnode-go/internal/logutil"
	"github.com/alessio-palumbo/fieldnode-go/internal/metrics"
	"github.com/alessio-palumbo/fieldnode-go/pkg/device"
	"github.com/alessio-palumbo/fieldnode-go/pkg/discovery"
	"github.com/alessio-palumbo/fieldnode-go/pkg/protocol"
	"github.com/alessio-palumbo/fieldnode-go/pkg/store"
	log "github.com/sirupsen/logrus"
)

const (
	// ingestBufferSize bounds the shared event channel all sessions
	// feed. Sized for short bursts; sessions block past it.
	ingestBufferSize = 256
)

// Controller manages the supervisor sessions of every discovered field
// node and routes their events into the event store.
type Controller struct {
	cfg    *Config
	st     *store.Store
	ingest chan DeviceEvent
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	procDone  chan struct{}

	mu       sync.RWMutex
	sessions map[device.ID]*DeviceSession
}

// Config contains configurable session options.
type Config struct {
	dialer             Dialer
	bindIP             net.IP
	connectTimeout     time.Duration
	dispatchDeadline   time.Duration
	backoffInitial     time.Duration
	backoffCap         time.Duration
	backoffResetAfter  time.Duration
	malformedThreshold int
	commandQueueSize   int
}

// New returns a Controller routing device events into st.
func New(st *store.Store, opts ...Option) (*Controller, error) {
	logutil.Init()

	c := &Controller{
		cfg:      defaultConfig(),
		st:       st,
		ingest:   make(chan DeviceEvent, ingestBufferSize),
		done:     make(chan struct{}),
		procDone: make(chan struct{}),
		sessions: make(map[device.ID]*DeviceSession),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	go c.processEvents()
	return c, nil
}

// Close signals every session, waits for them to drain to Dead and stops
// the event processor.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		<-c.procDone
		log.Info("Device controller closed")
	})
}

// Ingest consumes a discovery announcement stream until it closes.
func (c *Controller) Ingest(announcements <-chan discovery.Announcement) {
	for a := range announcements {
		c.AddIfNew(a)
	}
}

// AddIfNew creates a supervisor for an unseen device, or refreshes the
// routing hints of a known one. Supervisors are never removed while the
// controller runs; a dead one stays in the map until restart.
func (c *Controller) AddIfNew(a discovery.Announcement) {
	c.mu.RLock()
	session, ok := c.sessions[a.DeviceID]
	c.mu.RUnlock()

	if ok {
		session.UpdateRoute(a.Addr, a.TCPPort, a.UDPPort, a.Firmware)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[a.DeviceID]; ok {
		return
	}

	dev := device.NewDevice(a.DeviceID, a.MAC, a.Addr, a.TCPPort, a.UDPPort)
	dev.Firmware = a.Firmware
	dev.LastSeenAt = time.Now()

	c.wg.Add(1)
	c.sessions[a.DeviceID] = newDeviceSession(dev, c.cfg, c.ingest, c.done, c.wg.Done)
	metrics.DevicesSupervised.Inc()

	log.WithField("device_id", a.DeviceID).
		WithField("addr", a.Addr).
		WithField("source", a.Source).
		Info("Supervising new device")
}

// Dispatch queues a command to a device using the default deadline.
func (c *Controller) Dispatch(id device.ID, cmd *protocol.Command) error {
	session, err := c.session(id)
	if err != nil {
		return err
	}
	err = session.Dispatch(cmd, c.cfg.dispatchDeadline)
	metrics.CommandsDispatched.WithLabelValues(dispatchResult(err)).Inc()
	return err
}

// DispatchTracked queues a command and reports its transmission outcome.
func (c *Controller) DispatchTracked(id device.ID, cmd *protocol.Command) (<-chan error, error) {
	session, err := c.session(id)
	if err != nil {
		return nil, err
	}
	return session.DispatchTracked(cmd, c.cfg.dispatchDeadline)
}

// Device returns a snapshot of a single device record.
func (c *Controller) Device(id device.ID) (device.Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if session, ok := c.sessions[id]; ok {
		return session.DeviceSnapshot(), true
	}
	return device.Device{}, false
}

// Devices returns the current state of every supervised device.
func (c *Controller) Devices() []device.Device {
	var devices []device.Device
	c.mu.RLock()
	for _, session := range c.sessions {
		devices = append(devices, session.DeviceSnapshot())
	}
	c.mu.RUnlock()

	device.SortDevices(devices)
	return devices
}

// Knows reports whether the device has been discovered at least once.
func (c *Controller) Knows(id device.ID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sessions[id]
	return ok
}

func (c *Controller) session(id device.ID) (*DeviceSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if session, ok := c.sessions[id]; ok {
		return session, nil
	}
	return nil, &UnavailableError{DeviceID: id, State: device.StateDead}
}

// processEvents drains the shared ingest channel into the store. A single
// processor keeps each device's events in wire order.
func (c *Controller) processEvents() {
	defer close(c.procDone)

	for {
		select {
		case ev := <-c.ingest:
			rec := store.NewDeviceEvent(ev.DeviceID, ev.Event.Raw)
			c.st.AppendAndBroadcast(rec)
			metrics.EventsIngested.Inc()
		case <-c.done:
			// Drain what sessions already queued before they saw
			// the shutdown signal.
			for {
				select {
				case ev := <-c.ingest:
					rec := store.NewDeviceEvent(ev.DeviceID, ev.Event.Raw)
					c.st.AppendAndBroadcast(rec)
				default:
					return
				}
			}
		}
	}
}

func dispatchResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCommandQueueFull):
		return "queue_full"
	default:
		return "unavailable"
	}
}

func defaultConfig() *Config {
	return &Config{
		dialer:             netDialer,
		connectTimeout:     defaultConnectTimeout,
		dispatchDeadline:   defaultDispatchDeadline,
		backoffInitial:     defaultBackoffInitial,
		backoffCap:         defaultBackoffCap,
		backoffResetAfter:  defaultBackoffResetAfter,
		malformedThreshold: protocol.DefaultMalformedThreshold,
		commandQueueSize:   defaultCommandQueueSize,
	}
}
