// Package store is the in-memory authority over per-device event history
// and the set of observers attached to each device. Events append under a
// per-device write lock and broadcast from a snapshot, so one slow
// observer never stalls the rest.
package store

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alessio-palumbo/fieldnode-go/internal/metrics"
	"github.com/alessio-palumbo/fieldnode-go/pkg/device"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Event producers.
const (
	ProducerDevice = "device"
	ProducerUser   = "user"
)

const (
	// observerBufferSize is the capacity of each observer's outbound sink.
	observerBufferSize = 64
	// maxSendStrikes evicts an observer after this many consecutive
	// failed non-blocking sends.
	maxSendStrikes = 3

	defaultCleanupPeriod = time.Minute
)

// EventRecord is one entry in a device's replay log.
type EventRecord struct {
	ID           string          `json:"event_id"`
	DeviceID     device.ID       `json:"device_id"`
	Producer     string          `json:"producer"`
	Payload      json.RawMessage `json:"payload"`
	Seq          uint64          `json:"seq"`
	WallTimeMs   int64           `json:"wall_time_ms"`
	OriginUserID string          `json:"origin_user_id,omitempty"`

	// originSessionID keeps a user's own events from echoing back to
	// the session that produced them. Never serialized.
	originSessionID string
}

// NewDeviceEvent builds a record for an event produced by the node itself.
func NewDeviceEvent(deviceID device.ID, payload json.RawMessage) EventRecord {
	return EventRecord{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		Producer:   ProducerDevice,
		Payload:    payload,
		WallTimeMs: time.Now().UnixMilli(),
	}
}

// NewUserEvent builds a record for a command an observer issued.
func NewUserEvent(deviceID device.ID, userID, sessionID string, payload json.RawMessage) EventRecord {
	return EventRecord{
		ID:              uuid.NewString(),
		DeviceID:        deviceID,
		Producer:        ProducerUser,
		Payload:         payload,
		WallTimeMs:      time.Now().UnixMilli(),
		OriginUserID:    userID,
		originSessionID: sessionID,
	}
}

// PresenceKind discriminates the synthetic events the hub generates.
type PresenceKind string

const (
	PresenceUserJoined   PresenceKind = "user_joined"
	PresenceUserLeft     PresenceKind = "user_left"
	PresenceSessionCount PresenceKind = "session_count_changed"
)

// Presence is a synthetic hub event. Presence is broadcast like device
// events but never persisted in the replay log.
type Presence struct {
	Kind        PresenceKind `json:"kind"`
	UserID      string       `json:"user_id"`
	DisplayName string       `json:"display_name,omitempty"`
	Color       string       `json:"color,omitempty"`
	Sessions    int          `json:"sessions,omitempty"`
}

// Message is a single delivery to an observer sink: either a live event
// or a presence update.
type Message struct {
	Event    *EventRecord
	Presence *Presence
}

// ClientConnection is one observer session attached to one device.
type ClientConnection struct {
	UserID      string
	DisplayName string
	SessionID   string
	DeviceID    device.ID
	Color       string

	out     chan Message
	done    chan struct{}
	strikes atomic.Int32
	closed  atomic.Bool
}

func newClientConnection(deviceID device.ID, userID, displayName, sessionID, color string) *ClientConnection {
	return &ClientConnection{
		UserID:      userID,
		DisplayName: displayName,
		SessionID:   sessionID,
		DeviceID:    deviceID,
		Color:       color,
		out:         make(chan Message, observerBufferSize),
		done:        make(chan struct{}),
	}
}

// Outbound returns the sink the gateway drains into the observer channel.
func (c *ClientConnection) Outbound() <-chan Message {
	return c.out
}

// Done is closed when the hub has given up on this observer.
func (c *ClientConnection) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether the sink is dead.
func (c *ClientConnection) Closed() bool {
	return c.closed.Load()
}

// send delivers without blocking. Consecutive failures accumulate strikes;
// crossing the limit marks the connection dead for the cleanup pass.
func (c *ClientConnection) send(m Message) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.out <- m:
		c.strikes.Store(0)
		return true
	default:
		if c.strikes.Add(1) >= maxSendStrikes {
			c.markClosed()
		}
		return false
	}
}

func (c *ClientConnection) markClosed() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
	}
}

// Selection maps a selectable payload key to the session holding it.
// Empty for pure telemetry nodes; reserved for richer payload kinds.
type Selection struct {
	SessionID string
	Color     string
}

// deviceState is all hub state for one device, behind one lock.
type deviceState struct {
	mu         sync.RWMutex
	events     []EventRecord
	observers  []*ClientConnection
	selections map[string]Selection
}

// User summarises one user's live sessions on a device.
type User struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
	Sessions    int    `json:"sessions"`
}

// Stats is a point-in-time summary for monitoring.
type Stats struct {
	Devices   int
	Events    int
	Observers int
}

// Store owns every device's event log and observer list.
type Store struct {
	mu      sync.RWMutex
	devices map[device.ID]*deviceState

	done      chan struct{}
	closeOnce sync.Once
}

// New returns a Store and starts its periodic stale-observer cleanup.
func New() *Store {
	s := &Store{
		devices: make(map[device.ID]*deviceState),
		done:    make(chan struct{}),
	}
	go s.cleanuploop(defaultCleanupPeriod)
	return s
}

// Close stops the cleanup loop and releases every observer sink.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, st := range s.devices {
			st.mu.Lock()
			for _, conn := range st.observers {
				conn.markClosed()
			}
			st.observers = nil
			st.mu.Unlock()
		}
	})
}

// state returns the per-device state, creating it on first use.
func (s *Store) state(id device.ID) *deviceState {
	s.mu.RLock()
	st, ok := s.devices[id]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.devices[id]; ok {
		return st
	}
	st = &deviceState{selections: make(map[string]Selection)}
	s.devices[id] = st
	return st
}

// AppendAndBroadcast appends the record to the device's log and fans it
// out to every attached observer except the originating session. The
// write lock covers only the append and the observer snapshot; sends
// happen outside it. The store assigns the record's sequence number:
// arrival order, gapless from zero.
func (s *Store) AppendAndBroadcast(rec EventRecord) EventRecord {
	st := s.state(rec.DeviceID)

	st.mu.Lock()
	rec.Seq = uint64(len(st.events))
	st.events = append(st.events, rec)
	observers := snapshotObservers(st)
	st.mu.Unlock()

	s.fanout(rec.DeviceID, observers, Message{Event: &rec}, rec.originSessionID)
	return rec
}

// Attach registers a new observer session and returns its connection plus
// the frozen replay log. Color assignment and registration happen in one
// critical section so concurrent attaches of the same user agree.
func (s *Store) Attach(deviceID device.ID, userID, displayName, sessionID string) (*ClientConnection, []EventRecord) {
	st := s.state(deviceID)

	st.mu.Lock()
	var color string
	reconnect := false
	for _, conn := range st.observers {
		if conn.UserID == userID && !conn.Closed() {
			color = conn.Color
			reconnect = true
			break
		}
	}
	if !reconnect {
		taken := make(map[string]struct{})
		seen := make(map[string]struct{})
		for _, conn := range st.observers {
			if conn.Closed() {
				continue
			}
			if _, ok := seen[conn.UserID]; ok {
				continue
			}
			seen[conn.UserID] = struct{}{}
			taken[conn.Color] = struct{}{}
		}
		color = assignColor(userID, taken)
	}

	conn := newClientConnection(deviceID, userID, displayName, sessionID, color)
	st.observers = append(st.observers, conn)
	metrics.ObserversAttached.Inc()

	replay := make([]EventRecord, len(st.events))
	copy(replay, st.events)

	sessions := sessionCountLocked(st, userID)
	observers := snapshotObservers(st)
	st.mu.Unlock()

	presence := &Presence{
		Kind:        PresenceUserJoined,
		UserID:      userID,
		DisplayName: displayName,
		Color:       color,
	}
	if reconnect {
		presence = &Presence{
			Kind:     PresenceSessionCount,
			UserID:   userID,
			Sessions: sessions,
		}
	}
	s.fanout(deviceID, observers, Message{Presence: presence}, sessionID)

	log.WithField("device_id", deviceID).
		WithField("user_id", userID).
		WithField("session_id", sessionID).
		WithField("color", color).
		Info("Observer attached")

	return conn, replay
}

// Detach removes an observer session. The last session of a user frees
// the user's color and announces the departure.
func (s *Store) Detach(deviceID device.ID, sessionID string) {
	st := s.state(deviceID)

	st.mu.Lock()
	removed := removeObserverLocked(st, sessionID)
	if removed == nil {
		st.mu.Unlock()
		return
	}
	sessions := sessionCountLocked(st, removed.UserID)
	observers := snapshotObservers(st)
	releaseSelectionsLocked(st, sessionID)
	st.mu.Unlock()

	removed.markClosed()
	metrics.ObserversAttached.Dec()

	presence := &Presence{
		Kind:        PresenceUserLeft,
		UserID:      removed.UserID,
		DisplayName: removed.DisplayName,
		Color:       removed.Color,
	}
	if sessions > 0 {
		presence = &Presence{
			Kind:     PresenceSessionCount,
			UserID:   removed.UserID,
			Sessions: sessions,
		}
	}
	s.fanout(deviceID, observers, Message{Presence: presence}, sessionID)

	log.WithField("device_id", deviceID).
		WithField("session_id", sessionID).
		Info("Observer detached")
}

// Events returns a copy of the device's replay log.
func (s *Store) Events(deviceID device.ID) []EventRecord {
	st := s.state(deviceID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	events := make([]EventRecord, len(st.events))
	copy(events, st.events)
	return events
}

// EventCount returns the length of the device's replay log.
func (s *Store) EventCount(deviceID device.ID) int {
	st := s.state(deviceID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.events)
}

// Users returns the live users on a device with their session counts.
// lookup resolves user IDs to display names through the metadata store;
// a nil lookup falls back to the name captured at attach.
func (s *Store) Users(deviceID device.ID, lookup func(userID string) (string, bool)) []User {
	st := s.state(deviceID)

	st.mu.RLock()
	byUser := make(map[string]*User)
	order := make([]string, 0)
	for _, conn := range st.observers {
		if conn.Closed() {
			continue
		}
		u, ok := byUser[conn.UserID]
		if !ok {
			u = &User{UserID: conn.UserID, DisplayName: conn.DisplayName, Color: conn.Color}
			byUser[conn.UserID] = u
			order = append(order, conn.UserID)
		}
		u.Sessions++
	}
	st.mu.RUnlock()

	users := make([]User, 0, len(order))
	for _, id := range order {
		u := *byUser[id]
		if lookup != nil {
			if name, ok := lookup(id); ok {
				u.DisplayName = name
			}
		}
		users = append(users, u)
	}
	return users
}

// SetSelection claims a selection key for a session.
func (s *Store) SetSelection(deviceID device.ID, key, sessionID, color string) {
	st := s.state(deviceID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.selections[key] = Selection{SessionID: sessionID, Color: color}
}

// ClearSelection releases a selection key.
func (s *Store) ClearSelection(deviceID device.ID, key string) {
	st := s.state(deviceID)
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.selections, key)
}

// Selections returns a copy of the device's selection map.
func (s *Store) Selections(deviceID device.ID) map[string]Selection {
	st := s.state(deviceID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make(map[string]Selection, len(st.selections))
	for k, v := range st.selections {
		out[k] = v
	}
	return out
}

// Stats summarises the store for monitoring.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Stats
	stats.Devices = len(s.devices)
	for _, st := range s.devices {
		st.mu.RLock()
		stats.Events += len(st.events)
		for _, conn := range st.observers {
			if !conn.Closed() {
				stats.Observers++
			}
		}
		st.mu.RUnlock()
	}
	return stats
}

// fanout sends outside any lock. Dead observers found along the way are
// detached with presence synthesis.
func (s *Store) fanout(deviceID device.ID, observers []*ClientConnection, msg Message, excludeSession string) {
	var dead []*ClientConnection
	for _, conn := range observers {
		if conn.SessionID == excludeSession {
			continue
		}
		if conn.send(msg) {
			metrics.EventsBroadcast.Inc()
		} else if conn.Closed() {
			dead = append(dead, conn)
		}
	}

	for _, conn := range dead {
		log.WithField("device_id", deviceID).
			WithField("session_id", conn.SessionID).
			Warn("Evicting observer with stalled sink")
		s.Detach(deviceID, conn.SessionID)
	}
}

// cleanuploop periodically drops observers whose sinks have died without
// a clean detach.
func (s *Store) cleanuploop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.CleanupStale()
		}
	}
}

// CleanupStale detaches every observer marked closed. It returns the
// number of observers removed.
func (s *Store) CleanupStale() int {
	s.mu.RLock()
	type stale struct {
		deviceID device.ID
		session  string
	}
	var found []stale
	for id, st := range s.devices {
		st.mu.RLock()
		for _, conn := range st.observers {
			if conn.Closed() {
				found = append(found, stale{deviceID: id, session: conn.SessionID})
			}
		}
		st.mu.RUnlock()
	}
	s.mu.RUnlock()

	for _, f := range found {
		s.Detach(f.deviceID, f.session)
	}
	return len(found)
}

func snapshotObservers(st *deviceState) []*ClientConnection {
	observers := make([]*ClientConnection, len(st.observers))
	copy(observers, st.observers)
	return observers
}

func removeObserverLocked(st *deviceState, sessionID string) *ClientConnection {
	for i, conn := range st.observers {
		if conn.SessionID == sessionID {
			st.observers = append(st.observers[:i], st.observers[i+1:]...)
			return conn
		}
	}
	return nil
}

func sessionCountLocked(st *deviceState, userID string) int {
	n := 0
	for _, conn := range st.observers {
		if conn.UserID == userID && !conn.Closed() {
			n++
		}
	}
	return n
}

func releaseSelectionsLocked(st *deviceState, sessionID string) {
	for k, sel := range st.selections {
		if sel.SessionID == sessionID {
			delete(st.selections, k)
		}
	}
}
