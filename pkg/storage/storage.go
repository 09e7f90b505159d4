// Package storage holds user and device metadata. History is
// process-lifetime; this is the registration layer, not an event log.
package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/alessio-palumbo/fieldnode-go/pkg/device"
)

// ErrConflict reports a create colliding with an existing record.
var ErrConflict = errors.New("already exists")

// User is a registered observer account.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	DisplayName  string `json:"display_name"`
	PasswordHash string `json:"-"`
}

// DeviceMeta is the registered metadata of a field node, distinct from
// the controller's live record.
type DeviceMeta struct {
	ID              device.ID         `json:"device_id"`
	Name            string            `json:"name"`
	MAC             string            `json:"mac"`
	MaintenanceMode bool              `json:"maintenance_mode"`
	OwnerID         string            `json:"owner_id"`
	CreatedAt       time.Time         `json:"created_at"`
	Permissions     map[string]string `json:"permissions"`
}

// Store is the metadata contract consumed by the hub and the gateway.
type Store interface {
	GetUserByID(id string) (User, bool)
	GetUserByEmail(email string) (User, bool)
	CreateUser(u User) error
	UpdateDisplayName(userID, displayName string) bool

	GetDevice(id device.ID) (DeviceMeta, bool)
	ListDevices() []DeviceMeta
	CreateDevice(meta DeviceMeta) error
	UpdateDevice(id device.ID, name *string, maintenance *bool) (DeviceMeta, bool)
	DeleteDevice(id device.ID) bool
	SetPermission(id device.ID, userID, permission string) bool
	PermissionsFor(userID string) map[string]string
}

// Memory is the in-process Store implementation.
type Memory struct {
	mu      sync.RWMutex
	users   map[string]User
	devices map[device.ID]DeviceMeta
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:   make(map[string]User),
		devices: make(map[device.ID]DeviceMeta),
	}
}

func (m *Memory) GetUserByID(id string) (User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok
}

func (m *Memory) GetUserByEmail(email string) (User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, true
		}
	}
	return User{}, false
}

func (m *Memory) CreateUser(u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return ErrConflict
	}
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrConflict
		}
	}
	m.users[u.ID] = u
	return nil
}

func (m *Memory) UpdateDisplayName(userID, displayName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return false
	}
	u.DisplayName = displayName
	m.users[userID] = u
	return true
}

func (m *Memory) GetDevice(id device.ID) (DeviceMeta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	return copyMeta(d), ok
}

func (m *Memory) ListDevices() []DeviceMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DeviceMeta, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, copyMeta(d))
	}
	return out
}

func (m *Memory) CreateDevice(meta DeviceMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[meta.ID]; ok {
		return ErrConflict
	}
	for _, d := range m.devices {
		if d.MAC == meta.MAC {
			return ErrConflict
		}
	}
	if meta.Permissions == nil {
		meta.Permissions = make(map[string]string)
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}
	m.devices[meta.ID] = meta
	return nil
}

func (m *Memory) UpdateDevice(id device.ID, name *string, maintenance *bool) (DeviceMeta, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return DeviceMeta{}, false
	}
	if name != nil {
		d.Name = *name
	}
	if maintenance != nil {
		d.MaintenanceMode = *maintenance
	}
	m.devices[id] = d
	return copyMeta(d), true
}

func (m *Memory) DeleteDevice(id device.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; !ok {
		return false
	}
	delete(m.devices, id)
	return true
}

func (m *Memory) SetPermission(id device.ID, userID, permission string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return false
	}
	if d.Permissions == nil {
		d.Permissions = make(map[string]string)
	}
	d.Permissions[userID] = permission
	m.devices[id] = d
	return true
}

func (m *Memory) PermissionsFor(userID string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	perms := make(map[string]string)
	for id, d := range m.devices {
		if p, ok := d.Permissions[userID]; ok {
			perms[string(id)] = p
		}
	}
	return perms
}

func copyMeta(d DeviceMeta) DeviceMeta {
	perms := make(map[string]string, len(d.Permissions))
	for k, v := range d.Permissions {
		perms[k] = v
	}
	d.Permissions = perms
	return d
}
