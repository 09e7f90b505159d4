package gateway

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alessio-palumbo/fieldnode-go/pkg/auth"
	"github.com/alessio-palumbo/fieldnode-go/pkg/controller"
	"github.com/alessio-palumbo/fieldnode-go/pkg/discovery"
	"github.com/alessio-palumbo/fieldnode-go/pkg/storage"
	"github.com/alessio-palumbo/fieldnode-go/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	gw    *Gateway
	srv   *httptest.Server
	ctrl  *controller.Controller
	st    *store.Store
	meta  storage.Store
	authn *auth.Authenticator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := store.New()
	ctrl, err := controller.New(st,
		controller.WithConnectTimeout(50*time.Millisecond),
		controller.WithBackoff(10*time.Millisecond, 50*time.Millisecond, time.Minute),
	)
	require.NoError(t, err)

	meta := storage.NewMemory()
	authn := auth.New([]byte("test-secret"))
	gw := New(ctrl, st, meta, authn)
	srv := httptest.NewServer(gw.Router())

	t.Cleanup(func() {
		srv.Close()
		ctrl.Close()
		st.Close()
	})

	return &testEnv{gw: gw, srv: srv, ctrl: ctrl, st: st, meta: meta, authn: authn}
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (e *testEnv) token(t *testing.T, userID string, perms map[string]string) string {
	t.Helper()
	token, err := e.authn.CreateToken(userID, userID+"@example.com", userID, perms)
	require.NoError(t, err)
	return token
}

func TestRegisterAndLogin(t *testing.T) {
	e := newTestEnv(t)

	resp := e.request(t, http.MethodPost, "/api/register", "", map[string]string{
		"email": "alice@example.com", "display_name": "Alice", "password": "hunter2",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// Duplicate registration conflicts.
	resp = e.request(t, http.MethodPost, "/api/register", "", map[string]string{
		"email": "alice@example.com", "password": "other",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = e.request(t, http.MethodPost, "/api/login", "", map[string]string{
		"email": "alice@example.com", "password": "hunter2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Token string `json:"token"`
	}
	decodeBody(t, resp, &body)
	require.NotEmpty(t, body.Token)

	claims, err := e.authn.ValidateToken(body.Token)
	require.NoError(t, err)
	assert.Equal(t, "Alice", claims.DisplayName)

	resp = e.request(t, http.MethodPost, "/api/login", "", map[string]string{
		"email": "alice@example.com", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateDevice(t *testing.T) {
	e := newTestEnv(t)

	// Unauthenticated creates are rejected.
	resp := e.request(t, http.MethodPost, "/api/devices", "", map[string]string{
		"name": "kitchen", "mac": "aa:bb:cc:00:00:01",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := e.token(t, "u1", nil)
	resp = e.request(t, http.MethodPost, "/api/devices", token, map[string]string{
		"name": "kitchen", "mac": "aa:bb:cc:00:00:01",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var meta storage.DeviceMeta
	decodeBody(t, resp, &meta)
	assert.Equal(t, "u1", meta.OwnerID)
	assert.Equal(t, "O", meta.Permissions["u1"])

	// The same MAC conflicts.
	resp = e.request(t, http.MethodPost, "/api/devices", token, map[string]string{
		"name": "copy", "mac": "aa:bb:cc:00:00:01",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListDevices(t *testing.T) {
	e := newTestEnv(t)

	// A closed loopback port keeps the supervisor cycling without a node.
	e.ctrl.AddIfNew(discovery.Announcement{
		DeviceID: "n1",
		MAC:      "aa:bb:cc:00:00:01",
		Addr:     net.IPv4(127, 0, 0, 1),
		TCPPort:  1,
	})

	resp := e.request(t, http.MethodGet, "/api/devices", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Devices []map[string]any `json:"devices"`
		Count   int              `json:"count"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "n1", body.Devices[0]["device_id"])
	assert.Contains(t, []any{"Connecting", "Backoff", "Discovered"}, body.Devices[0]["state"])
}

func TestListDiscoveredExcludesRegistered(t *testing.T) {
	e := newTestEnv(t)

	e.ctrl.AddIfNew(discovery.Announcement{DeviceID: "node-aabbcc000001", MAC: "aa:bb:cc:00:00:01", Addr: net.IPv4(127, 0, 0, 1), TCPPort: 1})
	e.ctrl.AddIfNew(discovery.Announcement{DeviceID: "node-aabbcc000002", MAC: "aa:bb:cc:00:00:02", Addr: net.IPv4(127, 0, 0, 1), TCPPort: 1})

	token := e.token(t, "u1", nil)
	resp := e.request(t, http.MethodPost, "/api/devices", token, map[string]string{
		"name": "kitchen", "mac": "aa:bb:cc:00:00:01",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = e.request(t, http.MethodGet, "/api/discovered", "", nil)
	var body struct {
		Devices []map[string]any `json:"devices"`
		Count   int              `json:"count"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "node-aabbcc000002", body.Devices[0]["device_id"])
}

func TestUpdateDevicePermissionGate(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.meta.CreateDevice(storage.DeviceMeta{ID: "node-1", Name: "a", MAC: "01"}))

	viewer := e.token(t, "u2", map[string]string{"node-1": "V"})
	resp := e.request(t, http.MethodPatch, "/api/devices/node-1", viewer, map[string]any{"name": "b"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	manager := e.token(t, "u3", map[string]string{"node-1": "M"})
	resp = e.request(t, http.MethodPatch, "/api/devices/node-1", manager, map[string]any{
		"name": "b", "maintenance_mode": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var meta storage.DeviceMeta
	decodeBody(t, resp, &meta)
	assert.Equal(t, "b", meta.Name)
	assert.True(t, meta.MaintenanceMode)
}

func TestSetPermissionOwnerOnly(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.meta.CreateDevice(storage.DeviceMeta{ID: "node-1", MAC: "01"}))

	manager := e.token(t, "u1", map[string]string{"node-1": "M"})
	resp := e.request(t, http.MethodPut, "/api/devices/node-1/permissions", manager, map[string]string{
		"user_id": "u2", "permission": "W",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	owner := e.token(t, "u1", map[string]string{"node-1": "O"})
	resp = e.request(t, http.MethodPut, "/api/devices/node-1/permissions", owner, map[string]string{
		"user_id": "u2", "permission": "W",
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.request(t, http.MethodPut, "/api/devices/node-1/permissions", owner, map[string]string{
		"user_id": "u2", "permission": "Z",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteDeviceOwnerOnly(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.meta.CreateDevice(storage.DeviceMeta{ID: "node-1", MAC: "01"}))

	manager := e.token(t, "u1", map[string]string{"node-1": "M"})
	resp := e.request(t, http.MethodDelete, "/api/devices/node-1", manager, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	owner := e.token(t, "u1", map[string]string{"node-1": "O"})
	resp = e.request(t, http.MethodDelete, "/api/devices/node-1", owner, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, ok := e.meta.GetDevice("node-1")
	assert.False(t, ok)
}

func TestListUsers(t *testing.T) {
	e := newTestEnv(t)

	e.st.Attach("node-1", "u1", "Alice", "s1")
	e.st.Attach("node-1", "u1", "Alice", "s2")

	resp := e.request(t, http.MethodGet, "/api/devices/node-1/users", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Users []store.User `json:"users"`
		Count int          `json:"count"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, 2, body.Users[0].Sessions)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	resp := e.request(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
