package device

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDFromMAC(t *testing.T) {
	testCases := map[string]struct {
		mac  string
		want ID
	}{
		"colons":     {mac: "aa:bb:cc:00:00:01", want: "node-aabbcc000001"},
		"uppercase":  {mac: "AA:BB:CC:00:00:01", want: "node-aabbcc000001"},
		"dashes":     {mac: "aa-bb-cc-00-00-01", want: "node-aabbcc000001"},
		"dot groups": {mac: "aabb.cc00.0001", want: "node-aabbcc000001"},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, IDFromMAC(tc.mac))
		})
	}
}

func TestStateJSON(t *testing.T) {
	data, err := json.Marshal(StateReady)
	require.NoError(t, err)
	assert.Equal(t, `"Ready"`, string(data))

	dev := NewDevice("node-1", "aa:bb:cc:00:00:01", net.IPv4(192, 168, 0, 10), 7001, 7002)
	out, err := json.Marshal(dev)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"state":"Discovered"`)
	assert.Contains(t, string(out), `"device_id":"node-1"`)
}

func TestTCPAddr(t *testing.T) {
	dev := NewDevice("node-1", "aa:bb:cc:00:00:01", net.IPv4(192, 168, 0, 10), 7001, 0)
	assert.Equal(t, "192.168.0.10:7001", dev.TCPAddr())
}

func TestSortDevices(t *testing.T) {
	devices := []Device{
		{ID: "node-2", Name: "beta"},
		{ID: "node-3", Name: "alpha"},
		{ID: "node-1", Name: "alpha"},
	}

	SortDevices(devices)

	assert.Equal(t, ID("node-1"), devices[0].ID)
	assert.Equal(t, ID("node-3"), devices[1].ID)
	assert.Equal(t, ID("node-2"), devices[2].ID)
}
