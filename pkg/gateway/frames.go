package gateway

import (
	"encoding/json"

	"github.com/alessio-palumbo/fieldnode-go/pkg/store"
)

// Client-to-server frame types.
const (
	frameSubscribe = "subscribe"
	frameCommand   = "command"
	framePing      = "ping"
)

// Server-to-client frame types.
const (
	frameReplayBegin = "replay_begin"
	frameReplayEvent = "replay_event"
	frameReplayEnd   = "replay_end"
	frameLive        = "live"
	framePresence    = "presence"
	frameError       = "error"
	framePong        = "pong"
)

// Error kinds surfaced on the observer channel.
const (
	errKindProtocol     = "protocol"
	errKindUnauthorized = "unauthorized"
	errKindUnavailable  = "unavailable"
	errKindTransport    = "transport"
)

// clientFrame is any frame an observer sends.
type clientFrame struct {
	Type        string          `json:"type"`
	DeviceID    string          `json:"device_id,omitempty"`
	BearerToken string          `json:"bearer_token,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// serverFrame is any frame the server sends to an observer.
type serverFrame struct {
	Type     string             `json:"type"`
	DeviceID string             `json:"device_id,omitempty"`
	Count    int                `json:"count,omitempty"`
	Event    *store.EventRecord `json:"event,omitempty"`
	Presence *store.Presence    `json:"presence,omitempty"`
	Kind     string             `json:"kind,omitempty"`
	Message  string             `json:"message,omitempty"`
}

func errorFrame(kind, message string) serverFrame {
	return serverFrame{Type: frameError, Kind: kind, Message: message}
}
