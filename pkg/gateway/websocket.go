package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/alessio-palumbo/fieldnode-go/pkg/auth"
	"github.com/alessio-palumbo/fieldnode-go/pkg/controller"
	"github.com/alessio-palumbo/fieldnode-go/pkg/device"
	"github.com/alessio-palumbo/fieldnode-go/pkg/protocol"
	"github.com/alessio-palumbo/fieldnode-go/pkg/store"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second

	outboundBufferSize = 64
)

// observerConn is one observer channel: a websocket scoped, after its
// subscribe frame, to a single device.
type observerConn struct {
	gw        *Gateway
	ws        *websocket.Conn
	sessionID string

	out  chan serverFrame
	done chan struct{}

	// Set by the subscribe frame.
	claims   *auth.Claims
	deviceID device.ID
	sink     *store.ClientConnection
}

// handleObserver upgrades the request and runs the channel until either
// side closes it.
func (g *Gateway) handleObserver(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("Websocket upgrade failed")
		return
	}

	oc := &observerConn{
		gw:        g,
		ws:        ws,
		sessionID: uuid.NewString(),
		out:       make(chan serverFrame, outboundBufferSize),
		done:      make(chan struct{}),
	}

	go oc.writeloop()
	oc.readloop()

	close(oc.done)
	if oc.sink != nil {
		g.st.Detach(oc.deviceID, oc.sessionID)
	}
	ws.Close()
}

// readloop processes observer frames. Malformed frames are answered with
// a protocol error and the channel continues.
func (oc *observerConn) readloop() {
	oc.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	oc.ws.SetPongHandler(func(string) error {
		return oc.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := oc.ws.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			oc.enqueue(errorFrame(errKindProtocol, "invalid frame"))
			continue
		}

		switch frame.Type {
		case frameSubscribe:
			oc.handleSubscribe(frame)
		case frameCommand:
			oc.handleCommand(frame)
		case framePing:
			oc.enqueue(serverFrame{Type: framePong})
		default:
			oc.enqueue(errorFrame(errKindProtocol, "unknown frame type"))
		}
	}
}

// writeloop is the sole websocket writer: it drains direct responses and
// keeps the connection alive with pings.
func (oc *observerConn) writeloop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-oc.out:
			oc.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := oc.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			oc.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := oc.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-oc.done:
			return
		}
	}
}

// handleSubscribe authenticates the observer, attaches it to the device's
// hub and replays the event log.
func (oc *observerConn) handleSubscribe(frame clientFrame) {
	if oc.sink != nil {
		oc.enqueue(errorFrame(errKindProtocol, "already subscribed"))
		return
	}

	claims, err := oc.gw.authn.ValidateToken(frame.BearerToken)
	if err != nil {
		oc.enqueue(errorFrame(errKindUnauthorized, "invalid bearer token"))
		return
	}

	deviceID := device.ID(frame.DeviceID)
	if !claims.Can(deviceID, auth.PermView) {
		oc.enqueue(errorFrame(errKindUnauthorized, "view permission required"))
		return
	}
	// The manager is authoritative over device identity; the hub never
	// tracks a device the manager does not.
	if !oc.gw.ctrl.Knows(deviceID) {
		oc.enqueue(errorFrame(errKindUnavailable, "unknown device"))
		return
	}

	displayName := claims.DisplayName
	if u, ok := oc.gw.meta.GetUserByID(claims.UserID); ok {
		displayName = u.DisplayName
	}

	sink, replay := oc.gw.st.Attach(deviceID, claims.UserID, displayName, oc.sessionID)
	oc.claims = claims
	oc.deviceID = deviceID
	oc.sink = sink

	oc.enqueue(serverFrame{Type: frameReplayBegin, DeviceID: frame.DeviceID, Count: len(replay)})
	for i := range replay {
		oc.enqueue(serverFrame{Type: frameReplayEvent, Event: &replay[i]})
	}
	oc.enqueue(serverFrame{Type: frameReplayEnd})

	go oc.forward()
}

// handleCommand validates permissions and queues the command to the
// device. Commands are also recorded as user-produced events so every
// other session sees them.
func (oc *observerConn) handleCommand(frame clientFrame) {
	if oc.sink == nil {
		oc.enqueue(errorFrame(errKindProtocol, "subscribe first"))
		return
	}
	if frame.DeviceID != "" && device.ID(frame.DeviceID) != oc.deviceID {
		oc.enqueue(errorFrame(errKindProtocol, "command outside subscribed device"))
		return
	}

	var cmd protocol.Command
	if err := json.Unmarshal(frame.Payload, &cmd); err != nil || cmd.Validate() != nil {
		oc.enqueue(errorFrame(errKindProtocol, "invalid command payload"))
		return
	}

	required := auth.PermWrite
	if cmd.NeedsOutcome() {
		required = auth.PermManage
	}
	if !oc.claims.Can(oc.deviceID, required) {
		oc.enqueue(errorFrame(errKindUnauthorized, "insufficient permission"))
		return
	}

	if cmd.NeedsOutcome() {
		outcome, err := oc.gw.ctrl.DispatchTracked(oc.deviceID, &cmd)
		if err != nil {
			oc.enqueue(oc.dispatchError(err))
			return
		}
		go func() {
			if err := <-outcome; err != nil {
				oc.enqueue(errorFrame(errKindTransport, "command transmission failed"))
			}
		}()
	} else if err := oc.gw.ctrl.Dispatch(oc.deviceID, &cmd); err != nil {
		oc.enqueue(oc.dispatchError(err))
		return
	}

	rec := store.NewUserEvent(oc.deviceID, oc.claims.UserID, oc.sessionID, frame.Payload)
	oc.gw.st.AppendAndBroadcast(rec)
}

// forward pumps hub deliveries onto the websocket.
func (oc *observerConn) forward() {
	for {
		select {
		case msg := <-oc.sink.Outbound():
			switch {
			case msg.Event != nil:
				oc.enqueue(serverFrame{Type: frameLive, Event: msg.Event})
			case msg.Presence != nil:
				oc.enqueue(serverFrame{Type: framePresence, Presence: msg.Presence})
			}
		case <-oc.sink.Done():
			return
		case <-oc.done:
			return
		}
	}
}

// enqueue hands a frame to the writer. Dropping on a dead channel is
// fine, the read loop notices the close soon after.
func (oc *observerConn) enqueue(frame serverFrame) {
	select {
	case oc.out <- frame:
	case <-oc.done:
	}
}

func (oc *observerConn) dispatchError(err error) serverFrame {
	if errors.Is(err, controller.ErrCommandQueueFull) {
		return errorFrame(errKindUnavailable, "command queue full")
	}
	var unavailable *controller.UnavailableError
	if errors.As(err, &unavailable) {
		return errorFrame(errKindUnavailable, unavailable.Error())
	}
	return errorFrame(errKindTransport, err.Error())
}
