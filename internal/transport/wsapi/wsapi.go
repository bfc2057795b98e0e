// Package wsapi implements the WebSocket Adapter (spec.md §6.6): one
// connection binds to one session id, exchanging newline-delimited JSON
// messages. Grounded on evalgo-org-eve/coordinator/coordinator.go's
// read-loop/send-loop/ping-loop split over a gorilla/websocket
// connection, adapted from a reconnecting client to a server accepting
// inbound connections (gorilla/websocket.Upgrader instead of
// websocket.Dialer), and from coordinator.go's logrus correlation to
// internal/telemetry's zerolog Logger.
package wsapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	taxerr "github.com/neuroconv/orchestrator/internal/errors"
	"github.com/neuroconv/orchestrator/internal/event"
	"github.com/neuroconv/orchestrator/internal/telemetry"
	"github.com/neuroconv/orchestrator/internal/transport/contract"
)

const (
	pingInterval = 30 * time.Second
	pongTimeout  = 10 * time.Second
)

// Adapter upgrades HTTP connections to WebSocket per spec.md §6.6's
// "connection URL binds to a session id" contract.
type Adapter struct {
	svc      *contract.Service
	logger   *telemetry.Logger
	upgrader websocket.Upgrader
}

// New builds an Adapter. logger may be nil; a console logger is used in
// that case, the same default workflow.Engine falls back to.
func New(svc *contract.Service, logger *telemetry.Logger) *Adapter {
	if logger == nil {
		logger = telemetry.NewConsoleLogger("wsapi")
	}
	return &Adapter{
		svc:    svc,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the chi.Router serving GET /ws/conversions/{id}.
func (a *Adapter) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/ws/conversions/{id}", a.handleConnect)
	return r
}

// clientMessage is the union of spec.md §6.6's client→server message
// shapes, discriminated by Type.
type clientMessage struct {
	Type      string         `json:"type"`
	StartSeq  *uint64        `json:"startSeq,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
}

func (a *Adapter) handleConnect(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	snap, err := a.svc.Status(r.Context(), sessionID)
	if err != nil {
		code := websocket.CloseNormalClosure
		if te, ok := taxerr.As(err); ok && te.Kind == taxerr.KindNotFound {
			code = 4004
		}
		conn, upErr := a.upgrader.Upgrade(w, r, nil)
		if upErr == nil {
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(time.Second))
			conn.Close()
		}
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.WithSession(sessionID).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &connection{
		adapter:   a,
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan any, 64),
		done:      make(chan struct{}),
	}
	c.writeJSON(map[string]any{"type": "subscribed", "currentState": snap.State, "latestSeq": snap.LatestEventSeq})

	go c.writeLoop()
	c.readLoop()
}

// connection is one WebSocket client's server-side state. sub is this
// connection's event-bus subscription, registered under a subscriber id
// unique to the connection.
type connection struct {
	adapter   *Adapter
	sessionID string
	conn      *websocket.Conn
	send      chan any
	sub       *event.Subscription
	done      chan struct{}
}

func (c *connection) writeJSON(v any) {
	select {
	case c.send <- v:
	case <-c.done:
	}
}

// writeLoop owns all writes to conn: outgoing application messages and
// the heartbeat ping, serialized onto one goroutine the way
// coordinator.go's senderLoop and pingLoop both write only through
// sendMessage.
func (c *connection) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer close(c.done)

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongTimeout)); err != nil {
				return
			}
		}
	}
}

// readLoop reads client messages and the event subscription's stream
// concurrently, translating both onto writeJSON.
func (c *connection) readLoop() {
	defer c.conn.Close()
	defer func() {
		if c.sub != nil {
			c.sub.Unsubscribe()
		}
	}()

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "subscribe":
			start := uint64(0)
			if msg.StartSeq != nil {
				start = *msg.StartSeq
			}
			sub, err := c.adapter.svc.SubscribeEvents(context.Background(), c.sessionID, fmt.Sprintf("ws:%s:%p", c.sessionID, c), start)
			if err != nil {
				c.writeJSON(map[string]any{"type": "error", "message": err.Error()})
				continue
			}
			c.sub = sub
			go c.pumpEvents(sub)

		case "unsubscribe":
			if c.sub != nil {
				c.sub.Unsubscribe()
				c.sub = nil
			}

		case "provideInput":
			if err := c.adapter.svc.ProvideInput(context.Background(), c.sessionID, msg.Input); err != nil {
				c.writeJSON(map[string]any{"type": "error", "message": err.Error()})
			}

		case "queryState":
			snap, err := c.adapter.svc.Status(context.Background(), c.sessionID)
			if err != nil {
				c.writeJSON(map[string]any{"type": "error", "message": err.Error()})
				continue
			}
			c.writeJSON(map[string]any{"type": "stateSnapshot", "snapshot": snap})

		case "ping":
			c.writeJSON(map[string]any{"type": "pong"})
		}
	}
}

// pumpEvents forwards a subscription's event stream onto the
// connection's write channel, translating event.Kind to the
// server→client message types spec.md §6.6 names.
func (c *connection) pumpEvents(sub *event.Subscription) {
	for {
		ev, err := sub.Recv(context.Background())
		if err != nil {
			return
		}
		switch ev.Kind {
		case event.KindStepProgress:
			c.writeJSON(map[string]any{"type": "progressUpdate", "event": ev})
		case event.KindStateChanged:
			c.writeJSON(map[string]any{"type": "statusChange", "event": ev})
		case event.KindInputRequired:
			c.writeJSON(map[string]any{"type": "inputRequired", "event": ev})
		case event.KindError:
			c.writeJSON(map[string]any{"type": "error", "event": ev})
		case event.KindCompleted:
			c.writeJSON(map[string]any{"type": "completed", "event": ev})
			return
		default:
			c.writeJSON(map[string]any{"type": "progressUpdate", "event": ev})
		}
	}
}
