// Package ws implements HomeRoute's agent control-plane transport: the
// WebSocket connection an agent opens inbound to the registry, carrying
// the auth handshake, heartbeats, published routes, and config pushes
// described in spec.md §4.6.
//
// Grounded in internal/registry/registry.go's transport-agnostic Conn
// (Send/Close closures) and the teacher's nhooyr.io/websocket
// usage in echo.go: Accept, a read loop bounded by a per-read context
// timeout, and SetReadLimit against abusive peers.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/homeroute/homeroute/internal/model"
	"github.com/homeroute/homeroute/internal/registry"
)

const (
	authTimeout      = 5 * time.Second
	readLimitBytes   = 1 << 20
	heartbeatWindow  = 2 * time.Minute
)

// envelope is the tagged message shape every frame on the control
// plane uses; Payload is re-decoded per Kind.
type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type authPayload struct {
	Token       string `json:"token"`
	ServiceName string `json:"service_name"`
	Version     string `json:"version"`
	IPv4Address string `json:"ipv4_address"`
}

type authResultPayload struct {
	Success bool `json:"success"`
}

type heartbeatPayload struct {
	IPv4Address  string            `json:"ipv4_address"`
	AgentVersion string            `json:"agent_version"`
	Metrics      model.AppMetrics  `json:"metrics"`
}

type publishRoutesPayload struct {
	Routes []model.AppRoute `json:"routes"`
}

// Handler accepts agent control-plane connections and drives them
// against a Registry until the peer disconnects or the handshake fails.
type Handler struct {
	Registry *registry.Registry
	Logger   *log.Logger
}

func (h *Handler) logf(format string, args ...any) {
	if h.Logger != nil {
		h.Logger.Printf(format, args...)
	}
}

func write(ctx context.Context, mu *sync.Mutex, c *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	return c.Write(ctx, websocket.MessageText, b)
}

// ServeConn runs the full control-plane lifecycle for one accepted
// WebSocket connection: the 5s auth handshake, then an unbounded read
// loop dispatching heartbeat/publish_routes frames until the socket
// closes, at which point the application is marked disconnected.
func (h *Handler) ServeConn(ctx context.Context, c *websocket.Conn) {
	c.SetReadLimit(readLimitBytes)
	var writeMu sync.Mutex

	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	_, data, err := c.Read(authCtx)
	cancel()
	if err != nil {
		c.Close(websocket.StatusPolicyViolation, "auth timeout")
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Kind != "auth" {
		c.Close(websocket.StatusPolicyViolation, "expected auth frame")
		return
	}
	var ap authPayload
	if err := json.Unmarshal(env.Payload, &ap); err != nil {
		c.Close(websocket.StatusPolicyViolation, "malformed auth payload")
		return
	}

	app, ok := h.Registry.FindBySlug(ap.ServiceName)
	if !ok {
		h.sendAuthResult(ctx, &writeMu, c, false)
		c.Close(websocket.StatusPolicyViolation, "unknown service")
		return
	}
	verified, ok := h.Registry.Authenticate(app.ID, ap.Token)
	if !ok {
		h.sendAuthResult(ctx, &writeMu, c, false)
		c.Close(websocket.StatusPolicyViolation, "auth failed")
		return
	}
	if err := h.sendAuthResult(ctx, &writeMu, c, true); err != nil {
		c.Close(websocket.StatusInternalError, "write failed")
		return
	}

	closed := make(chan struct{})
	var closeOnce sync.Once
	conn := &registry.Conn{
		AppID: verified.ID,
		Send: func(ctx context.Context, kind string, payload any) error {
			return write(ctx, &writeMu, c, envelope{Kind: kind, Payload: mustJSON(payload)})
		},
		Close: func() {
			closeOnce.Do(func() { close(closed) })
		},
	}
	h.Registry.Attach(conn)
	h.Registry.Heartbeat(verified.ID, ap.IPv4Address, ap.Version, model.AppMetrics{})
	defer h.Registry.Detach(verified.ID)

	for {
		select {
		case <-closed:
			c.Close(websocket.StatusNormalClosure, "superseded")
			return
		default:
		}
		rctx, rcancel := context.WithTimeout(ctx, heartbeatWindow)
		_, data, err := c.Read(rctx)
		rcancel()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Kind {
		case "heartbeat":
			var hp heartbeatPayload
			if err := json.Unmarshal(env.Payload, &hp); err != nil {
				continue
			}
			h.Registry.Heartbeat(verified.ID, hp.IPv4Address, hp.AgentVersion, hp.Metrics)
		case "publish_routes":
			var pp publishRoutesPayload
			if err := json.Unmarshal(env.Payload, &pp); err != nil {
				continue
			}
			h.Registry.PublishRoutes(verified.ID, pp.Routes)
		default:
			h.logf("controlplane: app_id=%s unknown frame kind=%s", verified.ID, env.Kind)
		}
	}
}

func (h *Handler) sendAuthResult(ctx context.Context, mu *sync.Mutex, c *websocket.Conn, success bool) error {
	return write(ctx, mu, c, envelope{Kind: "auth_result", Payload: mustJSON(authResultPayload{Success: success})})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf("%q", err.Error()))
	}
	return b
}
