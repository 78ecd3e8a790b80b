package agent

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// upgrader uses generous buffers; CheckOrigin is open because the
// caller sits behind its own auth layer.
var upgrader = websocket.Upgrader{
	ReadBufferSize: 1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamEvent is one frame of an observed agent run: a token, a turn
// boundary, or an error. Callers that only want to watch an agent's
// progress (rather than drive its tool loop) subscribe to these over
// a websocket instead of holding the agent.Runner directly.
type StreamEvent struct {
	Type string `json:"type"` // token | turn | error | done
	Content string `json:"content,omitempty"`
	Error string `json:"error,omitempty"`
}

// StreamHub fans a single agent's token/turn events out to any number
// of connected observers. Agents are long-lived and may be watched by
// more than one caller (a dashboard and a CLI, say) at once, so this
// supports N observers per agent rather than one client per session.
type StreamHub struct {
	mu sync.RWMutex
	observers map[string]map[*observer]struct{}
	logger *zap.Logger
}

type observer struct {
	conn *websocket.Conn
	send chan StreamEvent
}

// NewStreamHub builds an empty hub. One hub serves every agent in a
// process; observers key off the agent id.
func NewStreamHub(logger *zap.Logger) *StreamHub {
	return &StreamHub{observers: make(map[string]map[*observer]struct{}), logger: logger}
}

// Publish delivers an event to every observer currently watching
// agentID. Slow or gone observers are dropped rather than blocking the
// agent run itself.
func (h *StreamHub) Publish(agentID string, ev StreamEvent) {
	h.mu.RLock()
	obs := h.observers[agentID]
	h.mu.RUnlock()
	for o := range obs {
		select {
		case o.send <- ev:
		default:
			h.logger.Warn("dropping stream event, observer too slow", zap.String("agent_id", agentID))
		}
	}
}

// OnToken adapts StreamHub.Publish to the agent.Runner's onToken
// callback shape, so a caller can pass hub.OnToken(agentID) straight
// into Runner.Run.
func (h *StreamHub) OnToken(agentID string) func(string) {
	return func(chunk string) {
		h.Publish(agentID, StreamEvent{Type: "token", Content: chunk})
	}
}

// ServeHTTP upgrades the connection and streams agentID's events to it
// until the client disconnects or ctx is cancelled. It implements no
// tool-use or chat semantics — that belongs to the Runner itself; this
// is read-only observation.
func (h *StreamHub) ServeHTTP(ctx context.Context, agentID string, w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	obs := &observer{conn: conn, send: make(chan StreamEvent, 64)}
	h.register(agentID, obs)
	defer h.unregister(agentID, obs)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	go h.drainReads(conn)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				return err
			}
		case ev, ok := <-obs.send:
			if !ok {
				return nil
			}
			if err := conn.WriteJSON(ev); err != nil {
				if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
					return nil
				}
				return err
			}
		}
	}
}

// drainReads discards client frames; this channel is one-directional
// (observation only) but still needs reads pumped to notice a close.
func (h *StreamHub) drainReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StreamHub) register(agentID string, o *observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.observers[agentID] == nil {
		h.observers[agentID] = make(map[*observer]struct{})
	}
	h.observers[agentID][o] = struct{}{}
}

func (h *StreamHub) unregister(agentID string, o *observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.observers[agentID], o)
	if len(h.observers[agentID]) == 0 {
		delete(h.observers, agentID)
	}
	close(o.send)
}
