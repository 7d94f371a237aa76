package ws

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/manager"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/runtime"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/infrastructure/monitoring"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	maxInbound   = 4096
)

// Source is the part of manager.Manager the stream reads from
type Source interface {
	Subscribe(buffer int) *manager.Subscription
	Runtimes() []manager.RuntimeInfo
}

// Message is one frame sent to the client
type Message struct {
	Type     string                `json:"type"`
	Event    *runtime.Event        `json:"event,omitempty"`
	Runtimes []manager.RuntimeInfo `json:"runtimes,omitempty"`
	Dropped  uint64                `json:"dropped,omitempty"`
	Message  string                `json:"message,omitempty"`
}

// inbound is a frame from the client
type inbound struct {
	Type string `json:"type"`
}

// Handler streams runtime status and telemetry over WebSocket
type Handler struct {
	source   Source
	metrics  *monitoring.Metrics
	log      *logging.Logger
	buffer   int
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler. buffer sizes each client's
// subscription; a slow client loses events, never stalls the runtime.
func NewHandler(source Source, metrics *monitoring.Metrics, log *logging.Logger, buffer int) *Handler {
	if log == nil {
		log = logging.Nop()
	}
	return &Handler{
		source:  source,
		metrics: metrics,
		log:     log.Named("ws"),
		buffer:  buffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // origin policy is enforced by the CORS middleware
			},
		},
	}
}

// HandleConnection upgrades the request and streams events until the
// client goes away. ?plugin= may be repeated to filter by plugin id.
func (h *Handler) HandleConnection(c *gin.Context) {
	filter := c.QueryArray("plugin")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	sub := h.source.Subscribe(h.buffer)
	defer sub.Close()

	snapshot := h.source.Runtimes()
	if len(filter) > 0 {
		snapshot = slices.DeleteFunc(snapshot, func(info manager.RuntimeInfo) bool {
			return !slices.Contains(filter, info.PluginID)
		})
	}
	if err := h.write(conn, Message{Type: "snapshot", Runtimes: snapshot}); err != nil {
		return
	}

	replies := make(chan Message, 8)
	done := make(chan struct{})
	go h.readLoop(conn, replies, done)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	var dropped uint64
	for {
		var msg Message
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if len(filter) > 0 && !slices.Contains(filter, ev.PluginID) {
				continue
			}
			msg = Message{Type: string(ev.Kind), Event: &ev}
		case msg = <-replies:
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			continue
		}

		if n := sub.Dropped(); n != dropped {
			if err := h.write(conn, Message{Type: "dropped", Dropped: n - dropped}); err != nil {
				return
			}
			dropped = n
		}
		if err := h.write(conn, msg); err != nil {
			return
		}
	}
}

// readLoop answers pings and notices when the client leaves
func (h *Handler) readLoop(conn *websocket.Conn, replies chan<- Message, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxInbound)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		reply := Message{Type: "pong"}
		if msg.Type == "ping" {
			h.metrics.RecordWSMessage("in", "ping")
		} else {
			h.metrics.RecordWSMessage("in", "unknown")
			reply = Message{Type: "error", Message: "unknown message type"}
		}
		select {
		case replies <- reply:
		default:
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, msg Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.log.Debug("websocket write failed", zap.Error(err))
		return err
	}
	h.metrics.RecordWSMessage("out", msg.Type)
	return nil
}
