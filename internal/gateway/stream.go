package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/benodiwal/medusa/internal/common/errors"
	"github.com/benodiwal/medusa/internal/common/logger"
	"github.com/benodiwal/medusa/internal/events"
	"github.com/benodiwal/medusa/internal/events/bus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4 * 1024

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Served on loopback for a local UI.
		return true
	},
}

// streamClient relays one task's bus events to a websocket connection.
type streamClient struct {
	id     string
	taskID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *logger.Logger
}

// streamTask upgrades the request and relays agent.output, agent.status and
// task.updated events of the task until the peer disconnects.
// WS /api/v1/tasks/:id/stream
func (s *Server) streamTask(c *gin.Context) {
	taskID := c.Param("id")
	if s.eventBus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus unavailable", "code": apperrors.CodeInternal})
		return
	}
	if _, err := s.service.GetTask(c.Request.Context(), taskID); err != nil {
		s.renderError(c, err)
		return
	}

	clientID := uuid.New().String()
	client := &streamClient{
		id:     clientID,
		taskID: taskID,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: s.logger.WithFields(zap.String("client_id", clientID), zap.String("task_id", taskID)),
	}

	// Subscribe before the handshake completes so nothing published after
	// the peer connects is missed.
	subs := make([]bus.Subscription, 0, 3)
	for _, subject := range events.TaskSubjects(taskID) {
		sub, err := s.eventBus.Subscribe(subject, client.deliver)
		if err != nil {
			unsubscribeAll(subs)
			s.renderError(c, fmt.Errorf("subscribe %s: %w", subject, err))
			return
		}
		subs = append(subs, sub)
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		unsubscribeAll(subs)
		client.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	client.conn = conn
	client.logger.Info("stream connected")

	go client.writePump()
	client.readPump()

	unsubscribeAll(subs)
	client.close()
	client.logger.Info("stream disconnected")
}

func unsubscribeAll(subs []bus.Subscription) {
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

// deliver queues ev for the connection. Events are dropped when the peer
// falls a full buffer behind.
func (sc *streamClient) deliver(_ context.Context, ev *bus.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-sc.done:
	case sc.send <- payload:
	default:
		sc.logger.Warn("stream client lagging, dropping event", zap.String("type", ev.Type))
	}
	return nil
}

func (sc *streamClient) close() {
	sc.once.Do(func() { close(sc.done) })
}

// readPump discards client frames and returns once the connection fails.
func (sc *streamClient) readPump() {
	sc.conn.SetReadLimit(maxMessageSize)
	_ = sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sc.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sc.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (sc *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sc.conn.Close()
	}()

	for {
		select {
		case <-sc.done:
			_ = sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = sc.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-sc.send:
			_ = sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				sc.close()
				return
			}
		case <-ticker.C:
			_ = sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sc.close()
				return
			}
		}
	}
}
