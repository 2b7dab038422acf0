package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/checkrun-ci/checkrun/pkg/ports"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler streams run lifecycle events to WebSocket clients. It holds a
// single bus subscription and fans events out to connections locally, so
// it works on a consumer-group bus where each message reaches one
// subscriber. When backed by Redis streams the handler needs its own bus
// with a consumer group separate from the worker pool's.
type Handler struct {
	eventBus ports.EventBus
	logger   *zap.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscriber
}

// subscriber is one connected client waiting for events of one run.
type subscriber struct {
	runID string
	ch    chan ports.Event
}

// NewHandler creates a new WebSocket handler
func NewHandler(eventBus ports.EventBus, logger *zap.Logger) *Handler {
	return &Handler{
		eventBus: eventBus,
		logger:   logger,
		subs:     make(map[uint64]*subscriber),
	}
}

// Start subscribes the handler to run events. The subscription lives
// until ctx is cancelled.
func (h *Handler) Start(ctx context.Context) error {
	if err := h.eventBus.Subscribe(ctx, ports.TopicRunEvents, h.fanout); err != nil {
		return fmt.Errorf("failed to subscribe to run events: %w", err)
	}
	return nil
}

// fanout forwards one bus event to every connection watching its run.
// Slow clients lose events rather than stall the bus.
func (h *Handler) fanout(ctx context.Context, event ports.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.runID != event.RunID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.logger.Warn("client event buffer full, dropping event",
				zap.String("run_id", event.RunID),
				zap.String("event_type", string(event.Type)))
		}
	}
	return nil
}

func (h *Handler) register(runID string) (uint64, chan ports.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	ch := make(chan ports.Event, 16)
	h.subs[id] = &subscriber{runID: runID, ch: ch}
	return id, ch
}

func (h *Handler) unregister(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// HandleRunStream upgrades the connection and streams the lifecycle
// events of one run until the client disconnects.
func (h *Handler) HandleRunStream(c *gin.Context) {
	runID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("run_id", runID),
		zap.String("client", c.ClientIP()))

	id, eventChan := h.register(runID)
	defer h.unregister(id)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The read pump only detects disconnects; clients send nothing.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-eventChan:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to marshal event", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("failed to write message, closing stream",
					zap.String("run_id", runID),
					zap.Error(err))
				return
			}
		}
	}
}
