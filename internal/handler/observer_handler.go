package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/georgeji/record-observer/internal/models"
	"github.com/georgeji/record-observer/internal/observer"
	"github.com/georgeji/record-observer/internal/stream"
)

const (
	sseEventName = "change"
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// Engine is the part of the observer the HTTP API drives.
type Engine interface {
	Subscribe(ctx context.Context, types ...models.ChangeType) (*stream.Subscription, error)
	Trigger()
	Status() observer.Status
}

// ObserverHandler exposes the change stream and engine status over HTTP.
type ObserverHandler struct {
	engine   Engine
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewObserverHandler(engine Engine, logger *zap.Logger) *ObserverHandler {
	return &ObserverHandler{
		engine: engine,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

func (h *ObserverHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *ObserverHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Status())
}

// Reconcile queues a reconciliation cycle.
func (h *ObserverHandler) Reconcile(c *gin.Context) {
	h.engine.Trigger()
	c.JSON(http.StatusAccepted, gin.H{"message": "reconcile queued"})
}

// StreamEvents serves the change stream as server-sent events.
func (h *ObserverHandler) StreamEvents(c *gin.Context) {
	sub, ok := h.subscribe(c)
	if !ok {
		return
	}
	defer sub.Close()

	h.logger.Info("sse subscriber attached",
		zap.String("subscription_id", sub.ID()),
		zap.String("remote_addr", c.ClientIP()),
	)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(_ io.Writer) bool {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil {
					h.logger.Warn("sse subscriber dropped", zap.String("subscription_id", sub.ID()), zap.Error(err))
				}
				return false
			}
			c.SSEvent(sseEventName, ev)
			return true
		case <-ctx.Done():
			return false
		}
	})

	h.logger.Info("sse subscriber detached", zap.String("subscription_id", sub.ID()))
}

// StreamEventsWS serves the change stream over a websocket, one JSON frame per event.
func (h *ObserverHandler) StreamEventsWS(c *gin.Context) {
	types, err := parseTypes(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub, err := h.engine.Subscribe(c.Request.Context(), types...)
	if err != nil {
		h.logger.Error("subscribe failed", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(wsWriteWait))
		return
	}
	defer sub.Close()

	// 读协程：只处理 close/pong
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				code, reason := websocket.CloseGoingAway, "observer stopped"
				if err := sub.Err(); err != nil {
					h.logger.Warn("websocket subscriber dropped", zap.String("subscription_id", sub.ID()), zap.Error(err))
					code, reason = websocket.CloseTryAgainLater, err.Error()
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, reason),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Warn("websocket write failed", zap.String("subscription_id", sub.ID()), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (h *ObserverHandler) subscribe(c *gin.Context) (*stream.Subscription, bool) {
	types, err := parseTypes(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	sub, err := h.engine.Subscribe(c.Request.Context(), types...)
	if err != nil {
		h.logger.Error("subscribe failed", zap.Error(err))
		status := http.StatusServiceUnavailable
		if errors.Is(err, observer.ErrStopped) {
			status = http.StatusGone
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return nil, false
	}
	return sub, true
}

// parseTypes reads repeated ?type= filters. None means every type.
func parseTypes(c *gin.Context) ([]models.ChangeType, error) {
	raw := c.QueryArray("type")
	types := make([]models.ChangeType, 0, len(raw))
	for _, s := range raw {
		t, err := models.ParseChangeType(s)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

func (h *ObserverHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/status", h.GetStatus)
	r.GET("/events", h.StreamEvents)
	r.GET("/events/ws", h.StreamEventsWS)
	r.POST("/reconcile", h.Reconcile)
}
