package server

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/mcphub/internal/hub"
	"github.com/Tyrowin/mcphub/internal/jsonrpc"
)

// socketClient is one live socket connection. The read pump feeds inbound
// frames to the dispatcher; the write pump drains the hub listener queue.
type socketClient struct {
	conn     *websocket.Conn
	listener *hub.Listener
	gw       *Gateway
	limiter  *rate.Limiter
	logger   *slog.Logger
}

func newSocketClient(conn *websocket.Conn, l *hub.Listener, g *Gateway) *socketClient {
	conn.SetReadLimit(g.limits.MaxMessageSize)

	rl := g.limits.RateLimit
	perSecond := rate.Limit(float64(rl.Burst) / rl.RefillInterval.Seconds())

	return &socketClient{
		conn:     conn,
		listener: l,
		gw:       g,
		limiter:  rate.NewLimiter(perSecond, rl.Burst),
		logger:   g.logger.With("listener_id", l.ID(), "addr", l.Addr()),
	}
}

// run starts both pumps under the gateway's wait group. If the gateway is
// already shutting down the connection is closed instead.
func (c *socketClient) run() {
	if !c.gw.track(2) {
		c.gw.hub.Deregister(c.listener)
		c.writeCloseMessage()
		c.closeConnection()
		return
	}
	go func() {
		defer c.gw.wg.Done()
		c.writePump()
	}()
	go func() {
		defer c.gw.wg.Done()
		c.readPump()
	}()
}

// setupReadConnection configures read deadlines and the pong handler.
func (c *socketClient) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleReadError logs a read failure at a level matching its cause.
func (c *socketClient) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("frame exceeded maximum size", "max_bytes", c.gw.limits.MaxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.logger.Info("socket disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("socket connection closed", "reason", err)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure):
		c.logger.Warn("unexpected socket close", "error", err)
	default:
		c.logger.Debug("socket read ended", "error", err)
	}
}

func (c *socketClient) readPump() {
	defer func() {
		c.gw.hub.Deregister(c.listener)
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !c.limiter.Allow() {
			c.logger.Warn("rate limit exceeded; discarding frame",
				"burst", c.gw.limits.RateLimit.Burst,
				"interval", c.gw.limits.RateLimit.RefillInterval)
			continue
		}
		c.processFrame(raw)
	}
}

// processFrame dispatches one text frame. Frames that are not valid JSON are
// dropped without a reply; a JSON array frame is dispatched as a batch.
func (c *socketClient) processFrame(raw []byte) {
	items, batch, err := jsonrpc.DecodeBatch(raw)
	if err != nil {
		c.logger.Debug("dropping malformed frame", "bytes", len(raw))
		return
	}
	if batch {
		c.gw.dispatcher.DispatchBatch(c.gw.ctx, items)
		return
	}
	c.gw.dispatcher.Dispatch(c.gw.ctx, items[0])
}

func (c *socketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// A failed write ends delivery to this socket; the hub must stop
		// queueing for it even if the read side is still blocked.
		c.gw.hub.Deregister(c.listener)
		c.closeConnection()
	}()

	for {
		select {
		case message, ok := <-c.listener.Messages():
			if !ok {
				c.writeCloseMessage()
				return
			}
			if !c.writeTextMessage(message) {
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		}
	}
}

// closeConnection closes the socket, logging only unexpected failures.
func (c *socketClient) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("closing socket", "error", err)
	}
}

func (c *socketClient) writeCloseMessage() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
	if err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("writing close message", "error", err)
	}
}

// writeTextMessage writes one envelope as one text frame.
func (c *socketClient) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("setting write deadline", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("writing message", "error", err)
		}
		return false
	}
	return true
}

func (c *socketClient) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("writing ping", "error", err)
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
