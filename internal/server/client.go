package server

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/connorhoehn/websocket-gateway/internal/logging"
	"github.com/connorhoehn/websocket-gateway/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var errClientGone = errors.New("client connection closed")

// RFC 6455 close codes the gateway uses.
const (
	statusGoingAway     ws.StatusCode = 1001 // server shutting down
	statusTryAgainLater ws.StatusCode = 1013 // backpressure disconnect
)

// client is one accepted WebSocket connection. Its send channel
// serializes egress writes; the write pump is the only goroutine
// touching the wire on the way out.
type client struct {
	id   string
	conn net.Conn
	send chan []byte

	closed    atomic.Bool
	closeOnce sync.Once
	srv       *Server
}

func newClient(id string, conn net.Conn, srv *Server) *client {
	return &client{
		id:   id,
		conn: conn,
		send: make(chan []byte, srv.cfg.SendBuffer),
		srv:  srv,
	}
}

// Write enqueues a payload for the write pump. It never blocks: a full
// send queue means the peer is too slow, so the client is disconnected
// with 1013 (try again later) and the router sees a failed egress.
func (c *client) Write(payload []byte) error {
	if c.closed.Load() {
		return errClientGone
	}
	select {
	case c.send <- payload:
		return nil
	default:
		metrics.DisconnectsTotal.WithLabelValues("send_queue_overflow").Inc()
		c.srv.logger.Warn().
			Str("client_id", c.id).
			Int("queue_capacity", cap(c.send)).
			Msg("Client send queue overflow, disconnecting")
		c.closeWith(statusTryAgainLater, "send queue overflow")
		return errClientGone
	}
}

// closeWith sends a close frame with the given status and tears the
// connection down. Safe to call multiple times.
func (c *client) closeWith(status ws.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		body := ws.NewCloseFrameBody(status, reason)
		_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, body)
		_ = c.conn.Close()
	})
}

// readPump reads frames from the connection and dispatches text frames
// to the service layer. It owns the disconnect path: whatever ends the
// loop, the client is drained exactly once.
func (s *Server) readPump(c *client) {
	defer logging.RecoverPanic(s.logger, "readPump", map[string]any{"client_id": c.id})
	defer s.disconnectClient(c, "read_error")

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		metrics.MessagesReceived.Inc()
		metrics.BytesReceived.Add(float64(len(msg)))

		switch op {
		case ws.OpText:
			s.dispatcher.Dispatch(s.baseCtx, c.id, msg)
		case ws.OpClose:
			return
		default:
			// Pings are answered by the library; binary frames are
			// not part of the protocol.
		}
	}
}

// writePump drains the send channel onto the wire, batching queued
// messages into one flush, and keeps the connection alive with pings.
func (s *Server) writePump(c *client) {
	defer logging.RecoverPanic(s.logger, "writePump", map[string]any{"client_id": c.id})

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeWith(ws.StatusNormalClosure, "")
	}()

	for {
		select {
		case message, okChan := <-c.send:
			if !okChan {
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				s.logger.Debug().Err(err).Str("client_id", c.id).Msg("Failed to write message")
				return
			}
			metrics.MessagesSent.Inc()
			metrics.BytesSent.Add(float64(len(message)))

			// Batch whatever else is already queued.
			n := len(c.send)
			for i := 0; i < n; i++ {
				message = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					s.logger.Debug().Err(err).Str("client_id", c.id).Msg("Failed to write message")
					return
				}
				metrics.MessagesSent.Inc()
				metrics.BytesSent.Add(float64(len(message)))
			}

			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Str("client_id", c.id).Msg("Failed to flush writer")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Str("client_id", c.id).Msg("Failed to send ping")
				return
			}
		}
	}
}
