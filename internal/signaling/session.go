package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/moodsync/relay/internal/auth"
	"github.com/moodsync/relay/internal/metrics"
	"github.com/moodsync/relay/internal/protocol"
)

const (
	wsWriteWait = 5 * time.Second
	// wsCloseGrace bounds how long a closing session waits for its writer
	// to flush queued frames and the close frame.
	wsCloseGrace = 2 * time.Second
)

// wsSession is one signaling WebSocket. Frames for the client go through a
// byte-bounded queue drained by a single writer goroutine; everything else
// runs on the read loop in run.
type wsSession struct {
	srv  *Server
	conn *websocket.Conn
	req  *http.Request
	id   string
	log  *slog.Logger

	queue      *sendQueue
	limiter    *rate.Limiter
	registered bool

	closeMu     sync.Mutex
	closing     bool
	closeCode   int
	closeReason string

	writerDone chan struct{}
}

func newWSSession(srv *Server, conn *websocket.Conn, r *http.Request, id string) *wsSession {
	return &wsSession{
		srv:        srv,
		conn:       conn,
		req:        r,
		id:         id,
		log:        srv.log.With("participant_id", id),
		queue:      newSendQueue(srv.SendQueueBytes),
		limiter:    rate.NewLimiter(rate.Limit(srv.MaxSignalingMessagesPerSecond), srv.MaxSignalingMessagesPerSecond),
		writerDone: make(chan struct{}),
	}
}

// ID implements hub.Socket.
func (wss *wsSession) ID() string { return wss.id }

// Send implements hub.Socket. A client that lets its queue overflow is
// disconnected rather than slowing down the room.
func (wss *wsSession) Send(frame []byte) {
	if wss.queue.Enqueue(frame) {
		return
	}
	if wss.isClosing() {
		return
	}
	wss.srv.metrics.Inc(metrics.DropReasonSlowSocket)
	wss.log.Warn("send queue overflow, disconnecting slow socket")
	wss.abort(websocket.ClosePolicyViolation, "send queue overflow")
}

func (wss *wsSession) run(ctx context.Context) {
	defer wss.shutdown()

	wss.conn.SetReadLimit(wss.srv.MaxSignalingMessageBytes)
	go wss.writer()
	go wss.pinger()

	authorized := false
	if principal, err := wss.srv.Authorizer.AuthorizeQuery(wss.req); err != nil {
		if !IsAuthMissing(err) {
			wss.srv.metrics.Inc(metrics.AuthFailures)
			wss.fail(protocol.CodeUnauthorized, unauthorizedMessage(err), websocket.ClosePolicyViolation, "unauthorized")
			return
		}
		_ = wss.conn.SetReadDeadline(time.Now().Add(wss.srv.SignalingAuthTimeout))
	} else {
		authorized = true
		if !wss.start(principal) {
			return
		}
	}

	wss.conn.SetPongHandler(func(string) error {
		if authorized {
			wss.extendIdle()
		}
		return nil
	})

	for {
		msgType, data, err := wss.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				if !authorized {
					wss.srv.metrics.Inc(metrics.AuthFailures)
					wss.fail(protocol.CodeUnauthorized, "authentication timeout", websocket.ClosePolicyViolation, "authentication timeout")
				} else {
					wss.closeWith(websocket.CloseNormalClosure, "idle timeout")
				}
			}
			return
		}
		if authorized {
			wss.extendIdle()
		}
		// Rate limit after reading so bytes already in the TCP receive
		// buffer are consumed and the client reliably sees the close frame.
		if !wss.limiter.Allow() {
			wss.srv.metrics.Inc(metrics.DropReasonRateLimit)
			wss.fail(protocol.CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			wss.srv.metrics.Inc(metrics.BadMessages)
			wss.fail(protocol.CodeBadMessage, "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			var perr *protocol.Error
			if errors.As(err, &perr) {
				wss.countRejected(msg.Type, perr)
				wss.sendError(perr.Code, perr.Message)
				continue
			}
			wss.srv.metrics.Inc(metrics.BadMessages)
			wss.fail(protocol.CodeBadMessage, err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}

		if !authorized {
			if msg.Type != protocol.TypeAuth {
				wss.srv.metrics.Inc(metrics.AuthFailures)
				wss.fail(protocol.CodeUnauthorized, "authentication required", websocket.ClosePolicyViolation, "authentication required")
				return
			}
			principal, err := wss.srv.Authorizer.AuthorizeMessage(msg)
			if err != nil {
				wss.srv.metrics.Inc(metrics.AuthFailures)
				wss.fail(protocol.CodeUnauthorized, unauthorizedMessage(err), websocket.ClosePolicyViolation, "unauthorized")
				return
			}
			authorized = true
			if !wss.start(principal) {
				return
			}
			continue
		}

		// Be tolerant: clients may send an auth message even when already
		// authenticated (query-string credentials or AUTH_MODE=none).
		if msg.Type == protocol.TypeAuth {
			continue
		}

		if err := wss.srv.Hub.Handle(ctx, wss.id, msg); err != nil {
			var perr *protocol.Error
			if errors.As(err, &perr) {
				wss.countRejected(msg.Type, perr)
				wss.sendError(perr.Code, perr.Message)
				continue
			}
			wss.log.Error("handle message", "type", msg.Type, "err", err)
			wss.fail(protocol.CodeInternalError, "internal error", websocket.CloseInternalServerErr, "internal error")
			return
		}
	}
}

// start registers the authenticated socket with the hub and greets it.
func (wss *wsSession) start(principal auth.Principal) bool {
	servers, err := wss.srv.ICE.For(wss.id)
	if err != nil {
		wss.log.Error("mint ice servers", "err", err)
		wss.fail(protocol.CodeInternalError, "internal error", websocket.CloseInternalServerErr, "internal error")
		return false
	}
	welcome, err := protocol.Encode(protocol.ServerMessage{
		Type:       protocol.TypeWelcome,
		ID:         wss.id,
		ICEServers: servers,
	})
	if err != nil {
		wss.fail(protocol.CodeInternalError, "internal error", websocket.CloseInternalServerErr, "internal error")
		return false
	}

	wss.Send(welcome)
	wss.srv.Hub.Register(wss, principal)
	wss.registered = true
	wss.extendIdle()
	wss.log.Info("socket authenticated", "subject", principal.Subject)
	return true
}

func (wss *wsSession) countRejected(t protocol.Type, perr *protocol.Error) {
	switch t {
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		if perr.Code == protocol.CodeBadMessage {
			wss.srv.metrics.Inc(metrics.InvalidSignals)
			return
		}
	}
	wss.srv.metrics.Inc(metrics.BadMessages)
}

func (wss *wsSession) extendIdle() {
	_ = wss.conn.SetReadDeadline(time.Now().Add(wss.srv.SignalingWSIdleTimeout))
}

func (wss *wsSession) sendError(code protocol.Code, message string) {
	wss.Send(protocol.ErrorFrame(code, message))
}

// fail sends an error frame and then closes the socket once it is flushed.
func (wss *wsSession) fail(code protocol.Code, message string, closeCode int, closeReason string) {
	wss.sendError(code, message)
	wss.closeWith(closeCode, closeReason)
}

// closeWith stops accepting frames; the writer flushes what is queued and
// then sends the close frame. Only the first call has an effect.
func (wss *wsSession) closeWith(code int, reason string) {
	wss.closeMu.Lock()
	if wss.closing {
		wss.closeMu.Unlock()
		return
	}
	wss.closing = true
	wss.closeCode, wss.closeReason = code, reason
	wss.closeMu.Unlock()
	wss.queue.Finish()
}

// abort discards queued frames and closes the connection immediately.
func (wss *wsSession) abort(code int, reason string) {
	wss.closeMu.Lock()
	if wss.closing {
		wss.closeMu.Unlock()
		return
	}
	wss.closing = true
	wss.closeMu.Unlock()

	wss.queue.Close()
	writeClose(wss.conn, code, reason)
	_ = wss.conn.Close()
}

func (wss *wsSession) isClosing() bool {
	wss.closeMu.Lock()
	defer wss.closeMu.Unlock()
	return wss.closing
}

func (wss *wsSession) writer() {
	defer close(wss.writerDone)
	for {
		frame, ok := wss.queue.Dequeue()
		if !ok {
			break
		}
		_ = wss.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := wss.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			wss.closeMu.Lock()
			wss.closing = true
			wss.closeMu.Unlock()
			wss.queue.Close()
			_ = wss.conn.Close()
			return
		}
	}

	wss.closeMu.Lock()
	code, reason := wss.closeCode, wss.closeReason
	wss.closeMu.Unlock()
	if code != 0 {
		writeClose(wss.conn, code, reason)
	}
}

func (wss *wsSession) pinger() {
	interval := wss.srv.SignalingWSPingInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-wss.writerDone:
			return
		case <-ticker.C:
			if err := wss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (wss *wsSession) shutdown() {
	if wss.registered {
		wss.srv.Hub.Unregister(context.Background(), wss.id)
	}
	wss.closeWith(websocket.CloseNormalClosure, "")

	select {
	case <-wss.writerDone:
	case <-time.After(wsCloseGrace):
		wss.queue.Close()
	}
	_ = wss.conn.Close()
	wss.srv.metrics.Inc(metrics.SocketsClosed)
	wss.log.Info("socket closed")
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
