package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/onnwee/huddle/telemetry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Serve runs the read and write pumps for c over ws and blocks until the
// connection ends. The member is disconnected before Serve returns.
func (r *Room) Serve(ctx context.Context, ws *websocket.Conn, c *Conn) {
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "chat_client"),
		slog.String("connection_id", c.ID),
		slog.String("user", c.Identity.Username))

	done := make(chan struct{})
	go func() {
		defer close(done)
		writePump(ws, c, log)
	}()

	r.readPump(ctx, ws, c, log)
	r.Disconnect(context.WithoutCancel(ctx), c)
	<-done
}

func (r *Room) readPump(ctx context.Context, ws *websocket.Conn, c *Conn, log *slog.Logger) {
	defer ws.Close()

	ws.SetReadLimit(r.opts.MaxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Warn("set read deadline failed", slog.Any("err", err))
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := rate.NewLimiter(rate.Limit(float64(r.opts.RateLimitBurst)/r.opts.RateLimitInterval.Seconds()), r.opts.RateLimitBurst)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			logReadError(log, err, r.opts.MaxMessageSize)
			return
		}
		if !limiter.Allow() {
			telemetry.IncLabel(telemetry.FramesRejected, "rate_limited")
			log.Warn("rate limit exceeded; discarding frame",
				slog.Int("burst", r.opts.RateLimitBurst),
				slog.Duration("interval", r.opts.RateLimitInterval))
			r.reportError(ctx, c, fmt.Errorf("%w: rate limit exceeded", ErrValidation))
			continue
		}
		if err := r.handleFrame(ctx, c, raw); err != nil {
			if errors.Is(err, errHandlerPanic) {
				log.Error("frame handler panicked; closing connection", slog.Any("err", err))
				return
			}
			r.reportError(ctx, c, err)
		}
	}
}

var errHandlerPanic = errors.New("frame handler panic")

func (r *Room) handleFrame(ctx context.Context, c *Conn, raw []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", errHandlerPanic, p)
		}
	}()

	in, err := DecodeInbound(raw)
	if err != nil {
		telemetry.IncLabel(telemetry.FramesRejected, "invalid")
		return err
	}
	switch m := in.(type) {
	case TextMessageIn:
		_, err = r.SendText(ctx, c, m.Text)
	default:
		err = fmt.Errorf("%w: unsupported frame", ErrValidation)
	}
	return err
}

// reportError sends the sender-only frame matching err's class.
func (r *Room) reportError(ctx context.Context, c *Conn, err error) {
	var msg string
	switch Classify(err) {
	case ErrorClassUnauthenticated:
		msg = "authentication required"
	case ErrorClassValidation:
		msg = err.Error()
	case ErrorClassPersistence:
		msg = "failed to save message"
	default:
		msg = "internal error"
	}
	telemetry.LoggerWithCorr(ctx).Debug("reporting error to member",
		slog.String("component", "chat_client"),
		slog.String("connection_id", c.ID),
		slog.String("class", Classify(err).String()),
		slog.Any("err", err))
	frame, encErr := EncodeFrame(ProtocolEvent(err), ErrorPayload{Message: msg})
	if encErr != nil {
		return
	}
	r.deliver(ctx, c, frame)
}

func writePump(ws *websocket.Conn, c *Conn, log *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Outbox():
			if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				if !isExpectedCloseError(err) {
					log.Warn("write failed", slog.Any("err", err))
				}
				return
			}
		case <-ticker.C:
			if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// RejectAuth writes a single auth-error frame and closes ws.
func RejectAuth(ws *websocket.Conn, err error) {
	defer ws.Close()
	msg := "authentication required"
	if Classify(err) == ErrorClassPersistence {
		msg = "unable to verify session"
	}
	frame, encErr := EncodeFrame(ProtocolEvent(err), ErrorPayload{Message: msg})
	if encErr != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return
	}
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg))
}

func logReadError(log *slog.Logger, err error, limit int64) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		telemetry.IncLabel(telemetry.FramesRejected, "too_large")
		log.Warn("frame exceeded maximum size", slog.Int64("limit", limit))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		log.Debug("client closed connection")
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		log.Debug("connection closed", slog.Any("err", err))
	default:
		log.Warn("read failed", slog.Any("err", err))
	}
}

func isExpectedCloseError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent)
}
