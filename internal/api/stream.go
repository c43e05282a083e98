package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/stripboard/stripd/internal/hub"
)

// writeTimeout bounds a single push-channel write.
const writeTimeout = 10 * time.Second

// handleSSE streams hub events as server-sent events until the client goes
// away or the hub drops the subscriber. Every write carries a deadline so a
// stalled client cannot pin the handler.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	sub := hub.NewSubscriber(s.buffer)
	if err := s.hub.Subscribe(sub); err != nil {
		return
	}
	defer s.hub.Unsubscribe(sub)

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case ev := <-sub.Events():
			err = writeWithDeadline(rc, func() error { return writeSSE(w, ev) })
		case <-ticker.C:
			err = writeWithDeadline(rc, func() error {
				_, err := io.WriteString(w, ": ping\n\n")
				return err
			})
		}
		if err != nil {
			s.log.Debug("sse write failed", "error", err)
			return
		}
	}
}

// writeWithDeadline arms the connection write deadline, runs write and
// flushes. Writers without deadline support are written to unbounded.
func writeWithDeadline(rc *http.ResponseController, write func() error) error {
	if err := rc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if err := write(); err != nil {
		return err
	}
	return rc.Flush()
}

func writeSSE(w io.Writer, ev hub.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Name, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
	return err
}

// frame is the JSON shape of a WebSocket push message.
type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// handleWS carries the same events as /sse over a WebSocket. Client messages
// are ignored.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Browser clients are served from any origin, as with CORS.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("websocket accept error", "error", err)
		return
	}
	defer conn.CloseNow()

	sub := hub.NewSubscriber(s.buffer)
	if err := s.hub.Subscribe(sub); err != nil {
		conn.Close(websocket.StatusTryAgainLater, "subscribe failed")
		return
	}
	defer s.hub.Unsubscribe(sub)

	// CloseRead discards client frames and cancels ctx when the peer leaves.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			conn.Close(websocket.StatusGoingAway, "subscriber closed")
			return
		case ev := <-sub.Events():
			if err := s.writeFrame(ctx, conn, ev); err != nil {
				s.log.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.log.Debug("websocket heartbeat failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, ev hub.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, frame{Event: ev.Name, Data: ev.Data})
}
