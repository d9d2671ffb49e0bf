package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/job-dispatch/internal/eventbus"
	"github.com/example/job-dispatch/internal/models"
	"github.com/example/job-dispatch/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxInboundSize = 512
)

// pump writes every event of sub to conn as JSON until the client goes away
// or the subscription ends. A subscription that ends on its own (the bus
// dropped a slow consumer or is shutting down) is reported with close code
// 1013 so the client knows to reconnect and resubscribe.
func pump[T any](ctx context.Context, conn *websocket.Conn, sub *eventbus.Subscription[T], stream string) {
	observability.WebsocketStreams.WithLabelValues(stream).Inc()
	defer observability.WebsocketStreams.WithLabelValues(stream).Dec()
	defer conn.Close()
	defer sub.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(maxInboundSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				closeWith(conn, websocket.CloseTryAgainLater, "subscription ended, resubscribe")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-ctx.Done():
			closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// serveStream subscribes before upgrading so subscribe errors still get a
// normal JSON error response. The stream outlives the request, so its context
// hangs off the server instead.
func serveStream[T any](s *Server, w http.ResponseWriter, r *http.Request, stream string,
	subscribe func(ctx context.Context) (*eventbus.Subscription[T], error)) {
	ctx, cancel := context.WithCancel(s.streams)
	sub, err := subscribe(ctx)
	if err != nil {
		cancel()
		s.writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		sub.Close()
		cancel()
		s.logger.Warn("websocket upgrade failed", "stream", stream, "err", err)
		return
	}
	go func() {
		defer cancel()
		pump(ctx, conn, sub, stream)
	}()
}

func (s *Server) handleJobsWS(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r, "follow jobs")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := jobFilter(r, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	serveStream(s, w, r, "jobs", func(ctx context.Context) (*eventbus.Subscription[models.JobEvent], error) {
		return s.deps.Jobs.Subscribe(ctx, f)
	})
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r, "follow chat")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := s.chatJob(r.Context(), p, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	serveStream(s, w, r, "chat", func(ctx context.Context) (*eventbus.Subscription[models.Message], error) {
		return s.deps.Chat.Subscribe(ctx, id)
	})
}

func (s *Server) handleLocationWS(w http.ResponseWriter, r *http.Request) {
	if _, err := principal(r, "follow positions"); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	serveStream(s, w, r, "location", func(ctx context.Context) (*eventbus.Subscription[models.DriverLocation], error) {
		return s.deps.Locations.Subscribe(ctx, id)
	})
}
