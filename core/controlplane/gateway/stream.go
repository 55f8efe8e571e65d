package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pagepilot/pagepilot/core/infra/bus"
	"github.com/pagepilot/pagepilot/core/infra/logging"
)

const (
	streamBuffer   = 100
	streamPingTime = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscribeRunEvents attaches the run lifecycle fanout when a bus is
// configured. Without a bus the websocket endpoint still accepts
// connections but never emits.
func (s *Server) subscribeRunEvents() {
	if s.deps.Events == nil {
		return
	}
	if err := s.deps.Events.Subscribe("run.*", "", s.fanout); err != nil {
		logging.Error("gateway", "run event subscription failed", "error", err)
	}
}

// fanout pushes an event to every connected stream client. Slow clients
// drop events rather than stalling the bus callback.
func (s *Server) fanout(evt bus.Event) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	for _, ch := range s.streams {
		select {
		case ch <- evt:
		default:
		}
	}
}

// handleRunStream upgrades to a websocket and forwards run lifecycle
// events as JSON. An installation query parameter narrows the stream to
// one installation's runs.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	installation := strings.TrimSpace(r.URL.Query().Get("installation"))

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("gateway", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info("gateway", "ws connected", "remote", r.RemoteAddr)

	clientCh := make(chan bus.Event, streamBuffer)
	s.streamMu.Lock()
	s.streams[ws] = clientCh
	s.streamMu.Unlock()
	defer func() {
		s.streamMu.Lock()
		delete(s.streams, ws)
		s.streamMu.Unlock()
	}()

	// Reader goroutine only watches for the client closing the socket.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingTime)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case evt := <-clientCh:
			if installation != "" && evt.InstallationID != installation {
				continue
			}
			if err := ws.WriteJSON(evt); err != nil {
				logging.Error("gateway", "ws write failed", "error", err)
				return
			}
		}
	}
}
