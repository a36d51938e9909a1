package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheEntropyCollective/docsync/pkg/events"
)

const (
	wsClientBuffer = 100
	wsWriteTimeout = 10 * time.Second
)

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	clientChan := make(chan events.Event, wsClientBuffer)
	s.wsMutex.Lock()
	s.wsClients[conn] = clientChan
	s.wsMutex.Unlock()
	s.logger.Debugf("Event stream opened by %s", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for event := range clientChan {
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
	}()

	// the client only sends pings, a read error means it left
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.dropClient(conn)
	<-writerDone
	conn.Close()
}

// dropClient closes the channel of a client once
func (s *Server) dropClient(conn *websocket.Conn) {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	if clientChan, ok := s.wsClients[conn]; ok {
		delete(s.wsClients, conn)
		close(clientChan)
	}
}

func (s *Server) clientCount() int {
	s.wsMutex.RLock()
	defer s.wsMutex.RUnlock()
	return len(s.wsClients)
}

func (s *Server) closeClients() {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	for conn, clientChan := range s.wsClients {
		delete(s.wsClients, conn)
		close(clientChan)
	}
}

// relayEvents forwards every published event to the websocket clients
func (s *Server) relayEvents(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			s.broadcast(event)
		}
	}
}

func (s *Server) broadcast(event events.Event) {
	s.wsMutex.RLock()
	defer s.wsMutex.RUnlock()
	for _, clientChan := range s.wsClients {
		select {
		case clientChan <- event:
		default:
			// slow client, the event is skipped
		}
	}
}
