package ws

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"chatsync/internal/identity"

	"github.com/gorilla/websocket"
)

// Server exposes the chat core over a WebSocket endpoint. Clients identify
// themselves with ?user=<id>&name=<display name> and then speak the
// ClientMessage/ServerMessage protocol.
type Server struct {
	backend         chatBackend
	upgrader        *websocket.Upgrader
	maxMessageLen   int
	reconcileWindow time.Duration

	server *http.Server
	wg     sync.WaitGroup
}

func NewServer(backend chatBackend, addr string, maxMessageLen int, reconcileWindow time.Duration) *Server {
	s := &Server{
		backend:         backend,
		maxMessageLen:   maxMessageLen,
		reconcileWindow: reconcileWindow,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", s.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}
	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := identity.Normalize(r.URL.Query().Get("user"))
	if err != nil {
		http.Error(w, "Invalid user id", http.StatusBadRequest)
		return
	}
	displayName := r.URL.Query().Get("name")
	if displayName == "" {
		displayName = userID
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	conn := NewConnection(s.backend, ws, userID, displayName, s.maxMessageLen, s.reconcileWindow)
	if err := conn.Handle(r.Context()); err != nil {
		log.Printf("connection error for %s: %v", userID, err)
	}
}

func (s *Server) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
