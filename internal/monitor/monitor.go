// Package monitor serves the observability surface: a WebSocket feed of
// live level samples and lifecycle events, plus a JSON status snapshot.
// Slow or stuck clients lose frames; they can never stall the engine.
package monitor

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/petems/mictap/internal/capture"
)

const statusInterval = 3 * time.Second

// Server exposes one capture engine over HTTP.
type Server struct {
	engine   *capture.Engine
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewServer(engine *capture.Engine, log zerolog.Logger) *Server {
	s := &Server{
		engine: engine,
		log:    log.With().Str("component", "monitor").Logger(),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// Routes returns an http.Handler with the monitor endpoints.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start begins serving on addr in the background and returns the
// *http.Server for graceful shutdown.
func (s *Server) Start(addr string) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Routes(),
	}
	s.log.Info().Str("addr", addr).Msg("Starting monitor server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Monitor server error")
		}
	}()
	return srv
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.engine.Status()); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode status")
	}
}

// Frame types sent to WebSocket clients.
type levelMessage struct {
	Type  string              `json:"type"`
	Level capture.LevelSample `json:"level"`
}

type eventMessage struct {
	Type  string        `json:"type"`
	Event capture.Event `json:"event"`
}

type statusMessage struct {
	Type   string         `json:"type"`
	Status capture.Status `json:"status"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	s.log.Debug().Str("remote", r.RemoteAddr).Msg("Monitor client connected")

	// Buffered send channel; the writer goroutine is the sole writer to
	// the connection.
	send := make(chan any, 16)
	done := make(chan struct{})

	go s.runWriter(conn, send)
	go s.runReader(conn, done)

	s.runFeed(send, done)
	s.log.Debug().Str("remote", r.RemoteAddr).Msg("Monitor client disconnected")
}

// runWriter writes messages from the send channel to the connection.
func (s *Server) runWriter(conn *websocket.Conn, send <-chan any) {
	defer func() {
		if err := conn.Close(); err != nil {
			s.log.Debug().Err(err).Msg("WebSocket close error")
		}
	}()
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// runReader discards inbound traffic; it exists to notice the peer
// going away.
func (s *Server) runReader(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// runFeed forwards engine subscriptions to one client until it leaves.
func (s *Server) runFeed(send chan any, done <-chan struct{}) {
	levels, cancelLevels := s.engine.SubscribeLevels()
	defer cancelLevels()
	events, cancelEvents := s.engine.SubscribeEvents()
	defer cancelEvents()

	statusTicker := time.NewTicker(statusInterval)
	defer statusTicker.Stop()

	trySend := func(msg any) bool {
		select {
		case send <- msg:
			return true
		case <-done:
			return false
		}
	}

	if !trySend(statusMessage{Type: "status", Status: s.engine.Status()}) {
		close(send)
		return
	}

	for {
		select {
		case <-done:
			close(send)
			return
		case level := <-levels:
			// Levels arrive at chunk rate; drop rather than queue behind
			// a slow client.
			select {
			case send <- levelMessage{Type: "level", Level: level}:
			case <-done:
				close(send)
				return
			default:
			}
		case ev := <-events:
			if !trySend(eventMessage{Type: "event", Event: ev}) {
				close(send)
				return
			}
		case <-statusTicker.C:
			if !trySend(statusMessage{Type: "status", Status: s.engine.Status()}) {
				close(send)
				return
			}
		}
	}
}
