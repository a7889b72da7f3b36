package activity

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const maxFrameSize = 4096

// inputFrame is one raw input event forwarded by the hosting view.
type inputFrame struct {
	Type EventKind `json:"type"`
}

// WSSource receives input events from the hosting view over a WebSocket and
// re-emits them through its Dispatcher.
type WSSource struct {
	*Dispatcher

	upgrader websocket.Upgrader
	allowed  map[string]bool
	logger   zerolog.Logger
}

// NewWSSource creates a WebSocket event source. With no allowed origins the
// upgrader applies gorilla's same-origin check.
func NewWSSource(allowedOrigins []string, logger zerolog.Logger) *WSSource {
	s := &WSSource{
		Dispatcher: NewDispatcher(),
		allowed:    make(map[string]bool, len(allowedOrigins)),
		logger:     logger.With().Str("component", "activity_ws").Logger(),
	}
	for _, o := range allowedOrigins {
		s.allowed[o] = true
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
	}
	if len(s.allowed) > 0 {
		s.upgrader.CheckOrigin = s.checkOrigin
	}
	return s
}

func (s *WSSource) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.allowed[origin] {
		return true
	}
	if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
		return s.allowed[parsed.Scheme+"://"+parsed.Host]
	}
	return false
}

// ServeHTTP upgrades the connection and reads input frames until it closes.
func (s *WSSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("activity socket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameSize)

	s.logger.Info().Str("remote", r.RemoteAddr).Msg("activity socket connected")
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("activity socket closed unexpectedly")
			}
			return
		}

		var frame inputFrame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Type == "" {
			s.logger.Debug().Int("bytes", len(msg)).Msg("skipping malformed activity frame")
			continue
		}
		s.Emit(frame.Type)
	}
}
