package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/supervisor"
)

const writeWait = 10 * time.Second

// Incoming message types.
const (
	msgStartRun    = "start-run"
	msgStartGrade  = "start-grade"
	msgSupplyInput = "supply-input"
	msgStop        = "stop"
)

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type string `json:"type"`
	Code string `json:"code,omitempty"`
	Text string `json:"text,omitempty"`
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type    string             `json:"type"`
	Text    string             `json:"text,omitempty"`
	Enabled *bool              `json:"enabled,omitempty"`
	Report  *supervisor.Report `json:"report,omitempty"`
}

func toWire(ev supervisor.Event) wsOutgoing {
	msg := wsOutgoing{Type: string(ev.Type), Text: ev.Text, Report: ev.Report}
	if ev.Type == supervisor.EventRequestInput {
		enabled := ev.Enabled
		msg.Enabled = &enabled
	}
	return msg
}

// wsSink writes supervisor events to one websocket connection.
type wsSink struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	logger zerolog.Logger
}

func (s *wsSink) Send(ev supervisor.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(toWire(ev)); err != nil {
		s.logger.Debug().Err(err).Str("event", string(ev.Type)).Msg("websocket write")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	logger := s.logger.With().Str("client", clientID).Str("remote", r.RemoteAddr).Logger()
	s.ctrl.Connect(clientID, &wsSink{conn: conn, logger: logger})
	defer s.ctrl.Disconnect(clientID)
	logger.Info().Msg("client connected")

	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info().Msg("client disconnected")
				return
			}
			logger.Debug().Err(err).Msg("websocket read")
			return
		}

		switch msg.Type {
		case msgStartRun:
			err = s.ctrl.StartRun(r.Context(), clientID, msg.Code)
		case msgStartGrade:
			err = s.ctrl.StartGrade(r.Context(), clientID, msg.Code)
		case msgSupplyInput:
			s.ctrl.SupplyInput(clientID, msg.Text)
		case msgStop:
			s.ctrl.Stop(clientID)
		default:
			logger.Warn().Str("type", msg.Type).Msg("unknown message type")
		}
		if err != nil {
			logger.Error().Err(err).Str("type", msg.Type).Msg("handling message")
			err = nil
		}
	}
}
