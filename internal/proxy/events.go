package proxy

import (
	"log"
	"time"

	"github.com/deskbridge/deskbridge/internal/registry"
)

// Events the proxy publishes for the rest of the application. Each
// event type has its own buffered channel; a subscriber that falls
// behind loses events rather than blocking a connection handler.

// ChatEvent is emitted for every chat_message frame. The application's
// chat responder resolves it and delivers the reply through
// Server.SendChatResponse using the same SessionID and MessageID.
type ChatEvent struct {
	SessionID string
	MessageID string
	Content   string
	Timestamp time.Time
}

// MediaEvent is emitted for every media_process frame after the
// processing ack has been sent.
type MediaEvent struct {
	SessionID string
	MediaID   string
	MediaType string
	Data      string
	Options   map[string]any
}

type ConnEventKind string

const (
	ConnConnected    ConnEventKind = "connected"
	ConnDisconnected ConnEventKind = "disconnected"
)

// ConnEvent is emitted when a session authenticates or closes.
type ConnEvent struct {
	Kind      ConnEventKind
	SessionID string
	Device    registry.ClientDevice
}

const eventBuffer = 64

// ChatEvents returns the channel of pending chat events.
func (s *Server) ChatEvents() <-chan ChatEvent { return s.chatEvents }

// MediaEvents returns the channel of pending media events.
func (s *Server) MediaEvents() <-chan MediaEvent { return s.mediaEvents }

// ConnEvents returns the channel of connection lifecycle events.
func (s *Server) ConnEvents() <-chan ConnEvent { return s.connEvents }

func (s *Server) publishChat(ev ChatEvent) {
	select {
	case s.chatEvents <- ev:
	default:
		log.Printf("[proxy] chat event buffer full, dropping message %s from %s", ev.MessageID, ev.SessionID)
	}
}

func (s *Server) publishMedia(ev MediaEvent) {
	select {
	case s.mediaEvents <- ev:
	default:
		log.Printf("[proxy] media event buffer full, dropping media %s from %s", ev.MediaID, ev.SessionID)
	}
}

func (s *Server) publishConn(ev ConnEvent) {
	select {
	case s.connEvents <- ev:
	default:
		log.Printf("[proxy] conn event buffer full, dropping %s for %s", ev.Kind, ev.SessionID)
	}
}
