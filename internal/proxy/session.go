package proxy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/deskbridge/deskbridge/internal/registry"
)

type sessionState int

const (
	statePending sessionState = iota
	stateAuthenticated
	stateClosed
)

// session is the live state of one transport connection. The state
// machine only moves forward: Pending -> Authenticated -> Closed, with
// Closed reachable from either side. The mutex is the single source of
// truth for the auth-deadline race: whichever of the timer callback and
// the auth handler takes the lock first decides the outcome.
type session struct {
	id       string
	conn     *websocket.Conn
	remoteIP string

	mu        sync.Mutex
	state     sessionState
	device    registry.ClientDevice
	authTimer *time.Timer

	// sendMu serializes frame writes so async outbound deliveries
	// cannot interleave with handler replies.
	sendMu sync.Mutex
}

func newSession(id string, conn *websocket.Conn, remoteIP string) *session {
	return &session{
		id:       id,
		conn:     conn,
		remoteIP: remoteIP,
		state:    statePending,
	}
}

// startAuthTimer arms the authentication deadline. The fired callback
// claims the session by moving it to Closed under the lock, so a timer
// that loses the race to markAuthenticated is discarded and a timer
// that wins prevents any later authentication.
func (s *session) startAuthTimer(timeout time.Duration, onTimeout func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authTimer = time.AfterFunc(timeout, func() {
		s.mu.Lock()
		if s.state != statePending {
			s.mu.Unlock()
			return
		}
		s.state = stateClosed
		s.mu.Unlock()
		onTimeout()
	})
}

// markAuthenticated transitions Pending -> Authenticated and cancels
// the deadline timer. Returns false if the session already left
// Pending (authenticated twice, or closed under the handler).
func (s *session) markAuthenticated(device registry.ClientDevice) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != statePending {
		return false
	}
	s.state = stateAuthenticated
	s.device = device
	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
	return true
}

// markClosed transitions to Closed from any state. Returns the device
// and whether the session had been authenticated, so the caller can
// clean up the registry and emit a disconnect event exactly once.
func (s *session) markClosed() (registry.ClientDevice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasAuthenticated := s.state == stateAuthenticated
	s.state = stateClosed
	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
	return s.device, wasAuthenticated
}

func (s *session) clientDevice() registry.ClientDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

func (s *session) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// send marshals v and writes it as one text frame.
func (s *session) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *session) sendError(ctx context.Context, code, message string) error {
	return s.send(ctx, newErrorMessage(code, message))
}

// close sends a close frame with the given reason. Safe to call more
// than once; later calls fail locally inside the websocket library.
func (s *session) close(code websocket.StatusCode, reason string) {
	s.conn.Close(code, reason)
}
