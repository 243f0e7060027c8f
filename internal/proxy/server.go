// Package proxy implements the pairing-and-proxy server: it owns the
// listening socket, authenticates companion devices with single-use
// pairing tokens, routes typed JSON frames to handlers, and exposes the
// outbound send API the rest of the application delivers results with.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/deskbridge/deskbridge/internal/pairing"
	"github.com/deskbridge/deskbridge/internal/registry"
	"github.com/deskbridge/deskbridge/internal/sandbox"
)

// Version is reported to clients in auth_success server metadata.
const Version = "1.0.0"

const maxFrameBytes = 4 * 1024 * 1024

// ErrClientNotConnected is returned by the outbound API when the target
// session is gone. Deliveries are best-effort; callers tolerate this.
var ErrClientNotConnected = errors.New("proxy: client not connected")

var errShuttingDown = errors.New("proxy: server shutting down")

// DeviceRecorder receives a record of every successful pairing. The
// application wires the persistent device history here; a nil recorder
// disables it.
type DeviceRecorder interface {
	RecordPairing(device registry.ClientDevice) error
}

// Config carries everything a Server instance needs. Instances are
// independent; tests run several side by side.
type Config struct {
	Port        int
	AppID       string
	ServerName  string
	StorageRoot string
	PairingTTL  time.Duration
	AuthTimeout time.Duration
	MaxClients  int

	// Recorder is optional persistent device history.
	Recorder DeviceRecorder

	// LocalIP overrides host address discovery. Tests use it to run
	// without a routable interface; nil means pairing.LocalIPv4.
	LocalIP func() (string, error)
}

// Server wires the token issuer, client registry, file sandbox, and
// message router around one listening socket.
type Server struct {
	cfg    Config
	issuer *pairing.Issuer
	reg    *registry.Registry
	files  *sandbox.Sandbox

	chatEvents  chan ChatEvent
	mediaEvents chan MediaEvent
	connEvents  chan ConnEvent

	// localIP is swappable in tests that run without a routable
	// interface.
	localIP func() (string, error)

	mu       sync.Mutex
	sessions map[string]*session
	listener net.Listener
	httpSrv  *http.Server
	running  bool
	closing  bool
}

func New(cfg Config) *Server {
	localIP := cfg.LocalIP
	if localIP == nil {
		localIP = pairing.LocalIPv4
	}
	return &Server{
		cfg:         cfg,
		issuer:      pairing.NewIssuer(cfg.PairingTTL),
		reg:         registry.New(cfg.MaxClients),
		files:       sandbox.New(cfg.StorageRoot),
		chatEvents:  make(chan ChatEvent, eventBuffer),
		mediaEvents: make(chan MediaEvent, eventBuffer),
		connEvents:  make(chan ConnEvent, eventBuffer),
		localIP:     localIP,
		sessions:    make(map[string]*session),
	}
}

// Start binds the listening socket and begins serving handler. A bind
// failure is returned to the caller, not logged and swallowed.
func (s *Server) Start(handler http.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("proxy: server already started")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("bind port %d: %w", s.cfg.Port, err)
	}

	s.listener = ln
	s.httpSrv = &http.Server{Handler: handler}
	s.running = true

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[proxy] serve: %v", err)
		}
	}()

	log.Printf("[proxy] listening on %s", ln.Addr())
	return nil
}

// Port returns the actual listening port once started, else the
// configured one. Needed when the config asks for port 0.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return s.cfg.Port
}

// Close stops accepting connections, closes every live session with a
// shutdown reason, and releases the listening socket.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.running || s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	live := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	httpSrv := s.httpSrv
	s.mu.Unlock()

	for _, sess := range live {
		sess.close(websocket.StatusGoingAway, "server shutting down")
	}

	err := httpSrv.Shutdown(ctx)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return err
}

// HandleWS upgrades an HTTP request to the proxy's websocket transport
// and services the connection until it closes. Mounted by the caller,
// typically at /ws.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[proxy] websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()

	conn.SetReadLimit(maxFrameBytes)

	remoteIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remoteIP = host
	}

	sess := newSession(uuid.New().String(), conn, remoteIP)
	if err := s.addSession(sess); err != nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	log.Printf("[proxy] session %s connected from %s", sess.id, remoteIP)

	sess.startAuthTimer(s.cfg.AuthTimeout, func() {
		log.Printf("[proxy] session %s authentication timeout", sess.id)
		sess.close(websocket.StatusPolicyViolation, "authentication timeout")
	})

	s.readLoop(r.Context(), sess)
	s.dropSession(sess)
}

func (s *Server) addSession(sess *session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return errShuttingDown
	}
	s.sessions[sess.id] = sess
	return nil
}

// dropSession finalizes a closed transport: registry removal is
// idempotent and the disconnect event fires only for sessions that
// actually authenticated.
func (s *Server) dropSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	device, wasAuthenticated := sess.markClosed()
	s.reg.Remove(sess.id)

	if wasAuthenticated {
		s.publishConn(ConnEvent{Kind: ConnDisconnected, SessionID: sess.id, Device: device})
	}
	log.Printf("[proxy] session %s disconnected", sess.id)
}

// readLoop processes frames in arrival order until the transport
// closes. Handler errors never end the loop; only read errors do.
func (s *Server) readLoop(ctx context.Context, sess *session) {
	for {
		_, data, err := sess.conn.Read(ctx)
		if err != nil {
			return
		}
		s.dispatch(ctx, sess, data)
	}
}

// lookupSession returns the live, authenticated session for the id.
func (s *Server) lookupSession(sessionID string) (*session, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok || sess.currentState() != stateAuthenticated {
		return nil, false
	}
	return sess, true
}

// SendChatResponse delivers a resolved chat reply to the client. The
// correlationID is the MessageID from the originating ChatEvent.
func (s *Server) SendChatResponse(sessionID, content, correlationID string) error {
	return s.deliver(sessionID, chatResponse{
		Type:      TypeChatResponse,
		Content:   content,
		MessageID: correlationID,
		Timestamp: time.Now().UnixMilli(),
	})
}

// SendMediaResult delivers the outcome of an asynchronous media job.
func (s *Server) SendMediaResult(sessionID, mediaID string, result any) error {
	return s.deliver(sessionID, mediaResultMessage{
		Type:    TypeMediaResult,
		MediaID: mediaID,
		Result:  result,
	})
}

// SendStatusUpdate pushes a host status line to the client.
func (s *Server) SendStatusUpdate(sessionID, status string) error {
	return s.deliver(sessionID, statusUpdateMessage{
		Type:      TypeStatusUpdate,
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
	})
}

// deliver is best-effort: a vanished session is reported to the caller,
// a failed socket write is only logged.
func (s *Server) deliver(sessionID string, msg any) error {
	sess, ok := s.lookupSession(sessionID)
	if !ok {
		return ErrClientNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sess.send(ctx, msg); err != nil {
		log.Printf("[proxy] deliver to %s failed: %v", sessionID, err)
	}
	return nil
}

// IssuePairing creates a fresh pairing token and the scannable
// descriptor a companion device uses to connect.
func (s *Server) IssuePairing() (Pairing, error) {
	host, err := s.localIP()
	if err != nil {
		return Pairing{}, err
	}

	token, expiresAt, err := s.issuer.Issue()
	if err != nil {
		return Pairing{}, fmt.Errorf("issue token: %w", err)
	}

	desc := pairing.Descriptor{
		Token:     token,
		Host:      host,
		Port:      s.Port(),
		AppID:     s.cfg.AppID,
		ExpiresAt: expiresAt,
	}
	qr, err := desc.QRDataURI()
	if err != nil {
		return Pairing{}, err
	}

	return Pairing{
		Token:     token,
		URI:       desc.URI(),
		QR:        qr,
		ExpiresAt: expiresAt,
	}, nil
}

// Pairing is the host-facing result of issuing a pairing token.
type Pairing struct {
	Token     string    `json:"token"`
	URI       string    `json:"uri"`
	QR        string    `json:"qr"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SweepExpiredTokens removes stale pairing tokens. Issue already does
// this opportunistically; the maintenance job calls it so a host that
// stops issuing does not hold dead tokens.
func (s *Server) SweepExpiredTokens() int {
	return s.issuer.SweepExpired()
}

// Status is the host-side status query. Not exposed over the wire.
type Status struct {
	Running     bool                    `json:"running"`
	Port        int                     `json:"port"`
	ClientCount int                     `json:"clientCount"`
	Clients     []registry.ClientDevice `json:"clients"`
}

func (s *Server) Status() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return Status{
		Running:     running,
		Port:        s.Port(),
		ClientCount: s.reg.Count(),
		Clients:     s.reg.List(),
	}
}

func serverInfo(name string) ServerInfo {
	return ServerInfo{
		Name:     name,
		Version:  Version,
		Platform: runtime.GOOS,
	}
}
