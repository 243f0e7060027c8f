package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/deskbridge/deskbridge/internal/pairing"
	"github.com/deskbridge/deskbridge/internal/registry"
	"github.com/deskbridge/deskbridge/internal/sandbox"
)

// dispatch decodes one frame and routes it by type. Everything except
// auth requires an authenticated session; a protocol error is answered
// with a typed error reply and the session stays open.
func (s *Server) dispatch(ctx context.Context, sess *session, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		sess.sendError(ctx, CodeInvalidMessage, "frame is not a typed JSON object")
		return
	}

	if env.Type == TypeAuth {
		s.handleAuth(ctx, sess, data)
		return
	}

	if sess.currentState() != stateAuthenticated {
		sess.sendError(ctx, CodeUnauthorized, "authenticate first")
		return
	}

	switch env.Type {
	case TypeHeartbeat:
		sess.send(ctx, heartbeatResponse{
			Type:      TypeHeartbeatResponse,
			Timestamp: time.Now().UnixMilli(),
		})
	case TypeChatMessage:
		s.handleChat(ctx, sess, data)
	case TypeFileRequest:
		s.handleFile(ctx, sess, data)
	case TypeMediaProcess:
		s.handleMedia(ctx, sess, data)
	default:
		sess.sendError(ctx, CodeUnknownType, "unknown message type: "+env.Type)
	}
}

func (s *Server) handleAuth(ctx context.Context, sess *session, data []byte) {
	var msg authMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Token == "" {
		sess.sendError(ctx, CodeInvalidMessage, "auth requires a token")
		return
	}

	if sess.currentState() == stateAuthenticated {
		sess.sendError(ctx, CodeAuthFailed, "session already authenticated")
		return
	}

	if err := s.issuer.ValidateAndConsume(msg.Token); err != nil {
		reason := "invalid pairing token"
		if errors.Is(err, pairing.ErrTokenExpired) {
			reason = "pairing token expired"
		}
		sess.sendError(ctx, CodeAuthFailed, reason)
		sess.close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	device := registry.ClientDevice{
		ID:          msg.DeviceID,
		Name:        msg.DeviceName,
		Platform:    msg.Platform,
		RemoteIP:    sess.remoteIP,
		ConnectedAt: time.Now(),
	}
	if device.ID == "" {
		device.ID = uuid.New().String()
	}
	if device.Name == "" {
		device.Name = "Unknown Device"
	}
	if device.Platform == "" {
		device.Platform = "unknown"
	}

	if err := s.reg.Admit(sess.id, device); err != nil {
		sess.sendError(ctx, CodeAuthFailed, "server is at client capacity")
		sess.close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	if err := s.files.EnsureRoot(device.ID); err != nil {
		log.Printf("[proxy] sandbox root for %s: %v", device.ID, err)
		s.reg.Remove(sess.id)
		sess.sendError(ctx, CodeAuthFailed, "client storage unavailable")
		sess.close(websocket.StatusInternalError, "authentication failed")
		return
	}

	if !sess.markAuthenticated(device) {
		// Transport closed while we were validating.
		s.reg.Remove(sess.id)
		return
	}

	if s.cfg.Recorder != nil {
		if err := s.cfg.Recorder.RecordPairing(device); err != nil {
			log.Printf("[proxy] record pairing for %s: %v", device.ID, err)
		}
	}

	s.publishConn(ConnEvent{Kind: ConnConnected, SessionID: sess.id, Device: device})
	log.Printf("[proxy] session %s authenticated as %s (%s)", sess.id, device.Name, device.Platform)

	sess.send(ctx, authSuccessMessage{
		Type:       TypeAuthSuccess,
		ClientID:   sess.id,
		ServerInfo: serverInfo(s.cfg.ServerName),
	})
}

func (s *Server) handleChat(ctx context.Context, sess *session, data []byte) {
	var msg chatMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Content == "" {
		sess.sendError(ctx, CodeInvalidMessage, "chat_message requires content")
		return
	}

	// No synchronous reply: the responder delivers one later through
	// SendChatResponse.
	s.publishChat(ChatEvent{
		SessionID: sess.id,
		MessageID: uuid.New().String(),
		Content:   msg.Content,
		Timestamp: time.Now(),
	})
}

func (s *Server) handleFile(ctx context.Context, sess *session, data []byte) {
	var req fileRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Operation == "" || req.Path == "" {
		sess.sendError(ctx, CodeInvalidMessage, "file_request requires operation and path")
		return
	}

	clientID := sess.clientDevice().ID

	switch req.Operation {
	case "read":
		content, err := s.files.Read(clientID, req.Path)
		if err != nil {
			sess.sendError(ctx, fileErrorCode(err), err.Error())
			return
		}
		sess.send(ctx, fileResponse{
			Type:      TypeFileResponse,
			Operation: req.Operation,
			Path:      req.Path,
			Content:   &content,
			Success:   true,
		})
	case "write":
		if err := s.files.Write(clientID, req.Path, req.Content); err != nil {
			sess.sendError(ctx, fileErrorCode(err), err.Error())
			return
		}
		sess.send(ctx, fileResponse{
			Type:      TypeFileResponse,
			Operation: req.Operation,
			Path:      req.Path,
			Success:   true,
		})
	case "list":
		entries, err := s.files.List(clientID, req.Path)
		if err != nil {
			sess.sendError(ctx, fileErrorCode(err), err.Error())
			return
		}
		sess.send(ctx, fileResponse{
			Type:      TypeFileResponse,
			Operation: req.Operation,
			Path:      req.Path,
			Files:     entries,
			Success:   true,
		})
	case "delete":
		if err := s.files.Delete(clientID, req.Path); err != nil {
			sess.sendError(ctx, fileErrorCode(err), err.Error())
			return
		}
		sess.send(ctx, fileResponse{
			Type:      TypeFileResponse,
			Operation: req.Operation,
			Path:      req.Path,
			Success:   true,
		})
	default:
		sess.sendError(ctx, CodeInvalidOperation, "unsupported file operation: "+req.Operation)
	}
}

func (s *Server) handleMedia(ctx context.Context, sess *session, data []byte) {
	var msg mediaProcessMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.MediaType == "" || msg.MediaID == "" || msg.Data == "" {
		sess.sendError(ctx, CodeInvalidMessage, "media_process requires mediaType, mediaId, and data")
		return
	}

	// Ack first so the client can show progress, then hand off.
	sess.send(ctx, mediaProcessingMessage{
		Type:    TypeMediaProcessing,
		MediaID: msg.MediaID,
		Status:  "processing",
	})

	s.publishMedia(MediaEvent{
		SessionID: sess.id,
		MediaID:   msg.MediaID,
		MediaType: msg.MediaType,
		Data:      msg.Data,
		Options:   msg.Options,
	})
}

// fileErrorCode maps sandbox errors to wire error codes. Anything not
// typed by the sandbox is a transport-tier file_error.
func fileErrorCode(err error) string {
	switch {
	case errors.Is(err, sandbox.ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, sandbox.ErrFileNotFound):
		return CodeFileNotFound
	case errors.Is(err, sandbox.ErrDirectoryNotFound):
		return CodeDirectoryNotFound
	case errors.Is(err, sandbox.ErrNotADirectory):
		return CodeNotADirectory
	default:
		return CodeFileError
	}
}
