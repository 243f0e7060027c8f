package proxy

import (
	"time"

	"github.com/deskbridge/deskbridge/internal/sandbox"
)

// Inbound message types. Every frame is a UTF-8 JSON object whose
// "type" field selects the handler.
const (
	TypeAuth         = "auth"
	TypeHeartbeat    = "heartbeat"
	TypeChatMessage  = "chat_message"
	TypeFileRequest  = "file_request"
	TypeMediaProcess = "media_process"
)

// Outbound message types.
const (
	TypeAuthSuccess       = "auth_success"
	TypeError             = "error"
	TypeHeartbeatResponse = "heartbeat_response"
	TypeChatResponse      = "chat_response"
	TypeFileResponse      = "file_response"
	TypeMediaProcessing   = "media_processing"
	TypeMediaResult       = "media_result"
	TypeStatusUpdate      = "status_update"
)

// Error codes carried in error replies.
const (
	CodeInvalidMessage    = "invalid_message"
	CodeUnknownType       = "unknown_type"
	CodeAuthFailed        = "auth_failed"
	CodeUnauthorized      = "unauthorized"
	CodeAccessDenied      = "access_denied"
	CodeFileNotFound      = "file_not_found"
	CodeDirectoryNotFound = "directory_not_found"
	CodeNotADirectory     = "not_a_directory"
	CodeFileError         = "file_error"
	CodeInvalidOperation  = "invalid_operation"
)

// envelope is the minimal decode used to route a frame.
type envelope struct {
	Type string `json:"type"`
}

type authMessage struct {
	Token      string `json:"token"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Platform   string `json:"platform"`
}

type chatMessage struct {
	Content string `json:"content"`
}

type fileRequest struct {
	Operation string `json:"operation"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

type mediaProcessMessage struct {
	MediaType string         `json:"mediaType"`
	MediaID   string         `json:"mediaId"`
	Data      string         `json:"data"`
	Options   map[string]any `json:"options"`
}

type errorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func newErrorMessage(code, message string) errorMessage {
	return errorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ServerInfo is the host metadata sent with auth_success.
type ServerInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

type authSuccessMessage struct {
	Type       string     `json:"type"`
	ClientID   string     `json:"clientId"`
	ServerInfo ServerInfo `json:"serverInfo"`
}

type heartbeatResponse struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type chatResponse struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

type fileResponse struct {
	Type      string          `json:"type"`
	Operation string          `json:"operation"`
	Path      string          `json:"path"`
	Content   *string         `json:"content,omitempty"`
	Files     []sandbox.Entry `json:"files,omitempty"`
	Success   bool            `json:"success"`
}

type mediaProcessingMessage struct {
	Type    string `json:"type"`
	MediaID string `json:"mediaId"`
	Status  string `json:"status"`
}

type mediaResultMessage struct {
	Type    string `json:"type"`
	MediaID string `json:"mediaId"`
	Result  any    `json:"result"`
}

type statusUpdateMessage struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}
