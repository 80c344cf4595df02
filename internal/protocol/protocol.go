// Package protocol defines the JSON frames exchanged between clients and
// the broker. Field names follow the wire contract: one JSON object per
// WebSocket text frame.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client message types.
const (
	TypeHello         = "hello"
	TypeConnect       = "connect"
	TypeConnectAccept = "connect_accept"
	TypeConnectReject = "connect_reject"
	TypeConnectCancel = "connect_cancel"
	TypeMessage       = "message"
	TypeLeave         = "leave"
)

// Server message types.
const (
	TypeHelloOK         = "hello_ok"
	TypeWaiting         = "waiting"
	TypeIncomingRequest = "incoming_request"
	TypePaired          = "paired"
	TypeSystem          = "system"
	TypeSessionEnd      = "session_end"
	TypeError           = "error"
)

// System notice sub-kinds carried in the type_ field.
const (
	SystemUserJoined            = "user_joined"
	SystemUserLeft              = "user_left"
	SystemConnectionEstablished = "connection_established"
	SystemPeerDisconnected      = "peer_disconnected"
)

// SessionEndReason explains why a session_end frame was emitted.
type SessionEndReason string

const (
	ReasonPeerDisconnected SessionEndReason = "peer_disconnected"
	ReasonTimeout          SessionEndReason = "timeout"
	ReasonUserLeave        SessionEndReason = "user_leave"
	ReasonError            SessionEndReason = "error"
)

// Error codes reported to clients. None of them terminate the connection.
const (
	CodeInvalidNickname   = "INVALID_NICKNAME"
	CodeNicknameTaken     = "NICKNAME_TAKEN"
	CodeAlreadyRegistered = "ALREADY_REGISTERED"
	CodeNotRegistered     = "NOT_REGISTERED"
	CodeInvalidTarget     = "INVALID_TARGET"
	CodeSelfConnect       = "SELF_CONNECT"
	CodeUserNotFound      = "USER_NOT_FOUND"
	CodeSenderBusy        = "SENDER_BUSY"
	CodeTargetBusy        = "TARGET_BUSY"
	CodeRequestSent       = "REQUEST_ALREADY_SENT"
	CodeTargetHasPending  = "TARGET_HAS_PENDING"
	CodeRequestNotFound   = "REQUEST_NOT_FOUND"
	CodeRequestForbidden  = "REQUEST_FORBIDDEN"
	CodeUserOffline       = "USER_OFFLINE"
	CodeUserBusy          = "USER_BUSY"
	CodeRequestFailed     = "REQUEST_FAILED"
	CodeRequestRejected   = "REQUEST_REJECTED"
	CodeRequestCanceled   = "REQUEST_CANCELED"
	CodeRequestTimeout    = "REQUEST_TIMEOUT"
	CodeNoSession         = "NO_SESSION"
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeParseError        = "PARSE_ERROR"
)

// Error is a typed broker error delivered to the originating client as an
// error frame. The operation that produced it performed no state mutation.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a typed protocol error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ClientMessage is an inbound frame. Unused fields stay zero depending on
// Type.
type ClientMessage struct {
	Type           string `json:"type"`
	Nickname       string `json:"nickname,omitempty"`
	TargetNickname string `json:"targetNickname,omitempty"`
	RequestID      string `json:"requestId,omitempty"`
	Text           string `json:"text,omitempty"`
}

// ParseClient decodes a single inbound frame.
func ParseClient(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Type == "" {
		return ClientMessage{}, fmt.Errorf("frame missing type")
	}
	return msg, nil
}

// ServerMessage is an outbound frame. Constructors below populate the
// fields each type carries; everything else is omitted from the JSON.
type ServerMessage struct {
	Type           string `json:"type"`
	SessionID      string `json:"sessionId,omitempty"`
	RequestID      string `json:"requestId,omitempty"`
	TargetNickname string `json:"targetNickname,omitempty"`
	FromNickname   string `json:"fromNickname,omitempty"`
	PeerNickname   string `json:"peerNickname,omitempty"`
	ExpiresAt      int64  `json:"expiresAt,omitempty"`
	Text           string `json:"text,omitempty"`
	From           string `json:"from,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
	SystemKind     string `json:"type_,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message,omitempty"`
}

// HelloOK acknowledges registration. The sessionId field carries the
// per-user identity token, not a chat session id.
func HelloOK(identityToken string) ServerMessage {
	return ServerMessage{Type: TypeHelloOK, SessionID: identityToken}
}

// Waiting tells the requester its connect request is pending.
func Waiting(requestID, targetNickname string, expiresAt time.Time) ServerMessage {
	return ServerMessage{
		Type:           TypeWaiting,
		RequestID:      requestID,
		TargetNickname: targetNickname,
		ExpiresAt:      expiresAt.UnixMilli(),
	}
}

// IncomingRequest tells the target someone wants to pair with it.
func IncomingRequest(requestID, fromNickname string, expiresAt time.Time) ServerMessage {
	return ServerMessage{
		Type:         TypeIncomingRequest,
		RequestID:    requestID,
		FromNickname: fromNickname,
		ExpiresAt:    expiresAt.UnixMilli(),
	}
}

// Paired announces a new chat session to one of its members.
func Paired(peerNickname, sessionID string) ServerMessage {
	return ServerMessage{Type: TypePaired, PeerNickname: peerNickname, SessionID: sessionID}
}

// Chat carries a relayed message; both members receive the same frame.
func Chat(text, from string, at time.Time) ServerMessage {
	return ServerMessage{
		Type:      TypeMessage,
		Text:      text,
		From:      from,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}
}

// System carries a broker-originated notice.
func System(text, kind string) ServerMessage {
	return ServerMessage{Type: TypeSystem, Text: text, SystemKind: kind}
}

// SessionEnd announces session termination with its reason.
func SessionEnd(reason SessionEndReason) ServerMessage {
	return ServerMessage{Type: TypeSessionEnd, Reason: string(reason)}
}

// ErrorFrame converts a typed error into its wire form.
func ErrorFrame(err *Error) ServerMessage {
	return ServerMessage{Type: TypeError, Code: err.Code, Message: err.Message}
}
