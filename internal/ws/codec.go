package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/erikscolaro/ironlink/internal/domain"
)

// Wire protocol. One frame in, one frame out; the codec keeps no state.
//
// Inbound (client → server): a single JSON object
//
//	{"chat_id":7,"sender_id":3,"content":"hi","message_type":"UserMessage","created_at":"..."}
//
// Outbound (server → client): either a JSON array of messages (a batch) or a
// single-key control object — {"AddChat":7}, {"RemoveChat":7},
// {"Error":"reason"}, {"Invitation":{...}}. The key is the discriminator;
// there is no envelope.

const (
	// Content length bounds, counted in code points.
	MinContentLen = 1
	MaxContentLen = 5000
)

// Rejection reasons surfaced to clients. Short, human-readable, and stable
// enough for client-side display.
const (
	ReasonMalformed     = "malformed message"
	ReasonContentLength = "content must be between 1 and 5000 characters"
	ReasonSystemKind    = "system messages cannot be sent by clients"
	ReasonBadKind       = "unknown message type"
	ReasonSpoofedSender = "sender does not match authenticated user"
	ReasonNotMember     = "not a member of this chat"
	ReasonStoreFailure  = "message could not be saved"
	ReasonMemberCheck   = "membership could not be verified"
)

var errMalformed = errors.New(ReasonMalformed)

// InboundMessage is a decoded client frame before validation.
type InboundMessage struct {
	ChatID    int64     `json:"chat_id"`
	SenderID  int64     `json:"sender_id"`
	Content   string    `json:"content"`
	Kind      string    `json:"message_type"`
	CreatedAt time.Time `json:"created_at"`
}

// DecodeInbound parses a client text frame. Any JSON-level failure collapses
// to a single generic error so clients cannot probe parser internals.
func DecodeInbound(data []byte) (*InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errMalformed
	}
	return &msg, nil
}

// ValidateInbound applies the structural checks of the ingress pipeline:
// required fields, content bounds, and the kind restriction. It does not
// check sender identity or membership; those need connection context.
// The returned string is the client-facing rejection reason.
func ValidateInbound(msg *InboundMessage) (reason string, ok bool) {
	if msg.ChatID <= 0 || msg.SenderID <= 0 {
		return ReasonMalformed, false
	}
	if n := utf8.RuneCountInString(msg.Content); n < MinContentLen || n > MaxContentLen {
		return ReasonContentLength, false
	}
	switch domain.MessageKind(msg.Kind) {
	case domain.KindUser:
		return "", true
	case domain.KindSystem:
		return ReasonSystemKind, false
	default:
		return ReasonBadKind, false
	}
}

// EncodeBatch encodes a flush as a JSON array. Batches are never empty; the
// writer only flushes when it has something pending.
func EncodeBatch(batch []*domain.Message) ([]byte, error) {
	return json.Marshal(batch)
}

// Control frame shapes. Single-key objects, keyed by the signal name.
type addChatFrame struct {
	AddChat int64 `json:"AddChat"`
}

type removeChatFrame struct {
	RemoveChat int64 `json:"RemoveChat"`
}

type errorFrame struct {
	Error string `json:"Error"`
}

type invitationFrame struct {
	Invitation *domain.InvitationDetail `json:"Invitation"`
}

// EncodeSignal encodes a control signal as its outbound frame. Shutdown has
// no wire representation; the writer acts on it instead of emitting it.
func EncodeSignal(sig ControlSignal) ([]byte, error) {
	switch sig.Kind {
	case SignalAddChat:
		return json.Marshal(addChatFrame{AddChat: sig.Chat})
	case SignalRemoveChat:
		return json.Marshal(removeChatFrame{RemoveChat: sig.Chat})
	case SignalError:
		return json.Marshal(errorFrame{Error: sig.Reason})
	case SignalInvitation:
		return json.Marshal(invitationFrame{Invitation: sig.Invitation})
	default:
		return nil, fmt.Errorf("signal kind %d has no wire encoding", sig.Kind)
	}
}
