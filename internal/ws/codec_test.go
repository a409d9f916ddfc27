package ws

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/erikscolaro/ironlink/internal/domain"
)

func validInbound() *InboundMessage {
	return &InboundMessage{
		ChatID:    7,
		SenderID:  3,
		Content:   "hi",
		Kind:      string(domain.KindUser),
		CreatedAt: time.Now().UTC(),
	}
}

func TestDecodeInboundMalformed(t *testing.T) {
	for _, raw := range []string{"", "{", "[1,2]", `{"chat_id":"seven"}`} {
		if _, err := DecodeInbound([]byte(raw)); err == nil {
			t.Fatalf("DecodeInbound(%q) accepted malformed input", raw)
		}
	}
}

func TestDecodeInboundRoundTrip(t *testing.T) {
	raw := `{"chat_id":7,"sender_id":3,"content":"hi","message_type":"UserMessage","created_at":"2025-05-01T10:00:00Z"}`
	msg, err := DecodeInbound([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if msg.ChatID != 7 || msg.SenderID != 3 || msg.Content != "hi" || msg.Kind != "UserMessage" {
		t.Fatalf("decoded: %+v", msg)
	}
	if reason, ok := ValidateInbound(msg); !ok {
		t.Fatalf("valid message rejected: %s", reason)
	}
}

func TestValidateInboundContentBounds(t *testing.T) {
	cases := []struct {
		runes int
		ok    bool
	}{
		{0, false},
		{1, true},
		{5000, true},
		{5001, false},
	}
	for _, tc := range cases {
		msg := validInbound()
		msg.Content = strings.Repeat("è", tc.runes) // multibyte: rune count, not byte count
		_, ok := ValidateInbound(msg)
		if ok != tc.ok {
			t.Errorf("content of %d runes: ok = %v, want %v", tc.runes, ok, tc.ok)
		}
	}
}

func TestValidateInboundRejectsSystemKind(t *testing.T) {
	msg := validInbound()
	msg.Kind = string(domain.KindSystem)
	reason, ok := ValidateInbound(msg)
	if ok {
		t.Fatal("client-sent SystemMessage accepted")
	}
	if reason != ReasonSystemKind {
		t.Fatalf("reason = %q", reason)
	}
}

func TestValidateInboundRejectsUnknownKind(t *testing.T) {
	msg := validInbound()
	msg.Kind = "Telegram"
	if _, ok := ValidateInbound(msg); ok {
		t.Fatal("unknown kind accepted")
	}
}

func TestValidateInboundRejectsMissingIDs(t *testing.T) {
	msg := validInbound()
	msg.ChatID = 0
	if _, ok := ValidateInbound(msg); ok {
		t.Fatal("zero chat id accepted")
	}
	msg = validInbound()
	msg.SenderID = -1
	if _, ok := ValidateInbound(msg); ok {
		t.Fatal("negative sender id accepted")
	}
}

func TestEncodeBatchRoundTrip(t *testing.T) {
	sender := int64(3)
	created := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	batch := []*domain.Message{
		{ID: 1, ChatID: 7, SenderID: &sender, Content: "hi", Kind: domain.KindUser, CreatedAt: created},
		{ID: 2, ChatID: 7, SenderID: nil, Content: "sys", Kind: domain.KindSystem, CreatedAt: created},
	}

	frame, err := EncodeBatch(batch)
	if err != nil {
		t.Fatal(err)
	}

	var decoded []domain.Message
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 2 {
		t.Fatalf("len = %d", len(decoded))
	}
	if decoded[0].ID != 1 || *decoded[0].SenderID != 3 || decoded[0].Content != "hi" ||
		decoded[0].Kind != domain.KindUser || !decoded[0].CreatedAt.Equal(created) {
		t.Fatalf("decoded[0] = %+v", decoded[0])
	}
	if decoded[1].SenderID != nil {
		t.Fatal("system message sender should decode as null")
	}
}

func TestEncodeSignalWireShapes(t *testing.T) {
	cases := []struct {
		sig  ControlSignal
		want string
	}{
		{AddChatSignal(7), `{"AddChat":7}`},
		{RemoveChatSignal(9), `{"RemoveChat":9}`},
		{ErrorSignal("nope"), `{"Error":"nope"}`},
	}
	for _, tc := range cases {
		got, err := EncodeSignal(tc.sig)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != tc.want {
			t.Errorf("EncodeSignal = %s, want %s", got, tc.want)
		}
	}
}

func TestEncodeSignalInvitation(t *testing.T) {
	detail := &domain.InvitationDetail{
		State:   domain.InvitePending,
		Inviter: domain.User{ID: 3, Username: "ada"},
		Chat:    domain.Chat{ID: 7, Name: "ops"},
	}
	frame, err := EncodeSignal(InvitationSignal(detail))
	if err != nil {
		t.Fatal(err)
	}

	var decoded struct {
		Invitation domain.InvitationDetail `json:"Invitation"`
	}
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Invitation.Inviter.Username != "ada" || decoded.Invitation.Chat.ID != 7 {
		t.Fatalf("decoded: %+v", decoded.Invitation)
	}
}

func TestEncodeSignalShutdownHasNoWireForm(t *testing.T) {
	if _, err := EncodeSignal(ShutdownSignal()); err == nil {
		t.Fatal("Shutdown must not encode")
	}
}
