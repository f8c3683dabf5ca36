package direct

import (
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func TestExtractTextBody(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil", nil, ""},
		{"conversation", &waE2E.Message{Conversation: proto.String("hi")}, "hi"},
		{"extended", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("link")}}, "link"},
		{"image caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("look")}}, "look"},
		{"image no caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, ""},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractTextBody(tt.msg); got != tt.want {
				t.Errorf("extractTextBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectMessageType(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil", nil, "unknown"},
		{"text", &waE2E.Message{Conversation: proto.String("x")}, "text"},
		{"extended", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{}}, "text"},
		{"image", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, "image"},
		{"video", &waE2E.Message{VideoMessage: &waE2E.VideoMessage{}}, "video"},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, "audio"},
		{"document", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{}}, "document"},
		{"sticker", &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, "sticker"},
		{"contact", &waE2E.Message{ContactMessage: &waE2E.ContactMessage{}}, "contact"},
		{"location", &waE2E.Message{LocationMessage: &waE2E.LocationMessage{}}, "location"},
		{"empty", &waE2E.Message{}, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectMessageType(tt.msg); got != tt.want {
				t.Errorf("detectMessageType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeJID(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"558592403672@s.whatsapp.net", "558592403672@s.whatsapp.net"},
		{"558592403672:0@s.whatsapp.net", "558592403672@s.whatsapp.net"},
		{"558592403672:5@s.whatsapp.net", "558592403672@s.whatsapp.net"},
		{"120363123456@g.us", "120363123456@g.us"},
		{"", ""},
		{"invalid", "invalid"},
		// LIDs need the device store to resolve; they pass through.
		{"3917077286968@lid", "3917077286968@lid"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := NormalizeJID(tt.input); got != tt.want {
				t.Errorf("NormalizeJID(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseLiveMessage(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	evt := &events.Message{
		Info: types.MessageInfo{
			ID:        "M1",
			Timestamp: ts,
			PushName:  "Ana",
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "558592403672", Server: types.DefaultUserServer},
				Sender: types.JID{User: "558592403672", Server: types.DefaultUserServer},
			},
		},
		Message: &waE2E.Message{Conversation: proto.String("hello")},
	}

	p := ParseLiveMessage(evt)
	if p.MsgID != "M1" || p.Body != "hello" || p.MessageType != "text" {
		t.Errorf("parsed = %+v", p)
	}
	if p.SenderName != "Ana" {
		t.Errorf("SenderName = %q, want Ana", p.SenderName)
	}
	if p.Timestamp != ts.UnixMilli() {
		t.Errorf("Timestamp = %d, want %d", p.Timestamp, ts.UnixMilli())
	}
	if p.Status != "delivered" {
		t.Errorf("Status = %q, want delivered for inbound", p.Status)
	}

	evt.Info.IsFromMe = true
	if got := ParseLiveMessage(evt).Status; got != "sent" {
		t.Errorf("Status = %q, want sent for own message", got)
	}
}

// Device-specific JIDs must map to the canonical user JID, otherwise every
// device of a contact opens its own chat.
func TestParseLiveMessageStripsDeviceSuffix(t *testing.T) {
	evt := &events.Message{
		Info: types.MessageInfo{
			ID:        "M1",
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "558592403672", Server: "s.whatsapp.net", Device: 1},
				Sender: types.JID{User: "558592403672", Server: "s.whatsapp.net", Device: 3},
			},
		},
		Message: &waE2E.Message{Conversation: proto.String("hi")},
	}

	parsed := ParseLiveMessage(evt)
	if parsed.ChatJID != "558592403672@s.whatsapp.net" {
		t.Errorf("ChatJID = %q, want 558592403672@s.whatsapp.net", parsed.ChatJID)
	}
	if parsed.SenderJID != "558592403672@s.whatsapp.net" {
		t.Errorf("SenderJID = %q, want 558592403672@s.whatsapp.net", parsed.SenderJID)
	}
}

func TestParseHistoryMessage(t *testing.T) {
	ts := uint64(1_700_000_000)
	tests := []struct {
		name       string
		fromMe     bool
		status     waWeb.WebMessageInfo_Status
		wantStatus string
		wantSender string
	}{
		{"inbound", false, waWeb.WebMessageInfo_READ, "delivered", "5511@s.whatsapp.net"},
		{"own acked", true, waWeb.WebMessageInfo_SERVER_ACK, "sent", ""},
		{"own delivered", true, waWeb.WebMessageInfo_DELIVERY_ACK, "delivered", ""},
		{"own read", true, waWeb.WebMessageInfo_READ, "read", ""},
		{"own played", true, waWeb.WebMessageInfo_PLAYED, "read", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := tt.status
			p := ParseHistoryMessage("5511@s.whatsapp.net", &waWeb.WebMessageInfo{
				Key: &waCommon.MessageKey{
					ID:        proto.String("h1"),
					FromMe:    proto.Bool(tt.fromMe),
					RemoteJID: proto.String("5511@s.whatsapp.net"),
				},
				MessageTimestamp: &ts,
				Status:           &st,
				Message:          &waE2E.Message{Conversation: proto.String("old")},
			})
			if p == nil {
				t.Fatal("ParseHistoryMessage returned nil")
			}
			if p.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", p.Status, tt.wantStatus)
			}
			if p.SenderJID != tt.wantSender {
				t.Errorf("SenderJID = %q, want %q", p.SenderJID, tt.wantSender)
			}
			if p.Timestamp != int64(ts)*1000 {
				t.Errorf("Timestamp = %d, want ms", p.Timestamp)
			}
		})
	}
}

func TestParseHistoryMessageSkipsEmpty(t *testing.T) {
	if p := ParseHistoryMessage("c@s.whatsapp.net", nil); p != nil {
		t.Errorf("nil info parsed to %+v", p)
	}
	if p := ParseHistoryMessage("c@s.whatsapp.net", &waWeb.WebMessageInfo{Key: &waCommon.MessageKey{ID: proto.String("x")}}); p != nil {
		t.Errorf("info without content parsed to %+v", p)
	}
}

func TestParseLiveMessageImageType(t *testing.T) {
	evt := &events.Message{
		Info: types.MessageInfo{
			ID:        "IMG1",
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "c", Server: "s"},
				Sender: types.JID{User: "s", Server: "s"},
			},
		},
		Message: &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}},
	}

	parsed := ParseLiveMessage(evt)
	if parsed.MessageType != "image" {
		t.Errorf("MessageType = %q, want image", parsed.MessageType)
	}
	if parsed.Body != "" {
		t.Errorf("Body = %q, want empty for image", parsed.Body)
	}
}
