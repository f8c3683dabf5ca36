package direct

import (
	"github.com/leadwave/wpsync/internal/store"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// ParsedMessage is a normalized message ready for ingestion.
type ParsedMessage struct {
	ChatJID     string
	MsgID       string
	SenderJID   string
	SenderName  string
	Body        string
	MessageType string
	FromMe      bool
	Status      string
	Timestamp   int64
}

// ParseLiveMessage normalizes a live whatsmeow message event.
func ParseLiveMessage(evt *events.Message) *ParsedMessage {
	return &ParsedMessage{
		ChatJID:     evt.Info.Chat.ToNonAD().String(),
		MsgID:       evt.Info.ID,
		SenderJID:   evt.Info.Sender.ToNonAD().String(),
		SenderName:  evt.Info.PushName,
		Body:        extractTextBody(evt.Message),
		MessageType: detectMessageType(evt.Message),
		FromMe:      evt.Info.IsFromMe,
		Status:      arrivalStatus(evt.Info.IsFromMe),
		Timestamp:   evt.Info.Timestamp.UnixMilli(),
	}
}

// ParseHistoryMessage normalizes one message of a history sync conversation.
// It returns nil for entries without content.
func ParseHistoryMessage(chatJID string, wmsg *waWeb.WebMessageInfo) *ParsedMessage {
	if wmsg == nil || wmsg.GetMessage() == nil {
		return nil
	}
	key := wmsg.GetKey()
	sender := key.GetParticipant()
	if sender == "" && !key.GetFromMe() {
		sender = chatJID
	}
	return &ParsedMessage{
		ChatJID:     NormalizeJID(chatJID),
		MsgID:       key.GetID(),
		SenderJID:   NormalizeJID(sender),
		SenderName:  wmsg.GetPushName(),
		Body:        extractTextBody(wmsg.GetMessage()),
		MessageType: detectMessageType(wmsg.GetMessage()),
		FromMe:      key.GetFromMe(),
		Status:      historyStatus(key.GetFromMe(), wmsg.GetStatus()),
		Timestamp:   int64(wmsg.GetMessageTimestamp()) * 1000,
	}
}

// ToStoreMessage converts a ParsedMessage to a store.Message.
func (p *ParsedMessage) ToStoreMessage() *store.Message {
	return &store.Message{
		ChatJID:     p.ChatJID,
		MsgID:       p.MsgID,
		SenderJID:   p.SenderJID,
		SenderName:  p.SenderName,
		Body:        p.Body,
		MessageType: p.MessageType,
		FromMe:      p.FromMe,
		Status:      p.Status,
		Timestamp:   p.Timestamp,
	}
}

// NormalizeJID strips the device part of a JID so every device of a user maps
// to the same chat. Unparseable input is returned unchanged.
func NormalizeJID(s string) string {
	if s == "" {
		return s
	}
	jid, err := types.ParseJID(s)
	if err != nil {
		return s
	}
	return jid.ToNonAD().String()
}

// arrivalStatus is the status a message has when it is first seen live.
func arrivalStatus(fromMe bool) string {
	if fromMe {
		return "sent"
	}
	return "delivered"
}

func historyStatus(fromMe bool, st waWeb.WebMessageInfo_Status) string {
	if !fromMe {
		return "delivered"
	}
	switch st {
	case waWeb.WebMessageInfo_DELIVERY_ACK:
		return "delivered"
	case waWeb.WebMessageInfo_READ, waWeb.WebMessageInfo_PLAYED:
		return "read"
	default:
		return "sent"
	}
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	switch {
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetCaption()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	default:
		return "unknown"
	}
}
