package direct

import (
	"context"
	"time"

	"github.com/leadwave/wpsync/internal/bus"
	"github.com/leadwave/wpsync/internal/store"
	intsync "github.com/leadwave/wpsync/internal/sync"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// LIDResolver maps linked-identity JIDs to phone number JIDs.
type LIDResolver interface {
	ResolveLID(ctx context.Context, jid types.JID) types.JID
}

// EventHandler turns whatsmeow events into wa.* bus events. It does not
// touch the store; the ingestion engine subscribes to the bus independently.
type EventHandler struct {
	bus      *bus.Bus
	resolver LIDResolver
	logger   *zap.Logger
}

// NewEventHandler creates a new event handler. resolver may be nil, in which
// case LID JIDs are passed through as is.
func NewEventHandler(b *bus.Bus, resolver LIDResolver, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{bus: b, resolver: resolver, logger: logger}
}

// Handle is the whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.handleMessage(evt)
	case *events.Receipt:
		h.handleReceipt(evt)
	case *events.HistorySync:
		h.handleHistorySync(evt)
	case *events.Archive:
		if evt.Action == nil {
			return
		}
		h.publish(bus.KindWAArchive, intsync.Archive{
			ChatJID: h.resolveJID(evt.JID.String()),
			Closed:  evt.Action.GetArchived(),
		})
	case *events.Connected:
		h.logger.Info("WhatsApp connected")
		h.publish(bus.KindWAConnection, intsync.Connection{Connected: true})
	case *events.Disconnected:
		h.logger.Warn("WhatsApp disconnected")
		h.publish(bus.KindWAConnection, intsync.Connection{})
	case *events.LoggedOut:
		h.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		h.publish(bus.KindWAConnection, intsync.Connection{LoggedOut: true, Reason: evt.Reason.String()})
	}
}

func (h *EventHandler) publish(kind string, payload any) {
	h.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func (h *EventHandler) handleMessage(evt *events.Message) {
	parsed := ParseLiveMessage(evt)
	parsed.ChatJID = h.resolveJID(parsed.ChatJID)
	parsed.SenderJID = h.resolveJID(parsed.SenderJID)
	h.publish(bus.KindWAMessage, parsed.ToStoreMessage())
}

func (h *EventHandler) handleReceipt(evt *events.Receipt) {
	st := receiptStatus(evt.Type)
	if st == "" || len(evt.MessageIDs) == 0 {
		return
	}
	ids := make([]string, len(evt.MessageIDs))
	for i, id := range evt.MessageIDs {
		ids[i] = string(id)
	}
	h.publish(bus.KindWAReceipt, intsync.Receipt{
		ChatJID: h.resolveJID(evt.Chat.String()),
		MsgIDs:  ids,
		Status:  st,
	})
}

// receiptStatus maps a receipt type to the message status it proves, or "".
func receiptStatus(t types.ReceiptType) string {
	switch t {
	case types.ReceiptTypeDelivered:
		return "delivered"
	case types.ReceiptTypeRead, types.ReceiptTypePlayed:
		return "read"
	default:
		return ""
	}
}

func (h *EventHandler) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	var msgs []*store.Message
	for _, conv := range data.GetConversations() {
		chatJID := h.resolveJID(conv.GetID())
		for _, hm := range conv.GetMessages() {
			parsed := ParseHistoryMessage(chatJID, hm.GetMessage())
			if parsed == nil {
				continue
			}
			parsed.SenderJID = h.resolveJID(parsed.SenderJID)
			msgs = append(msgs, parsed.ToStoreMessage())
		}
	}

	if len(msgs) > 0 {
		h.publish(bus.KindWAHistoryBatch, msgs)
	}
}

// resolveJID normalizes s and, when a resolver is set, maps LID JIDs to phone
// number JIDs so one contact never shows up as two chats.
func (h *EventHandler) resolveJID(s string) string {
	s = NormalizeJID(s)
	if h.resolver == nil || s == "" {
		return s
	}
	jid, err := types.ParseJID(s)
	if err != nil || jid.Server != types.HiddenUserServer {
		return s
	}
	return h.resolver.ResolveLID(context.Background(), jid).ToNonAD().String()
}
