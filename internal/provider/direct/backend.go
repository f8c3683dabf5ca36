// Package direct implements provider.Backend on top of whatsmeow: the daemon
// itself is the linked device. Threads and messages are served from the local
// store, which the ingestion engine keeps current from whatsmeow events.
package direct

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/leadwave/wpsync/internal/domain"
	"github.com/leadwave/wpsync/internal/provider"
	"github.com/leadwave/wpsync/internal/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

const (
	// ThreadLimit caps the conversations returned by Threads.
	ThreadLimit = 500
	// MessageLimit caps the messages returned by Messages.
	MessageLimit = 200
)

// ErrNotConnected is returned by SendMessage while the device is offline.
var ErrNotConnected = errors.New("not connected")

// Recorder stores a message the way inbound events are stored.
type Recorder interface {
	IngestMessage(msg *store.Message) error
}

// Backend is the direct pairing provider.
type Backend struct {
	client   Client
	db       *store.DB
	recorder Recorder
	logger   *zap.Logger

	mu      sync.Mutex
	pairing *pairing

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ provider.Backend = (*Backend)(nil)

// NewBackend creates a backend over client. Sent messages are written through
// recorder so they show up in the next Messages call.
func NewBackend(client Client, db *store.DB, recorder Recorder, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		client:   client,
		db:       db,
		recorder: recorder,
		logger:   logger,
		pairing:  &pairing{logger: logger},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Status reports the device state. The direct backend only knows the pairing
// provider.
func (b *Backend) Status(_ context.Context) (domain.ConnectionStatus, error) {
	loggedIn := b.client.IsLoggedIn()
	connected := loggedIn && b.client.IsConnected()
	return domain.ConnectionStatus{
		Provider:   domain.ProviderPairing,
		Connected:  connected,
		Ready:      connected,
		Configured: true,
		QRRequired: !loggedIn,
	}, nil
}

// Start connects the device. An unpaired device opens a QR flow first; its
// codes are served by PairingToken.
func (b *Backend) Start(_ context.Context, p domain.Provider) error {
	if p != domain.ProviderPairing {
		return fmt.Errorf("provider %s: %w", p, provider.ErrUnsupported)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client.IsConnected() {
		return nil
	}
	if !b.client.IsLoggedIn() {
		// The QR flow outlives the request that started it.
		ch, err := b.client.QRChannel(b.ctx)
		if err != nil {
			return err
		}
		b.pairing.watch(ch)
	}
	if err := b.client.Connect(); err != nil {
		b.pairing.reset()
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// PairingToken returns the QR code currently offered for scanning.
func (b *Backend) PairingToken(_ context.Context) (provider.PairingToken, error) {
	if b.client.IsLoggedIn() && b.client.IsConnected() {
		return provider.PairingToken{AlreadyConnected: true}, nil
	}
	code, err := b.pairing.current()
	if err != nil {
		return provider.PairingToken{}, err
	}
	return provider.PairingToken{Token: code}, nil
}

// Disconnect unlinks a paired device, or drops the connection of one that
// never finished pairing.
func (b *Backend) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pairing.reset()
	if b.client.IsLoggedIn() {
		if err := b.client.Logout(ctx); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
		return nil
	}
	b.client.Disconnect()
	return nil
}

// Threads lists the stored chats, newest first.
func (b *Backend) Threads(_ context.Context) ([]domain.Thread, error) {
	chats, err := b.db.ListChats(ThreadLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	threads := make([]domain.Thread, 0, len(chats))
	for _, c := range chats {
		threads = append(threads, threadFromChat(c))
	}
	return threads, nil
}

// RemoveThread hides a chat until a newer message arrives in it.
func (b *Backend) RemoveThread(_ context.Context, id int64) error {
	if err := b.db.SoftDeleteChat(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("thread %d: %w", id, provider.ErrNotFound)
		}
		return err
	}
	return nil
}

// Messages returns the latest messages of a chat, oldest first, and marks the
// chat read.
func (b *Backend) Messages(_ context.Context, key string) ([]domain.Message, error) {
	jid := chatJID(key)
	stored, err := b.db.ListMessages(jid, 0, MessageLimit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if err := b.db.MarkChatRead(jid); err != nil {
		b.logger.Debug("failed to mark chat read", zap.String("chat_jid", jid), zap.Error(err))
	}
	msgs := make([]domain.Message, 0, len(stored))
	for _, m := range stored {
		msgs = append(msgs, messageFromStore(m))
	}
	return msgs, nil
}

// SendMessage sends a text message. Attachments are not supported.
func (b *Backend) SendMessage(ctx context.Context, key string, out provider.Outgoing) error {
	if out.Attachment != nil {
		return fmt.Errorf("attachments: %w", provider.ErrUnsupported)
	}
	if out.Text == "" {
		return errors.New("empty message")
	}
	if !b.client.IsConnected() {
		return ErrNotConnected
	}
	jid := chatJID(key)
	sent, err := b.client.SendText(ctx, jid, out.Text)
	if err != nil {
		return err
	}
	ts := sent.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if err := b.recorder.IngestMessage(&store.Message{
		ChatJID:     jid,
		MsgID:       sent.ID,
		Body:        out.Text,
		MessageType: string(domain.TypeText),
		FromMe:      true,
		Source:      string(domain.SourceHuman),
		Status:      string(domain.StatusSent),
		Timestamp:   ts.UnixMilli(),
	}); err != nil {
		b.logger.Warn("message sent but not recorded", zap.String("msg_id", sent.ID), zap.Error(err))
	}
	return nil
}

// AutomationFlag returns the stored flag. Chats without one are automated.
func (b *Backend) AutomationFlag(_ context.Context, key string) (bool, error) {
	active, found, err := b.db.AutomationFlag(chatJID(key))
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return active, nil
}

// SetAutomationFlag stores the flag.
func (b *Backend) SetAutomationFlag(_ context.Context, key string, active bool) error {
	return b.db.SetAutomationFlag(chatJID(key), active)
}

// HandleEvent reacts to whatsmeow events that concern the backend itself.
// Register it next to the EventHandler.
func (b *Backend) HandleEvent(rawEvt any) {
	switch rawEvt.(type) {
	case *events.Connected:
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.SyncContacts(b.ctx)
		}()
	case *events.PairSuccess:
		b.pairing.reset()
	}
}

// SyncContacts copies the device's address book into the store so chats get
// display names.
func (b *Backend) SyncContacts(ctx context.Context) {
	contacts := b.client.Contacts(ctx)
	if len(contacts) == 0 {
		return
	}
	n, err := b.db.BulkUpsertContacts(contacts)
	if err != nil {
		b.logger.Warn("failed to store contacts", zap.Error(err))
		return
	}
	b.logger.Debug("contacts synced", zap.Int("count", n))
}

// Close ends any QR flow and waits for background work.
func (b *Backend) Close() {
	b.cancel()
	b.pairing.reset()
	b.wg.Wait()
}

func threadFromChat(c store.Chat) domain.Thread {
	t := domain.Thread{
		ID:                 c.ID,
		Key:                c.JID,
		DisplayName:        c.Name,
		LastMessagePreview: c.LastMessagePreview,
		UnreadCount:        uint(max(c.UnreadCount, 0)),
		IsClosed:           c.Closed,
		LastMessageAt:      c.LastMessageAt,
	}
	if user, server, ok := strings.Cut(c.JID, "@"); ok && server == types.DefaultUserServer {
		t.Phone = user
	}
	return t
}

func messageFromStore(m store.Message) domain.Message {
	msg := domain.Message{
		ID:        m.ID,
		Body:      m.Body,
		Direction: domain.Inbound,
		Status:    domain.MessageStatus(m.Status),
		Type:      domain.MessageType(m.MessageType),
		Source:    domain.Source(m.Source),
		CreatedAt: time.UnixMilli(m.Timestamp),
	}
	if m.FromMe {
		msg.Direction = domain.Outbound
	}
	if m.MediaRef != "" {
		ref := m.MediaRef
		msg.MediaRef = &ref
	}
	return msg
}

// chatJID turns a conversation key into a chat JID. Bare phone numbers
// address the user's individual chat.
func chatJID(key string) string {
	if strings.Contains(key, "@") {
		return key
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, key)
	return digits + "@" + types.DefaultUserServer
}
