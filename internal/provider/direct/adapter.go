package direct

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leadwave/wpsync/internal/store"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// ErrAlreadyLoggedIn is returned by QRChannel when the device is paired.
var ErrAlreadyLoggedIn = errors.New("already logged in")

// Sent is the server acknowledgement of an outgoing message.
type Sent struct {
	ID        string
	Timestamp time.Time
}

// Client is the part of the WhatsApp client the backend drives.
type Client interface {
	IsConnected() bool
	IsLoggedIn() bool
	Connect() error
	Disconnect()
	Logout(ctx context.Context) error
	QRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	SendText(ctx context.Context, jid, text string) (Sent, error)
	Contacts(ctx context.Context) []store.Contact
	ResolveLID(ctx context.Context, jid types.JID) types.JID
}

// Adapter wraps the whatsmeow client and manages the WhatsApp connection.
type Adapter struct {
	client *whatsmeow.Client
	logger *zap.Logger
}

var _ Client = (*Adapter)(nil)

// Open loads (or creates) the linked-device store at dbPath and returns an
// adapter for its first device.
func Open(ctx context.Context, dbPath string, logger *zap.Logger) (*Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("wpsync", [3]uint32{0, 1, 0})

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create device store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	return &Adapter{
		client: whatsmeow.NewClient(deviceStore, nil),
		logger: logger,
	}, nil
}

// IsConnected reports whether the websocket is up.
func (a *Adapter) IsConnected() bool {
	return a.client.IsConnected()
}

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// Connect initiates the WhatsApp connection.
func (a *Adapter) Connect() error {
	a.logger.Info("connecting to WhatsApp")
	return a.client.Connect()
}

// Disconnect closes the connection and keeps the credentials.
func (a *Adapter) Disconnect() {
	a.logger.Info("disconnecting from WhatsApp")
	a.client.Disconnect()
}

// Logout unlinks the device and removes its credentials.
func (a *Adapter) Logout(ctx context.Context) error {
	a.logger.Info("logging out of WhatsApp")
	return a.client.Logout(ctx)
}

// AddEventHandler registers a handler for whatsmeow events.
func (a *Adapter) AddEventHandler(handler whatsmeow.EventHandler) {
	a.client.AddEventHandler(handler)
}

// SendText sends a text message to the given JID.
func (a *Adapter) SendText(ctx context.Context, jid, text string) (Sent, error) {
	to, err := types.ParseJID(jid)
	if err != nil {
		return Sent{}, fmt.Errorf("parse JID: %w", err)
	}
	resp, err := a.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return Sent{}, fmt.Errorf("send message: %w", err)
	}
	return Sent{ID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

// QRChannel returns the pairing channel. It must be called before Connect.
func (a *Adapter) QRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	if a.IsLoggedIn() {
		return nil, ErrAlreadyLoggedIn
	}
	ch, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}
	return ch, nil
}

// Contacts returns all contacts from the whatsmeow device store.
func (a *Adapter) Contacts(ctx context.Context) []store.Contact {
	all, err := a.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		a.logger.Warn("failed to get contacts from device store", zap.Error(err))
		return nil
	}
	contacts := make([]store.Contact, 0, len(all))
	for jid, info := range all {
		contacts = append(contacts, store.Contact{
			JID:      jid.ToNonAD().String(),
			Name:     info.FullName,
			PushName: info.PushName,
		})
	}
	return contacts
}

// ResolveLID resolves a LID JID to its phone number JID using the device store
// mapping. It returns jid unchanged when it is not a LID or cannot be resolved.
func (a *Adapter) ResolveLID(ctx context.Context, jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer {
		return jid
	}
	if a.client == nil || a.client.Store == nil || a.client.Store.LIDs == nil {
		return jid
	}
	pn, err := a.client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn
}
