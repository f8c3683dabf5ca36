// Package sync ingests raw provider events into the local store used by the
// direct backend.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/leadwave/wpsync/internal/bus"
	"github.com/leadwave/wpsync/internal/store"
	"go.uber.org/zap"
)

// Receipt reports that messages in a chat reached a delivery status.
type Receipt struct {
	ChatJID string
	MsgIDs  []string
	Status  string
}

// Archive reports that a chat was archived or unarchived on the phone.
type Archive struct {
	ChatJID string
	Closed  bool
}

// Connection reports a transport change seen by the provider client.
type Connection struct {
	Connected bool
	LoggedOut bool
	Reason    string
}

// Engine handles idempotent ingestion of messages into the store.
// It subscribes to "wa.*" events on the bus and processes them.
type Engine struct {
	db         *store.DB
	bus        *bus.Bus
	reconciler *Reconciler
	logger     *zap.Logger
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:         db,
		bus:        b,
		reconciler: NewReconciler(db, logger),
		logger:     logger,
	}
}

// Start subscribes to inbound provider events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("wa.", 256)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event loop to exit.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindWAMessage:
		msg, ok := evt.Payload.(*store.Message)
		if !ok {
			return
		}
		if err := e.IngestMessage(msg); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", msg.MsgID))
		}
	case bus.KindWAReceipt:
		r, ok := evt.Payload.(Receipt)
		if !ok {
			return
		}
		if err := e.ApplyReceipt(r); err != nil {
			e.logger.Error("failed to apply receipt", zap.Error(err), zap.String("chat_jid", r.ChatJID))
		}
	case bus.KindWAHistoryBatch:
		msgs, ok := evt.Payload.([]*store.Message)
		if !ok {
			return
		}
		if err := e.IngestHistoryBatch(msgs); err != nil {
			e.logger.Error("failed to ingest history batch", zap.Error(err), zap.Int("count", len(msgs)))
		} else {
			e.logger.Info("history batch ingested", zap.Int("messages", len(msgs)))
		}
	case bus.KindWAArchive:
		a, ok := evt.Payload.(Archive)
		if !ok {
			return
		}
		if err := e.db.SetChatClosed(a.ChatJID, a.Closed); err != nil {
			e.logger.Error("failed to store archive flag", zap.Error(err), zap.String("chat_jid", a.ChatJID))
			return
		}
		e.updated(a.ChatJID)
	case bus.KindWAConnection:
		c, ok := evt.Payload.(Connection)
		if !ok {
			return
		}
		if c.Connected {
			if err := e.reconciler.UpdateCheckpoint(CheckpointLastConnected, fmt.Sprint(time.Now().UnixMilli())); err != nil {
				e.logger.Warn("failed to record connection checkpoint", zap.Error(err))
			}
		}
	}
}

// IngestMessage processes a single message into the store (idempotent).
// Incoming messages raise the chat's unread count.
func (e *Engine) IngestMessage(msg *store.Message) error {
	fillStatus(msg)
	if err := e.db.TouchChat(msg.ChatJID, msg.Timestamp, store.Preview(msg), !msg.FromMe); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	if err := e.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	e.updated(msg.ChatJID)
	return nil
}

// ApplyReceipt advances the status of the referenced messages.
func (e *Engine) ApplyReceipt(r Receipt) error {
	n, err := e.db.AdvanceMessageStatus(r.ChatJID, r.MsgIDs, r.Status)
	if err != nil {
		return err
	}
	if n > 0 {
		e.updated(r.ChatJID)
	}
	return nil
}

// IngestHistoryBatch processes a batch of history messages in a transaction
// and records the batch checkpoint.
func (e *Engine) IngestHistoryBatch(msgs []*store.Message) error {
	for _, m := range msgs {
		fillStatus(m)
	}
	if err := e.db.IngestBatch(msgs); err != nil {
		return err
	}

	chats := make(map[string]struct{})
	var newest int64
	for _, m := range msgs {
		chats[m.ChatJID] = struct{}{}
		newest = max(newest, m.Timestamp)
	}
	if err := e.reconciler.RecordBatch(len(msgs), newest); err != nil {
		e.logger.Warn("failed to record history checkpoint", zap.Error(err))
	}
	for jid := range chats {
		e.updated(jid)
	}
	return nil
}

func (e *Engine) updated(chatJID string) {
	e.bus.Publish(bus.Event{
		Kind:      bus.KindStoreUpdated,
		Timestamp: time.Now(),
		Payload:   chatJID,
	})
}

// fillStatus gives messages without a status the one they arrive with.
func fillStatus(m *store.Message) {
	if m.Status != "" {
		return
	}
	if m.FromMe {
		m.Status = "sent"
	} else {
		m.Status = "delivered"
	}
}
