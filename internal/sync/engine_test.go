package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/leadwave/wpsync/internal/bus"
	"github.com/leadwave/wpsync/internal/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEngineIngestMessage(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, nil)

	ch, unsub := b.Subscribe("store.", 10)
	defer unsub()

	msg := &store.Message{
		ChatJID: "chat@s", MsgID: "m1", Body: "hello",
		MessageType: "text", Timestamp: 1000,
	}
	if err := e.IngestMessage(msg); err != nil {
		t.Fatal(err)
	}

	chat, err := db.GetChat("chat@s")
	if err != nil {
		t.Fatal(err)
	}
	if chat == nil {
		t.Fatal("chat not created")
	}
	if chat.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1 for incoming message", chat.UnreadCount)
	}
	if chat.LastMessagePreview != "hello" {
		t.Errorf("preview = %q, want hello", chat.LastMessagePreview)
	}

	msgs, err := db.ListMessages("chat@s", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Body != "hello" {
		t.Fatalf("got %d messages, want 1 with body=hello", len(msgs))
	}
	if msgs[0].Status != "delivered" {
		t.Errorf("status = %q, want delivered for inbound default", msgs[0].Status)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindStoreUpdated || evt.Payload != "chat@s" {
			t.Errorf("event = %s %v, want store.updated chat@s", evt.Kind, evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for store.updated event")
	}
}

func TestEngineOutgoingDoesNotRaiseUnread(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)

	msg := &store.Message{
		ChatJID: "chat@s", MsgID: "out1", Body: "hi there",
		MessageType: "text", FromMe: true, Timestamp: 1000,
	}
	if err := e.IngestMessage(msg); err != nil {
		t.Fatal(err)
	}
	chat, _ := db.GetChat("chat@s")
	if chat.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 for outgoing message", chat.UnreadCount)
	}
	msgs, _ := db.ListMessages("chat@s", 0, 10)
	if msgs[0].Status != "sent" {
		t.Errorf("status = %q, want sent for outbound default", msgs[0].Status)
	}
}

func TestEngineIngestMessageIdempotent(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)

	msg := &store.Message{
		ChatJID: "chat@s", MsgID: "m1", Body: "v1",
		MessageType: "text", Timestamp: 1000,
	}
	if err := e.IngestMessage(msg); err != nil {
		t.Fatal(err)
	}
	msg.Body = "v2"
	if err := e.IngestMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("chat@s", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent)", len(msgs))
	}
	if msgs[0].Body != "v2" {
		t.Errorf("body = %q, want v2 (updated)", msgs[0].Body)
	}
}

func TestEngineApplyReceipt(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)

	for _, id := range []string{"a", "b"} {
		if err := e.IngestMessage(&store.Message{
			ChatJID: "chat@s", MsgID: id, Body: id, MessageType: "text",
			FromMe: true, Timestamp: 1000,
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := e.ApplyReceipt(Receipt{ChatJID: "chat@s", MsgIDs: []string{"a", "b"}, Status: "read"}); err != nil {
		t.Fatal(err)
	}
	// A late delivery receipt must not move read back.
	if err := e.ApplyReceipt(Receipt{ChatJID: "chat@s", MsgIDs: []string{"a"}, Status: "delivered"}); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("chat@s", 0, 10)
	for _, m := range msgs {
		if m.Status != "read" {
			t.Errorf("message %s status = %q, want read", m.MsgID, m.Status)
		}
	}
}

func TestEngineIngestHistoryBatch(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)

	msgs := []*store.Message{
		{ChatJID: "a@s", MsgID: "m1", Body: "one", MessageType: "text", Timestamp: 1000},
		{ChatJID: "a@s", MsgID: "m2", Body: "two", MessageType: "text", Timestamp: 2000},
		{ChatJID: "b@s", MsgID: "m3", Body: "three", MessageType: "text", Timestamp: 3000},
	}

	if err := e.IngestHistoryBatch(msgs); err != nil {
		t.Fatal(err)
	}

	chats, err := db.ListChats(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 {
		t.Errorf("got %d chats, want 2", len(chats))
	}
	for _, c := range chats {
		if c.UnreadCount != 0 {
			t.Errorf("chat %s unread = %d, want 0 (history is not unread)", c.JID, c.UnreadCount)
		}
	}

	msgsA, _ := db.ListMessages("a@s", 0, 10)
	msgsB, _ := db.ListMessages("b@s", 0, 10)
	if len(msgsA) != 2 || len(msgsB) != 1 {
		t.Errorf("got %d+%d messages, want 2+1", len(msgsA), len(msgsB))
	}

	r := NewReconciler(db, zap.NewNop())
	if v, _ := r.GetCheckpoint(CheckpointHistoryNewest); v != "3000" {
		t.Errorf("newest checkpoint = %q, want 3000", v)
	}
	if v, _ := r.GetCheckpoint(CheckpointHistoryCount); v != "3" {
		t.Errorf("count checkpoint = %q, want 3", v)
	}
}

func TestEngineHistoryBatchIdempotent(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)

	msgs := []*store.Message{
		{ChatJID: "a@s", MsgID: "m1", Body: "hello", MessageType: "text", Timestamp: 1000},
	}

	if err := e.IngestHistoryBatch(msgs); err != nil {
		t.Fatal(err)
	}
	if err := e.IngestHistoryBatch(msgs); err != nil {
		t.Fatal(err)
	}

	stored, _ := db.ListMessages("a@s", 0, 10)
	if len(stored) != 1 {
		t.Errorf("got %d messages, want 1 (idempotent batch)", len(stored))
	}
}

func TestReconcilerKeepsNewest(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, zap.NewNop())

	if err := r.RecordBatch(2, 5000); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordBatch(1, 4000); err != nil {
		t.Fatal(err)
	}
	if v, _ := r.GetCheckpoint(CheckpointHistoryNewest); v != "5000" {
		t.Errorf("newest = %q, want 5000", v)
	}
	if v, _ := r.GetCheckpoint(CheckpointHistoryCount); v != "3" {
		t.Errorf("count = %q, want 3", v)
	}
	if v, err := r.GetCheckpoint("missing"); err != nil || v != "" {
		t.Errorf("GetCheckpoint(missing) = %q, %v; want empty, nil", v, err)
	}
}

// waitUntil polls cond until it holds or a second passes.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestEngineBusSubscription verifies the engine processes events from the bus.
func TestEngineBusSubscription(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, zap.NewNop())

	e.Start(context.Background())
	defer e.Stop()

	b.Publish(bus.Event{
		Kind:      bus.KindWAMessage,
		Timestamp: time.Now(),
		Payload: &store.Message{
			ChatJID: "bus-test@s", MsgID: "bm1", Body: "from bus",
			MessageType: "text", Timestamp: 5000, FromMe: true,
		},
	})
	waitUntil(t, "live message", func() bool {
		msgs, _ := db.ListMessages("bus-test@s", 0, 10)
		return len(msgs) == 1 && msgs[0].Body == "from bus"
	})

	b.Publish(bus.Event{
		Kind:      bus.KindWAReceipt,
		Timestamp: time.Now(),
		Payload:   Receipt{ChatJID: "bus-test@s", MsgIDs: []string{"bm1"}, Status: "delivered"},
	})
	waitUntil(t, "receipt", func() bool {
		msgs, _ := db.ListMessages("bus-test@s", 0, 10)
		return len(msgs) == 1 && msgs[0].Status == "delivered"
	})

	b.Publish(bus.Event{
		Kind:      bus.KindWAHistoryBatch,
		Timestamp: time.Now(),
		Payload: []*store.Message{
			{ChatJID: "batch@s", MsgID: "hm1", Body: "history", MessageType: "text", Timestamp: 6000},
			{ChatJID: "batch@s", MsgID: "hm2", Body: "history2", MessageType: "text", Timestamp: 7000},
		},
	})
	waitUntil(t, "history batch", func() bool {
		msgs, _ := db.ListMessages("batch@s", 0, 10)
		return len(msgs) == 2
	})

	b.Publish(bus.Event{
		Kind:      bus.KindWAArchive,
		Timestamp: time.Now(),
		Payload:   Archive{ChatJID: "batch@s", Closed: true},
	})
	waitUntil(t, "archive flag", func() bool {
		c, _ := db.GetChat("batch@s")
		return c != nil && c.Closed
	})
}

func TestEngineStopWithoutStart(t *testing.T) {
	e := NewEngine(testDB(t), bus.New(), nil)
	e.Stop()
}
