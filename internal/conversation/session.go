// Package conversation keeps the message list of the selected conversation in
// sync with the backend, including optimistic sends and their reconciliation.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/leadwave/wpsync/internal/automation"
	"github.com/leadwave/wpsync/internal/bus"
	"github.com/leadwave/wpsync/internal/domain"
	"github.com/leadwave/wpsync/internal/poll"
	"github.com/leadwave/wpsync/internal/provider"
	"go.uber.org/zap"
)

var (
	ErrEmptyDraft    = errors.New("draft has no text and no attachment")
	ErrSendInFlight  = errors.New("another send is in flight")
	ErrNotFailed     = errors.New("message is not a failed send")
	ErrSessionClosed = errors.New("conversation session closed")
	ErrNoMessage     = errors.New("message not in conversation")
)

// Draft is the composer content handed to Send and returned by Resend.
type Draft struct {
	Text       string
	Attachment *provider.Attachment
}

func (d Draft) outgoing() provider.Outgoing {
	return provider.Outgoing{Text: strings.TrimSpace(d.Text), Attachment: d.Attachment}
}

// Update is the payload of message.list_updated events.
type Update struct {
	Key      string
	Messages []domain.Message
}

// SendResult is the payload of message.sent and message.send_failed events.
type SendResult struct {
	Key string
	ID  int64
	Err error
}

// ThreadNotifier receives the side effects a session has on the thread list.
type ThreadNotifier interface {
	NoteOutgoing(key, preview string)
	MarkRead(key string)
}

// Session is the live state of one selected conversation. All methods are
// safe for concurrent use. Once closed, a session applies no further updates.
type Session struct {
	key      string
	source   provider.MessageSource
	toggle   *automation.Toggle
	notifier ThreadNotifier
	bus      *bus.Bus
	logger   *zap.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	loop   *poll.Loop
	wg     sync.WaitGroup

	mu          sync.Mutex
	messages    []domain.Message
	attachments map[int64]*provider.Attachment
	lastID      int64
	inflight    bool
	closed      bool
	loaded      bool
	automation  automation.State
	// fetch sequence numbers; a response older than the last applied one is dropped
	issued  uint64
	applied uint64
}

func newSession(key string, s *Synchronizer) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		key:         key,
		source:      s.source,
		toggle:      s.toggle,
		notifier:    s.notifier,
		bus:         s.bus,
		logger:      s.logger.With(zap.String("conversation", key)),
		now:         s.cfg.Now,
		ctx:         ctx,
		cancel:      cancel,
		attachments: make(map[int64]*provider.Attachment),
	}
	sess.loop = poll.New(poll.Config{
		Interval: s.cfg.PollInterval,
		Tick:     sess.tick,
	})
	return sess
}

// Key returns the conversation key.
func (s *Session) Key() string { return s.key }

// Messages returns a copy of the current list.
func (s *Session) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.messages...)
}

// Loaded reports whether at least one remote list has been applied.
func (s *Session) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Sending reports whether a send is in flight.
func (s *Session) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Automation returns the responder flag read when the session opened, or
// the last value set through SetAutomation.
func (s *Session) Automation() automation.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.automation
}

// SetAutomation writes the responder flag. On failure the returned state is
// the re-queried value, which is also what Automation reports afterwards.
func (s *Session) SetAutomation(ctx context.Context, active bool) (automation.State, error) {
	if s.Closed() {
		return automation.Unknown, ErrSessionClosed
	}
	st, err := s.toggle.Set(ctx, s.key, active)
	s.mu.Lock()
	if !s.closed {
		s.automation = st
	}
	s.mu.Unlock()
	return st, err
}

// Refresh fetches the remote list once and reconciles it with the local one.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.issued++
	seq := s.issued
	s.mu.Unlock()

	remote, err := s.source.Messages(ctx, s.key)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	s.apply(seq, remote)
	return nil
}

func (s *Session) apply(seq uint64, remote []domain.Message) {
	s.mu.Lock()
	if s.closed || seq < s.applied {
		s.mu.Unlock()
		return
	}
	s.applied = seq
	if s.loaded {
		s.messages = Merge(s.messages, remote)
	} else {
		s.messages = MergeFirst(s.messages, remote)
	}
	s.loaded = true
	s.pruneAttachmentsLocked()
	snapshot := append([]domain.Message(nil), s.messages...)
	s.mu.Unlock()

	s.bus.Emit(bus.KindMessagesUpdated, Update{Key: s.key, Messages: snapshot})
}

func (s *Session) tick(ctx context.Context) bool {
	if err := s.Refresh(ctx); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return true
		}
		s.logger.Debug("message poll failed", zap.Error(err))
	}
	return false
}

// Send appends a provisional pending message and dispatches it in the
// background. At most one send is in flight per session.
func (s *Session) Send(d Draft) (domain.Message, error) {
	out := d.outgoing()
	if out.Empty() {
		return domain.Message{}, ErrEmptyDraft
	}

	s.mu.Lock()
	if err := s.sendableLocked(); err != nil {
		s.mu.Unlock()
		return domain.Message{}, err
	}
	msg := s.enqueueLocked(out)
	snapshot := append([]domain.Message(nil), s.messages...)
	s.mu.Unlock()

	s.launch(msg, out, snapshot)
	return msg, nil
}

// Retry replaces the failed provisional id with a new pending one carrying
// the same content and dispatches it. When the send cannot start the failed
// entry stays where it is.
func (s *Session) Retry(id int64) (domain.Message, error) {
	s.mu.Lock()
	if err := s.sendableLocked(); err != nil {
		s.mu.Unlock()
		return domain.Message{}, err
	}
	i, err := s.failedIndexLocked(id)
	if err != nil {
		s.mu.Unlock()
		return domain.Message{}, err
	}
	out := Draft{Text: s.messages[i].Body, Attachment: s.attachments[id]}.outgoing()
	s.messages = append(s.messages[:i:i], s.messages[i+1:]...)
	delete(s.attachments, id)
	msg := s.enqueueLocked(out)
	snapshot := append([]domain.Message(nil), s.messages...)
	s.mu.Unlock()

	s.launch(msg, out, snapshot)
	return msg, nil
}

func (s *Session) sendableLocked() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.inflight {
		return ErrSendInFlight
	}
	return nil
}

// enqueueLocked appends a pending provisional for out and marks the send in
// flight.
func (s *Session) enqueueLocked(out provider.Outgoing) domain.Message {
	s.lastID--
	msg := domain.Message{
		ID:        s.lastID,
		Body:      out.Text,
		Direction: domain.Outbound,
		Status:    domain.StatusPending,
		Type:      domain.TypeText,
		Source:    domain.SourceHuman,
		CreatedAt: s.now(),
	}
	if out.Attachment != nil {
		msg.Type = out.Attachment.Type
		ref := out.Attachment.URL
		msg.MediaRef = &ref
		s.attachments[msg.ID] = out.Attachment
	}
	s.messages = append(s.messages, msg)
	s.inflight = true
	s.wg.Add(1)
	return msg
}

func (s *Session) launch(msg domain.Message, out provider.Outgoing, snapshot []domain.Message) {
	s.bus.Emit(bus.KindMessagesUpdated, Update{Key: s.key, Messages: snapshot})
	if s.notifier != nil {
		s.notifier.NoteOutgoing(s.key, preview(msg))
	}
	go s.dispatch(msg.ID, out)
}

func (s *Session) failedIndexLocked(id int64) (int, error) {
	for i, m := range s.messages {
		if m.ID != id {
			continue
		}
		if !m.Provisional() || m.Status != domain.StatusFailed {
			return -1, fmt.Errorf("message %d: %w", id, ErrNotFailed)
		}
		return i, nil
	}
	return -1, fmt.Errorf("message %d: %w", id, ErrNoMessage)
}

func (s *Session) dispatch(id int64, out provider.Outgoing) {
	defer s.wg.Done()

	err := s.source.SendMessage(s.ctx, s.key, out)

	s.mu.Lock()
	s.inflight = false
	if s.closed {
		s.mu.Unlock()
		return
	}
	if err != nil {
		for i := range s.messages {
			if s.messages[i].ID == id {
				s.messages[i].Status = domain.StatusFailed
				break
			}
		}
		snapshot := append([]domain.Message(nil), s.messages...)
		s.mu.Unlock()

		s.logger.Warn("send failed", zap.Int64("id", id), zap.Error(err))
		s.bus.Emit(bus.KindMessagesUpdated, Update{Key: s.key, Messages: snapshot})
		s.bus.Emit(bus.KindMessageSendFailed, SendResult{Key: s.key, ID: id, Err: err})
		return
	}
	s.mu.Unlock()

	s.bus.Emit(bus.KindMessageSent, SendResult{Key: s.key, ID: id})
	if err := s.Refresh(s.ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.logger.Debug("refresh after send failed", zap.Error(err))
	}
}

// Resend removes a failed provisional message and returns its content so
// the caller can edit and send it again. Use Retry to send it unchanged.
func (s *Session) Resend(id int64) (Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Draft{}, ErrSessionClosed
	}
	i, err := s.failedIndexLocked(id)
	if err != nil {
		return Draft{}, err
	}
	d := Draft{Text: s.messages[i].Body, Attachment: s.attachments[id]}
	s.messages = append(s.messages[:i:i], s.messages[i+1:]...)
	delete(s.attachments, id)
	snapshot := append([]domain.Message(nil), s.messages...)
	s.bus.Emit(bus.KindMessagesUpdated, Update{Key: s.key, Messages: snapshot})
	return d, nil
}

// Close stops the poll, aborts any in-flight request and waits for the
// background work to exit. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.loop.Stop()
	s.cancel()
	s.wg.Wait()
}

func (s *Session) start() {
	s.loop.Start(s.ctx)
}

func (s *Session) pruneAttachmentsLocked() {
	if len(s.attachments) == 0 {
		return
	}
	live := make(map[int64]bool, len(s.attachments))
	for _, m := range s.messages {
		if m.Provisional() {
			live[m.ID] = true
		}
	}
	for id := range s.attachments {
		if !live[id] {
			delete(s.attachments, id)
		}
	}
}

func preview(m domain.Message) string {
	if m.Body != "" {
		return m.Body
	}
	return "[" + string(m.Type) + "]"
}
