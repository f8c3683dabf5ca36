package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/leadwave/wpsync/internal/automation"
	"github.com/leadwave/wpsync/internal/bus"
	"github.com/leadwave/wpsync/internal/provider"
	"go.uber.org/zap"
)

// DefaultPollInterval is the reconciliation interval of the open conversation.
const DefaultPollInterval = 3 * time.Second

// Config holds configuration for a Synchronizer.
type Config struct {
	PollInterval time.Duration
	// Now stamps provisional messages. Defaults to time.Now.
	Now func() time.Time
}

// Synchronizer owns the single open conversation session.
type Synchronizer struct {
	source   provider.MessageSource
	toggle   *automation.Toggle
	notifier ThreadNotifier
	bus      *bus.Bus
	logger   *zap.Logger
	cfg      Config

	mu     sync.Mutex
	active *Session
}

// NewSynchronizer creates a synchronizer. notifier may be nil.
func NewSynchronizer(source provider.MessageSource, toggle *automation.Toggle, notifier ThreadNotifier, b *bus.Bus, logger *zap.Logger, cfg Config) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Synchronizer{
		source:   source,
		toggle:   toggle,
		notifier: notifier,
		bus:      b,
		logger:   logger,
		cfg:      cfg,
	}
}

// Select opens the conversation for key, closing the previous one first.
// It reads the automation flag, loads the message list once and starts the
// reconciliation poll. A failed initial load is retried by the poll.
func (s *Synchronizer) Select(ctx context.Context, key string) (*Session, error) {
	if key == "" {
		return nil, errors.New("conversation key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		s.active.Close()
		s.active = nil
	}

	sess := newSession(key, s)
	sess.automation = s.toggle.Get(ctx, key)
	if s.notifier != nil {
		s.notifier.MarkRead(key)
	}
	if err := sess.Refresh(ctx); err != nil {
		sess.logger.Debug("initial message load failed", zap.Error(err))
	}
	sess.start()
	s.active = sess

	s.logger.Info("conversation selected", zap.String("key", key))
	return sess, nil
}

// Active returns the open session, or nil.
func (s *Synchronizer) Active() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Session returns the open session if it is for key.
func (s *Synchronizer) Session(key string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.key != key {
		return nil, false
	}
	return s.active, true
}

// Deselect closes the open session, if any.
func (s *Synchronizer) Deselect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.active.Close()
		s.active = nil
	}
}

// Close is Deselect; it exists for lifecycle hooks.
func (s *Synchronizer) Close() {
	s.Deselect()
}
