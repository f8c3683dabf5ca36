// Package connection drives the provider connection lifecycle: pairing
// attempts, waiting for the pairing token to be scanned and watching a live
// connection for drops.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/leadwave/wpsync/internal/bus"
	"github.com/leadwave/wpsync/internal/domain"
	"github.com/leadwave/wpsync/internal/poll"
	"github.com/leadwave/wpsync/internal/provider"
	"github.com/leadwave/wpsync/internal/status"
	"go.uber.org/zap"
)

var (
	// ErrPairingExhausted is reported when the attempt budget runs out
	// without a pairing token or a connection.
	ErrPairingExhausted = errors.New("pairing attempts exhausted")
	// ErrPairingExpired is reported when a shown token was not scanned in time.
	ErrPairingExpired = errors.New("pairing token expired")
	// ErrFailed is returned by Connect while the machine is in the Error state.
	ErrFailed = errors.New("connection failed; reset required")
)

// ProviderStore persists the selected provider.
type ProviderStore interface {
	Provider() (domain.Provider, error)
	SetProvider(p domain.Provider) error
}

// Config holds configuration for a Manager.
type Config struct {
	PairingAttempts int
	PairingInterval time.Duration
	WatchInterval   time.Duration
	PairingWindow   time.Duration
	StatusInterval  time.Duration
	Now             func() time.Time
}

// DefaultConfig returns the stock intervals.
func DefaultConfig() Config {
	return Config{
		PairingAttempts: 10,
		PairingInterval: 2500 * time.Millisecond,
		WatchInterval:   5 * time.Second,
		PairingWindow:   2 * time.Minute,
		StatusInterval:  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PairingAttempts <= 0 {
		c.PairingAttempts = d.PairingAttempts
	}
	if c.PairingInterval <= 0 {
		c.PairingInterval = d.PairingInterval
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = d.WatchInterval
	}
	if c.PairingWindow <= 0 {
		c.PairingWindow = d.PairingWindow
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = d.StatusInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Phase names the poll currently running.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseAttempt Phase = "attempt"
	PhaseWatch   Phase = "watch"
	PhaseMonitor Phase = "monitor"
)

// Failure is the payload of connection.pairing_failed events.
type Failure struct {
	Provider domain.Provider
	Err      error
}

// Manager owns the connection state machine and at most one poll loop.
type Manager struct {
	source  provider.StatusSource
	prefs   ProviderStore
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	provider domain.Provider
	last     domain.ConnectionStatus
	pairing  *domain.PairingSession
	deadline time.Time
	attempts int
	failure  error
	loop     *poll.Loop
	phase    Phase
	// gen invalidates ticks of a loop that has been stopped or replaced.
	gen uint64
}

// NewManager creates a manager in the Disconnected state using the provider
// stored in prefs.
func NewManager(source provider.StatusSource, prefs ProviderStore, machine *status.Machine, b *bus.Bus, logger *zap.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	p, err := prefs.Provider()
	if err != nil {
		logger.Warn("reading provider preference failed, using default", zap.Error(err))
	}
	if !p.Valid() {
		p = domain.ProviderPairing
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		source:   source,
		prefs:    prefs,
		machine:  machine,
		bus:      b,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		provider: p,
		phase:    PhaseIdle,
	}
}

// State returns the lifecycle state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Provider returns the selected provider.
func (m *Manager) Provider() domain.Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provider
}

// Status returns the last polled provider status.
func (m *Manager) Status() domain.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Phase returns the poll currently running.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Pairing returns the token being shown, or nil.
func (m *Manager) Pairing() *domain.PairingSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pairing == nil {
		return nil
	}
	p := *m.pairing
	return &p
}

// LastFailure returns the last user-visible pairing failure, cleared by Connect.
func (m *Manager) LastFailure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure
}

// Connect starts the provider and begins pairing. It returns once the first
// attempt is scheduled; progress is reported on the bus. Calling Connect while
// pairing or connected does nothing.
func (m *Manager) Connect(ctx context.Context) error {
	switch m.machine.Current() {
	case status.Pairing, status.Connected:
		return nil
	case status.Error:
		return ErrFailed
	}

	p := m.Provider()
	if err := m.source.Start(ctx, p); err != nil {
		m.logger.Warn("provider start failed", zap.String("provider", string(p)), zap.Error(err))
		_ = m.machine.Transition(status.Error)
		return fmt.Errorf("start %s: %w", p, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.machine.TransitionFrom(status.Disconnected, status.Pairing) {
		return nil
	}
	m.failure = nil
	m.attempts = 0
	m.logger.Info("pairing started", zap.String("provider", string(p)))
	m.startLocked(PhaseAttempt, m.cfg.PairingInterval, true, m.attempt)
	return nil
}

// Resume adopts a connection the backend already has, for example after a
// daemon restart. It reports whether the manager is now Connected.
func (m *Manager) Resume(ctx context.Context) (bool, error) {
	st, err := m.source.Status(ctx)
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observeLocked(st)
	if !st.Connected {
		return false, nil
	}
	if !m.machine.TransitionFrom(status.Disconnected, status.Pairing) {
		return m.machine.Current() == status.Connected, nil
	}
	m.enterConnectedLocked()
	return true, nil
}

// Disconnect stops polling and ends the provider session.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.stopLoop()
	if err := m.source.Disconnect(ctx); err != nil {
		m.logger.Warn("disconnect failed", zap.Error(err))
		m.mu.Lock()
		if m.machine.Current() == status.Connected && m.loop == nil {
			m.startLocked(PhaseMonitor, m.cfg.StatusInterval, false, m.monitor)
		}
		m.mu.Unlock()
		return fmt.Errorf("disconnect: %w", err)
	}
	m.mu.Lock()
	m.pairing = nil
	m.last = domain.ConnectionStatus{Provider: m.provider}
	m.mu.Unlock()
	m.toDisconnected()
	m.logger.Info("disconnected")
	return nil
}

// CancelPairing stops an ongoing pairing and returns to Disconnected.
func (m *Manager) CancelPairing() {
	m.stopLoop()
	m.mu.Lock()
	m.pairing = nil
	m.mu.Unlock()
	m.machine.TransitionFrom(status.Pairing, status.Disconnected)
}

// SwitchProvider persists a new provider. Any running poll is cancelled
// first; a live or pairing session is torn down and the manager is left
// Disconnected, ready to pair with the new provider.
func (m *Manager) SwitchProvider(ctx context.Context, p domain.Provider) error {
	if !p.Valid() {
		return fmt.Errorf("unknown provider %q", p)
	}
	m.stopLoop()

	if st := m.machine.Current(); st == status.Connected || st == status.Pairing {
		if err := m.source.Disconnect(ctx); err != nil {
			m.logger.Warn("disconnect before provider switch failed", zap.Error(err))
		}
	}
	m.machine.Reset()

	if err := m.prefs.SetProvider(p); err != nil {
		return fmt.Errorf("save provider: %w", err)
	}
	m.mu.Lock()
	m.provider = p
	m.pairing = nil
	m.failure = nil
	m.last = domain.ConnectionStatus{Provider: p}
	m.mu.Unlock()

	m.logger.Info("provider switched", zap.String("provider", string(p)))
	return nil
}

// Reset leaves the Error state.
func (m *Manager) Reset() {
	m.stopLoop()
	m.mu.Lock()
	m.pairing = nil
	m.mu.Unlock()
	m.machine.Reset()
}

// Close stops polling. The state is left as is.
func (m *Manager) Close() {
	m.stopLoop()
	m.cancel()
}

// stopLoop cancels the running poll and waits for it. Must not be called
// from a tick.
func (m *Manager) stopLoop() {
	m.mu.Lock()
	m.gen++
	l := m.loop
	m.loop = nil
	m.phase = PhaseIdle
	m.mu.Unlock()
	if l != nil {
		l.Stop()
	}
}

// startLocked starts a new poll for phase. The previous loop, if any, must
// have been stopped or be finishing its last tick.
func (m *Manager) startLocked(phase Phase, interval time.Duration, immediate bool, tick func(ctx context.Context, gen uint64) bool) {
	m.gen++
	gen := m.gen
	l := poll.New(poll.Config{
		Interval:  interval,
		Immediate: immediate,
		Tick:      func(ctx context.Context) bool { return tick(ctx, gen) },
	})
	m.loop = l
	m.phase = phase
	l.Start(m.ctx)
}

// currentLocked reports whether gen still owns the manager. Caller holds m.mu.
func (m *Manager) currentLocked(gen uint64) bool {
	return m.gen == gen
}

func (m *Manager) endLocked() {
	m.loop = nil
	m.phase = PhaseIdle
}

func (m *Manager) observeLocked(st domain.ConnectionStatus) {
	m.last = st
	m.bus.Emit(bus.KindConnectionStatus, st)
}

// pollStatus fetches status and publishes it. ok is false when the fetch
// failed or the tick is stale; m.mu is held on return only when ok is true.
func (m *Manager) pollStatus(ctx context.Context, gen uint64) (domain.ConnectionStatus, bool) {
	st, err := m.source.Status(ctx)
	if err != nil {
		m.logger.Debug("status poll failed", zap.Error(err))
		return st, false
	}
	m.mu.Lock()
	if !m.currentLocked(gen) {
		m.mu.Unlock()
		return st, false
	}
	m.observeLocked(st)
	return st, true
}

func (m *Manager) attempt(ctx context.Context, gen uint64) bool {
	if st, ok := m.pollStatus(ctx, gen); ok {
		if st.Connected {
			m.enterConnectedLocked()
			m.mu.Unlock()
			return true
		}
		m.mu.Unlock()
	}

	if m.Provider() == domain.ProviderPairing {
		tok, err := m.source.PairingToken(ctx)
		switch {
		case err != nil:
			m.logger.Debug("pairing token fetch failed", zap.Error(err))
		case tok.AlreadyConnected:
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.currentLocked(gen) {
				m.enterConnectedLocked()
			}
			return true
		case tok.Token != "":
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.currentLocked(gen) {
				m.showTokenLocked(tok.Token)
				m.deadline = m.cfg.Now().Add(m.cfg.PairingWindow)
				m.startLocked(PhaseWatch, m.cfg.WatchInterval, false, m.watch)
			}
			return true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(gen) {
		return true
	}
	m.attempts++
	if m.attempts < m.cfg.PairingAttempts {
		return false
	}
	m.logger.Warn("pairing attempts exhausted", zap.Int("attempts", m.attempts))
	m.failLocked(ErrPairingExhausted)
	return true
}

func (m *Manager) watch(ctx context.Context, gen uint64) bool {
	if st, ok := m.pollStatus(ctx, gen); ok {
		if st.Connected {
			m.enterConnectedLocked()
			m.mu.Unlock()
			return true
		}
		m.mu.Unlock()
	}

	// Tokens rotate while waiting to be scanned.
	if tok, err := m.source.PairingToken(ctx); err == nil && tok.Token != "" {
		m.mu.Lock()
		if m.currentLocked(gen) && (m.pairing == nil || m.pairing.Token != tok.Token) {
			m.showTokenLocked(tok.Token)
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(gen) {
		return true
	}
	if m.cfg.Now().Before(m.deadline) {
		return false
	}
	m.logger.Warn("pairing window elapsed without scan")
	m.failLocked(ErrPairingExpired)
	return true
}

func (m *Manager) monitor(ctx context.Context, gen uint64) bool {
	st, ok := m.pollStatus(ctx, gen)
	if !ok {
		return false
	}
	defer m.mu.Unlock()
	if st.Connected {
		return false
	}
	m.logger.Info("provider reported disconnected")
	m.endLocked()
	m.machine.TransitionFrom(status.Connected, status.Disconnected)
	return true
}

func (m *Manager) showTokenLocked(token string) {
	m.pairing = &domain.PairingSession{Token: token, IssuedAt: m.cfg.Now()}
	m.bus.Emit(bus.KindPairingToken, *m.pairing)
}

func (m *Manager) enterConnectedLocked() {
	m.pairing = nil
	if m.machine.TransitionFrom(status.Pairing, status.Connected) {
		m.logger.Info("connected", zap.String("provider", string(m.provider)))
	}
	m.startLocked(PhaseMonitor, m.cfg.StatusInterval, false, m.monitor)
}

func (m *Manager) failLocked(err error) {
	m.pairing = nil
	m.failure = err
	m.endLocked()
	m.machine.TransitionFrom(status.Pairing, status.Disconnected)
	m.bus.Emit(bus.KindPairingFailed, Failure{Provider: m.provider, Err: err})
}

func (m *Manager) toDisconnected() {
	switch m.machine.Current() {
	case status.Pairing:
		m.machine.TransitionFrom(status.Pairing, status.Disconnected)
	case status.Connected:
		m.machine.TransitionFrom(status.Connected, status.Disconnected)
	}
}
