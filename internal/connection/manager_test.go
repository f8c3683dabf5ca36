package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leadwave/wpsync/internal/bus"
	"github.com/leadwave/wpsync/internal/domain"
	"github.com/leadwave/wpsync/internal/provider"
	"github.com/leadwave/wpsync/internal/status"
)

// fakeSource is a scriptable provider status endpoint.
type fakeSource struct {
	mu               sync.Mutex
	connected        bool
	token            string
	alreadyConnected bool
	startErr         error
	disconnectErr    error
	statusCalls      int
	tokenCalls       int
	started          []domain.Provider
	disconnects      int
}

func (f *fakeSource) Status(context.Context) (domain.ConnectionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	return domain.ConnectionStatus{Connected: f.connected, Ready: f.connected, Configured: true, QRRequired: !f.connected}, nil
}

func (f *fakeSource) PairingToken(context.Context) (provider.PairingToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls++
	return provider.PairingToken{Token: f.token, AlreadyConnected: f.alreadyConnected}, nil
}

func (f *fakeSource) Start(_ context.Context, p domain.Provider) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, p)
	return f.startErr
}

func (f *fakeSource) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	if f.disconnectErr != nil {
		return f.disconnectErr
	}
	f.connected = false
	return nil
}

func (f *fakeSource) set(fn func(f *fakeSource)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeSource) calls() (status, token int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls, f.tokenCalls
}

type memPrefs struct {
	mu sync.Mutex
	p  domain.Provider
}

func (m *memPrefs) Provider() (domain.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.p, nil
}

func (m *memPrefs) SetProvider(p domain.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.p = p
	return nil
}

func fastConfig() Config {
	return Config{
		PairingAttempts: 3,
		PairingInterval: time.Millisecond,
		WatchInterval:   time.Millisecond,
		PairingWindow:   time.Hour,
		StatusInterval:  time.Millisecond,
	}
}

func newTestManager(t *testing.T, src *fakeSource, cfg Config) (*Manager, *bus.Bus) {
	t.Helper()
	b := bus.New()
	m := NewManager(src, &memPrefs{}, status.NewMachine(b), b, nil, cfg)
	t.Cleanup(m.Close)
	return m, b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(time.Millisecond):
		}
	}
}

func waitEvent(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return bus.Event{}
	}
}

func TestPairingAttemptBudget(t *testing.T) {
	src := &fakeSource{}
	m, b := newTestManager(t, src, fastConfig())
	failures, unsub := b.Subscribe(bus.KindPairingFailed, 4)
	defer unsub()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.State() != status.Pairing {
		t.Fatalf("state = %s, want PAIRING", m.State())
	}

	evt := waitEvent(t, failures)
	if f := evt.Payload.(Failure); !errors.Is(f.Err, ErrPairingExhausted) {
		t.Errorf("failure = %v, want ErrPairingExhausted", f.Err)
	}
	waitFor(t, "idle", func() bool { return m.Phase() == PhaseIdle })

	if m.State() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", m.State())
	}
	if st, tok := src.calls(); st != 3 || tok != 3 {
		t.Errorf("calls = %d status, %d token; want 3 each", st, tok)
	}
	if !errors.Is(m.LastFailure(), ErrPairingExhausted) {
		t.Errorf("LastFailure() = %v", m.LastFailure())
	}

	select {
	case evt := <-failures:
		t.Errorf("failure published twice: %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestConnectShowsTokenThenConnects(t *testing.T) {
	src := &fakeSource{token: "qr-1"}
	m, b := newTestManager(t, src, fastConfig())
	tokens, unsub := b.Subscribe(bus.KindPairingToken, 8)
	defer unsub()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	evt := waitEvent(t, tokens)
	if ps := evt.Payload.(domain.PairingSession); ps.Token != "qr-1" {
		t.Errorf("token = %q, want qr-1", ps.Token)
	}
	waitFor(t, "watch phase", func() bool { return m.Phase() == PhaseWatch })
	if p := m.Pairing(); p == nil || p.Token != "qr-1" {
		t.Errorf("Pairing() = %+v", p)
	}

	// The token rotates while waiting.
	src.set(func(f *fakeSource) { f.token = "qr-2" })
	evt = waitEvent(t, tokens)
	if ps := evt.Payload.(domain.PairingSession); ps.Token != "qr-2" {
		t.Errorf("rotated token = %q, want qr-2", ps.Token)
	}

	src.set(func(f *fakeSource) { f.connected = true })
	waitFor(t, "connected", func() bool { return m.State() == status.Connected })
	waitFor(t, "monitor phase", func() bool { return m.Phase() == PhaseMonitor })
	if m.Pairing() != nil {
		t.Error("pairing token still shown after connect")
	}
	if !m.Status().Usable() {
		t.Errorf("Status() = %+v, want usable", m.Status())
	}
}

func TestAlreadyConnectedToken(t *testing.T) {
	src := &fakeSource{alreadyConnected: true}
	m, _ := newTestManager(t, src, fastConfig())

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return m.State() == status.Connected })
}

func TestMonitorDetectsDrop(t *testing.T) {
	src := &fakeSource{connected: true}
	m, _ := newTestManager(t, src, fastConfig())

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return m.State() == status.Connected })

	src.set(func(f *fakeSource) { f.connected = false })
	waitFor(t, "disconnected", func() bool { return m.State() == status.Disconnected })
	waitFor(t, "idle", func() bool { return m.Phase() == PhaseIdle })
}

func TestPairingWindowExpires(t *testing.T) {
	src := &fakeSource{token: "qr"}
	cfg := fastConfig()
	cfg.PairingWindow = 20 * time.Millisecond
	m, b := newTestManager(t, src, cfg)
	failures, unsub := b.Subscribe(bus.KindPairingFailed, 4)
	defer unsub()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	evt := waitEvent(t, failures)
	if f := evt.Payload.(Failure); !errors.Is(f.Err, ErrPairingExpired) {
		t.Errorf("failure = %v, want ErrPairingExpired", f.Err)
	}
	waitFor(t, "disconnected", func() bool { return m.State() == status.Disconnected })
	if m.Pairing() != nil {
		t.Error("expired token still shown")
	}
}

func TestStartFailureEntersError(t *testing.T) {
	src := &fakeSource{startErr: errors.New("provider not configured")}
	m, _ := newTestManager(t, src, fastConfig())

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if m.State() != status.Error {
		t.Fatalf("state = %s, want ERROR", m.State())
	}
	if err := m.Connect(context.Background()); !errors.Is(err, ErrFailed) {
		t.Errorf("Connect in ERROR = %v, want ErrFailed", err)
	}

	m.Reset()
	if m.State() != status.Disconnected {
		t.Errorf("state after Reset = %s", m.State())
	}
}

func TestCancelPairingStopsPolling(t *testing.T) {
	src := &fakeSource{}
	cfg := fastConfig()
	cfg.PairingAttempts = 1 << 20
	m, _ := newTestManager(t, src, cfg)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "a few attempts", func() bool { st, _ := src.calls(); return st >= 3 })

	m.CancelPairing()
	before, _ := src.calls()
	time.Sleep(20 * time.Millisecond)
	if after, _ := src.calls(); after != before {
		t.Errorf("polled %d more times after CancelPairing", after-before)
	}
	if m.State() != status.Disconnected || m.Phase() != PhaseIdle {
		t.Errorf("state = %s phase = %s", m.State(), m.Phase())
	}
}

func TestSwitchProviderWhileConnected(t *testing.T) {
	src := &fakeSource{connected: true}
	b := bus.New()
	prefs := &memPrefs{p: domain.ProviderPairing}
	m := NewManager(src, prefs, status.NewMachine(b), b, nil, fastConfig())
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return m.State() == status.Connected })

	if err := m.SwitchProvider(context.Background(), domain.ProviderCloudAPI); err != nil {
		t.Fatalf("SwitchProvider: %v", err)
	}
	if m.State() != status.Disconnected || m.Phase() != PhaseIdle {
		t.Errorf("state = %s phase = %s, want DISCONNECTED idle", m.State(), m.Phase())
	}
	if m.Provider() != domain.ProviderCloudAPI {
		t.Errorf("Provider() = %s", m.Provider())
	}
	if p, _ := prefs.Provider(); p != domain.ProviderCloudAPI {
		t.Errorf("stored provider = %s", p)
	}
	src.mu.Lock()
	disconnects := src.disconnects
	src.mu.Unlock()
	if disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", disconnects)
	}

	if err := m.SwitchProvider(context.Background(), "fax"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestCloudAPISkipsTokenFetch(t *testing.T) {
	src := &fakeSource{}
	b := bus.New()
	m := NewManager(src, &memPrefs{p: domain.ProviderCloudAPI}, status.NewMachine(b), b, nil, fastConfig())
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "idle", func() bool { return m.Phase() == PhaseIdle })
	if _, tok := src.calls(); tok != 0 {
		t.Errorf("token fetched %d times for cloud_api", tok)
	}
	src.mu.Lock()
	started := src.started
	src.mu.Unlock()
	if len(started) != 1 || started[0] != domain.ProviderCloudAPI {
		t.Errorf("started = %v", started)
	}
}

func TestEveryTickPublishesStatus(t *testing.T) {
	src := &fakeSource{connected: true}
	m, b := newTestManager(t, src, fastConfig())
	statuses, unsub := b.Subscribe(bus.KindConnectionStatus, 64)
	defer unsub()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for i := 0; i < 5; i++ {
		evt := waitEvent(t, statuses)
		if !evt.Payload.(domain.ConnectionStatus).Connected {
			t.Fatalf("status %d not connected", i)
		}
	}
}

func TestDisconnect(t *testing.T) {
	src := &fakeSource{connected: true}
	m, _ := newTestManager(t, src, fastConfig())

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return m.State() == status.Connected })

	src.set(func(f *fakeSource) { f.disconnectErr = errors.New("503") })
	if err := m.Disconnect(context.Background()); err == nil {
		t.Fatal("expected disconnect error")
	}
	if m.State() != status.Connected || m.Phase() != PhaseMonitor {
		t.Errorf("after failed disconnect state = %s phase = %s", m.State(), m.Phase())
	}

	src.set(func(f *fakeSource) { f.disconnectErr = nil })
	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if m.State() != status.Disconnected || m.Phase() != PhaseIdle {
		t.Errorf("state = %s phase = %s", m.State(), m.Phase())
	}
}

func TestResume(t *testing.T) {
	src := &fakeSource{connected: true}
	m, _ := newTestManager(t, src, fastConfig())

	ok, err := m.Resume(context.Background())
	if err != nil || !ok {
		t.Fatalf("Resume = %v, %v", ok, err)
	}
	if m.State() != status.Connected || m.Phase() != PhaseMonitor {
		t.Errorf("state = %s phase = %s", m.State(), m.Phase())
	}

	idle := &fakeSource{}
	m2, _ := newTestManager(t, idle, fastConfig())
	if ok, _ := m2.Resume(context.Background()); ok || m2.State() != status.Disconnected {
		t.Errorf("Resume on idle backend = %v, state %s", ok, m2.State())
	}
}
