package automation

import (
	"context"
	"errors"
	"testing"

	"github.com/leadwave/wpsync/internal/bus"
)

// mockFlags records calls and returns configurable results.
type mockFlags struct {
	values  map[string]bool
	getErr  error
	setErr  error
	setCall int
}

func (m *mockFlags) AutomationFlag(_ context.Context, key string) (bool, error) {
	if m.getErr != nil {
		return false, m.getErr
	}
	return m.values[key], nil
}

func (m *mockFlags) SetAutomationFlag(_ context.Context, key string, active bool) error {
	m.setCall++
	if m.setErr != nil {
		return m.setErr
	}
	m.values[key] = active
	return nil
}

func TestGet(t *testing.T) {
	m := &mockFlags{values: map[string]bool{"on": true, "off": false}}
	tg := NewToggle(m, nil, nil)

	if got := tg.Get(context.Background(), "on"); got != Active {
		t.Errorf("Get(on) = %s, want active", got)
	}
	if got := tg.Get(context.Background(), "off"); got != Inactive {
		t.Errorf("Get(off) = %s, want inactive", got)
	}
}

// TestGetFailsOpen distinguishes "fetch failed, assumed on" from "confirmed off".
func TestGetFailsOpen(t *testing.T) {
	m := &mockFlags{values: map[string]bool{}, getErr: errors.New("timeout")}
	tg := NewToggle(m, nil, nil)

	got := tg.Get(context.Background(), "k")
	if got != Unknown {
		t.Fatalf("Get() = %s, want unknown", got)
	}
	if !got.Active() {
		t.Error("unknown state must behave as active")
	}
	if got.Confirmed() {
		t.Error("unknown state must not be confirmed")
	}
	if Inactive.Active() {
		t.Error("inactive must not be active")
	}
}

func TestSetPublishesChange(t *testing.T) {
	m := &mockFlags{values: map[string]bool{"k": true}}
	b := bus.New()
	ch, unsub := b.Subscribe("automation.", 1)
	defer unsub()
	tg := NewToggle(m, b, nil)

	st, err := tg.Set(context.Background(), "k", false)
	if err != nil {
		t.Fatal(err)
	}
	if st != Inactive {
		t.Errorf("Set() = %s, want inactive", st)
	}
	evt := <-ch
	change, ok := evt.Payload.(Change)
	if !ok || change.Key != "k" || change.State != Inactive {
		t.Errorf("event payload = %#v, want {k inactive}", evt.Payload)
	}
}

// TestSetFailureRequeries verifies a failed write reports the backend's
// current value instead of the requested one.
func TestSetFailureRequeries(t *testing.T) {
	m := &mockFlags{values: map[string]bool{"k": true}, setErr: errors.New("503")}
	tg := NewToggle(m, nil, nil)

	st, err := tg.Set(context.Background(), "k", false)
	if err == nil {
		t.Fatal("Set() should report the failure")
	}
	if st != Active {
		t.Errorf("state after failed Set = %s, want active (unchanged)", st)
	}
}

func TestSetFailureAndRequeryFailure(t *testing.T) {
	m := &mockFlags{values: map[string]bool{}, setErr: errors.New("503"), getErr: errors.New("503")}
	tg := NewToggle(m, nil, nil)

	st, err := tg.Set(context.Background(), "k", false)
	if err == nil {
		t.Fatal("Set() should report the failure")
	}
	if st != Unknown || !st.Active() {
		t.Errorf("state = %s, want unknown (fail open)", st)
	}
}
