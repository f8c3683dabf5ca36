// Package automation reads and writes the per-conversation automated
// responder flag. Unknown flags are treated as active so a failed lookup never
// silently disables a live responder.
package automation

import (
	"context"
	"fmt"

	"github.com/leadwave/wpsync/internal/bus"
	"github.com/leadwave/wpsync/internal/provider"
	"go.uber.org/zap"
)

// State is the known value of a flag.
type State int

const (
	// Unknown means the flag could not be read; it behaves as Active.
	Unknown State = iota
	Active
	Inactive
)

// Active reports whether the responder should be considered on.
func (s State) Active() bool {
	return s != Inactive
}

// Confirmed reports whether the value came from the backend.
func (s State) Confirmed() bool {
	return s != Unknown
}

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Inactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// FromBool converts a confirmed backend value.
func FromBool(active bool) State {
	if active {
		return Active
	}
	return Inactive
}

// Change is the payload of automation.changed events.
type Change struct {
	Key   string
	State State
}

// Toggle fetches and sets automation flags. It holds no state of its own.
type Toggle struct {
	flags  provider.FlagSource
	bus    *bus.Bus
	logger *zap.Logger
}

// NewToggle creates a toggle over the given flag source.
func NewToggle(flags provider.FlagSource, b *bus.Bus, logger *zap.Logger) *Toggle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Toggle{flags: flags, bus: b, logger: logger}
}

// Get returns the flag for key, or Unknown if the lookup fails.
func (t *Toggle) Get(ctx context.Context, key string) State {
	active, err := t.flags.AutomationFlag(ctx, key)
	if err != nil {
		t.logger.Debug("automation flag lookup failed, assuming active", zap.String("key", key), zap.Error(err))
		return Unknown
	}
	return FromBool(active)
}

// Set writes the flag. On failure it re-queries the backend and returns the
// re-read state with the error, so callers never assume the write landed.
func (t *Toggle) Set(ctx context.Context, key string, active bool) (State, error) {
	if err := t.flags.SetAutomationFlag(ctx, key, active); err != nil {
		t.logger.Warn("automation flag update failed", zap.String("key", key), zap.Bool("active", active), zap.Error(err))
		return t.Get(ctx, key), fmt.Errorf("set automation flag: %w", err)
	}
	st := FromBool(active)
	t.bus.Emit(bus.KindAutomationChanged, Change{Key: key, State: st})
	return st, nil
}
