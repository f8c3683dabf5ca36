// Package threads keeps the list of conversations and the derived views the
// client shows: filtered list, per-category counts and unread total.
package threads

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
	"go.uber.org/zap"
)

// DefaultPollInterval is how often the list is refreshed while usable.
const DefaultPollInterval = 10 * time.Second

// ErrUnusable is returned by Refresh when the connection cannot serve threads.
var ErrUnusable = errors.New("connection not usable")

// Counts is the number of threads in each category.
type Counts struct {
	All    int `json:"all"`
	Active int `json:"active"`
	Unread int `json:"unread"`
	Closed int `json:"closed"`
}

// Update is the payload of threads.updated events.
type Update struct {
	Filter Filter
	View   []domain.Thread
	Counts Counts
	Unread uint
}

// Config holds configuration for a Directory.
type Config struct {
	PollInterval time.Duration
	Now          func() time.Time
}

// Directory holds the last authoritative thread list. Filters never modify the
// list; they are applied on read.
type Directory struct {
	source provider.ThreadSource
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
	loop   *poll.Loop

	mu      sync.RWMutex
	threads []domain.Thread
	filter  Filter
	usable  bool
	loaded  bool
}

// NewDirectory creates an empty directory.
func NewDirectory(source provider.ThreadSource, b *bus.Bus, logger *zap.Logger, cfg Config) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	d := &Directory{
		source: source,
		bus:    b,
		logger: logger,
		now:    cfg.Now,
	}
	d.loop = poll.New(poll.Config{Interval: cfg.PollInterval, Tick: d.tick})
	return d
}

// Observe records whether the connection can serve threads.
func (d *Directory) Observe(st domain.ConnectionStatus) {
	d.mu.Lock()
	d.usable = st.Usable()
	d.mu.Unlock()
}

// Usable reports the last observed usability.
func (d *Directory) Usable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.usable
}

// Loaded reports whether a list has been fetched at least once.
func (d *Directory) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

// Refresh replaces the list with the backend's.
func (d *Directory) Refresh(ctx context.Context) error {
	if !d.Usable() {
		return ErrUnusable
	}
	list, err := d.source.Threads(ctx)
	if err != nil {
		return fmt.Errorf("fetch threads: %w", err)
	}
	d.mu.Lock()
	d.threads = list
	d.loaded = true
	d.mu.Unlock()

	d.publish()
	return nil
}

// Threads returns the unfiltered list.
func (d *Directory) Threads() []domain.Thread {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]domain.Thread(nil), d.threads...)
}

// Get looks up a thread by conversation key.
func (d *Directory) Get(key string) (domain.Thread, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, t := range d.threads {
		if t.ConversationKey() == key {
			return t, true
		}
	}
	return domain.Thread{}, false
}

// List returns the threads matching f without changing the current filter.
func (d *Directory) List(f Filter) []domain.Thread {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.listLocked(f)
}

// ApplyFilter makes f the current filter and returns the resulting view.
func (d *Directory) ApplyFilter(f Filter) []domain.Thread {
	d.mu.Lock()
	d.filter = f
	view := d.listLocked(f)
	d.mu.Unlock()

	d.publish()
	return view
}

// Filter returns the current filter.
func (d *Directory) Filter() Filter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.filter
}

// View returns the list under the current filter.
func (d *Directory) View() []domain.Thread {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.listLocked(d.filter)
}

// UnreadTotal sums unread counts over the whole list.
func (d *Directory) UnreadTotal() uint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.unreadLocked()
}

// Counts returns per-category counts over the whole list.
func (d *Directory) Counts() Counts {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.countsLocked()
}

// NoteOutgoing updates the preview of key after a local send.
func (d *Directory) NoteOutgoing(key, preview string) {
	if d.update(key, func(t *domain.Thread) {
		t.LastMessagePreview = preview
		t.LastMessageAt = d.now().UnixMilli()
	}) {
		d.publish()
	}
}

// MarkRead clears the unread count of key.
func (d *Directory) MarkRead(key string) {
	if d.update(key, func(t *domain.Thread) { t.UnreadCount = 0 }) {
		d.publish()
	}
}

// Remove deletes the thread on the backend and drops it from the list.
func (d *Directory) Remove(ctx context.Context, id int64) error {
	if err := d.source.RemoveThread(ctx, id); err != nil {
		return fmt.Errorf("remove thread %d: %w", id, err)
	}
	d.mu.Lock()
	kept := d.threads[:0:0]
	for _, t := range d.threads {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	d.threads = kept
	d.mu.Unlock()

	d.logger.Info("thread removed", zap.Int64("id", id))
	d.publish()
	return nil
}

// Start begins the periodic refresh. Ticks are skipped while unusable.
func (d *Directory) Start(ctx context.Context) {
	d.loop.Start(ctx)
}

// Stop ends the periodic refresh and waits for it to exit.
func (d *Directory) Stop() {
	d.loop.Stop()
}

func (d *Directory) tick(ctx context.Context) bool {
	if !d.Usable() {
		return false
	}
	if err := d.Refresh(ctx); err != nil {
		d.logger.Debug("thread poll failed", zap.Error(err))
	}
	return false
}

func (d *Directory) update(key string, fn func(*domain.Thread)) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.threads {
		if d.threads[i].ConversationKey() == key {
			fn(&d.threads[i])
			return true
		}
	}
	return false
}

func (d *Directory) publish() {
	d.mu.RLock()
	u := Update{
		Filter: d.filter,
		View:   d.listLocked(d.filter),
		Counts: d.countsLocked(),
		Unread: d.unreadLocked(),
	}
	d.mu.RUnlock()
	d.bus.Emit(bus.KindThreadsUpdated, u)
}

func (d *Directory) listLocked(f Filter) []domain.Thread {
	var out []domain.Thread
	for _, t := range d.threads {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	return out
}

func (d *Directory) countsLocked() Counts {
	var c Counts
	for _, t := range d.threads {
		c.All++
		if t.IsClosed {
			c.Closed++
		} else {
			c.Active++
		}
		if t.UnreadCount > 0 {
			c.Unread++
		}
	}
	return c
}

func (d *Directory) unreadLocked() uint {
	var n uint
	for _, t := range d.threads {
		n += t.UnreadCount
	}
	return n
}
