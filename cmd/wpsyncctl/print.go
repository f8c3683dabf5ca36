package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/leadwave/wpsync/internal/domain"
	"github.com/leadwave/wpsync/internal/rpc"
)

// printer renders replies as text or, with --json, as indented JSON.
type printer struct {
	json bool
	w    io.Writer
}

func (p printer) out() io.Writer {
	if p.w == nil {
		return os.Stdout
	}
	return p.w
}

func (p printer) encode(v any) {
	enc := json.NewEncoder(p.out())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func (p printer) status(st rpc.StatusReply) {
	if p.json {
		p.encode(st)
		return
	}
	w := p.out()
	fmt.Fprintf(w, "State:    %s\n", st.State)
	fmt.Fprintf(w, "Provider: %s\n", st.Provider)
	fmt.Fprintf(w, "Phase:    %s\n", st.Phase)
	fmt.Fprintf(w, "Threads:  %d (%d unread)\n", st.Threads, st.Unread)
	if st.Active != "" {
		fmt.Fprintf(w, "Open:     %s\n", st.Active)
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "Error:    %s\n", st.LastError)
	}
}

func (p printer) threads(r rpc.ThreadsReply) {
	if p.json {
		p.encode(r)
		return
	}
	w := p.out()
	if len(r.Threads) == 0 {
		fmt.Fprintln(w, "No conversations.")
		return
	}
	for _, t := range r.Threads {
		mark := " "
		if t.IsClosed {
			mark = "x"
		} else if t.UnreadCount > 0 {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %-6d %-24s %-16s %3d  %s\n", mark, t.ID, truncate(t.DisplayName, 24), t.Phone, t.UnreadCount, truncate(t.LastMessagePreview, 40))
	}
	fmt.Fprintf(w, "\n%d shown, %d unread\n", len(r.Threads), r.Unread)
}

func (p printer) conversation(c rpc.ConversationReply) {
	if p.json {
		p.encode(c)
		return
	}
	w := p.out()
	fmt.Fprintf(w, "%s  automation: %s\n\n", c.Key, c.Automation.State)
	for _, m := range c.Messages {
		fmt.Fprintln(w, formatMessage(m))
	}
}

func (p printer) send(r rpc.SendReply) {
	if p.json {
		p.encode(r)
		return
	}
	switch {
	case r.Error != "":
		fmt.Fprintf(p.out(), "failed (id %d): %s\n", r.Message.ID, r.Error)
	case r.Confirmed:
		fmt.Fprintln(p.out(), "sent")
	default:
		fmt.Fprintf(p.out(), "queued (id %d)\n", r.Message.ID)
	}
}

func (p printer) automation(r rpc.AutomationReply) {
	if p.json {
		p.encode(r)
		return
	}
	fmt.Fprintf(p.out(), "automation: %s\n", r.State)
}

func (p printer) prefs(v rpc.Preferences) {
	if p.json {
		p.encode(v)
		return
	}
	fmt.Fprintf(p.out(), "provider:        %s\n", v.Provider)
	fmt.Fprintf(p.out(), "webhook_confirm: %s\n", v.WebhookConfirm)
}

func formatMessage(m domain.Message) string {
	arrow := "<"
	if m.Direction == domain.Outbound {
		arrow = ">"
	}
	ts := "--:--"
	if !m.CreatedAt.IsZero() {
		ts = m.CreatedAt.Local().Format(time.Kitchen)
	}
	body := m.Body
	if body == "" && m.Type != domain.TypeText {
		body = "[" + string(m.Type) + "]"
	}
	return fmt.Sprintf("%s %7s %s (%s)", arrow, ts, body, m.Status)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
