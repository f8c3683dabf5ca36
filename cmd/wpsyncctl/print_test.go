package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/leadwave/wpsync/internal/domain"
	"github.com/leadwave/wpsync/internal/rpc"
)

func TestFormatMessage(t *testing.T) {
	at := time.Date(2026, 3, 1, 15, 4, 0, 0, time.Local)
	tests := []struct {
		name string
		msg  domain.Message
		want string
	}{
		{"inbound", domain.Message{Body: "oi", Direction: domain.Inbound, Status: domain.StatusDelivered, Type: domain.TypeText, CreatedAt: at}, "<  3:04PM oi (delivered)"},
		{"outbound", domain.Message{Body: "ok", Direction: domain.Outbound, Status: domain.StatusSent, Type: domain.TypeText, CreatedAt: at}, ">  3:04PM ok (sent)"},
		{"media without caption", domain.Message{Direction: domain.Inbound, Status: domain.StatusRead, Type: domain.TypeImage}, "<   --:-- [image] (read)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatMessage(tt.msg); got != tt.want {
				t.Errorf("formatMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrinterThreads(t *testing.T) {
	var buf bytes.Buffer
	p := printer{w: &buf}
	p.threads(rpc.ThreadsReply{
		Threads: []domain.Thread{
			{ID: 1, DisplayName: "Ana", Phone: "5511", UnreadCount: 2, LastMessagePreview: "hello"},
			{ID: 2, DisplayName: "Bruno", Phone: "5522", IsClosed: true},
		},
		Unread: 2,
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if !strings.HasPrefix(lines[0], "* 1") {
		t.Errorf("unread thread line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "x 2") {
		t.Errorf("closed thread line = %q", lines[1])
	}
	if !strings.Contains(buf.String(), "2 shown, 2 unread") {
		t.Errorf("missing summary in %q", buf.String())
	}
}

func TestPrinterJSON(t *testing.T) {
	var buf bytes.Buffer
	p := printer{json: true, w: &buf}
	p.automation(rpc.AutomationReply{State: "active", Active: true, Confirmed: true})

	var got rpc.AutomationReply
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if !got.Active || got.State != "active" {
		t.Errorf("got %+v", got)
	}
}

func TestParseOnOff(t *testing.T) {
	for in, want := range map[string]bool{"on": true, "ON": true, "true": true, "off": false, "0": false} {
		got, err := parseOnOff(in)
		if err != nil || got != want {
			t.Errorf("parseOnOff(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := parseOnOff("maybe"); err == nil {
		t.Error("expected error for invalid value")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("olá mundo inteiro", 5); got != "olá …" {
		t.Errorf("truncate = %q", got)
	}
}

func TestHandleConnectEvent(t *testing.T) {
	if handleConnectEvent(rpc.Event{Kind: "connection.state_changed", Payload: map[string]any{"from": "DISCONNECTED", "to": "PAIRING"}}) {
		t.Error("pairing state should not finish connect")
	}
	if !handleConnectEvent(rpc.Event{Kind: "connection.state_changed", Payload: map[string]any{"from": "PAIRING", "to": "CONNECTED"}}) {
		t.Error("connected state should finish connect")
	}
	if handleConnectEvent(rpc.Event{Kind: "connection.status", Payload: nil}) {
		t.Error("status event should not finish connect")
	}
}
