package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/leadwave/wpsync/internal/config"
	"github.com/leadwave/wpsync/internal/domain"
	"github.com/leadwave/wpsync/internal/rpc"
	"github.com/leadwave/wpsync/internal/session"
	"github.com/leadwave/wpsync/internal/status"
	"github.com/leadwave/wpsync/internal/threads"
)

// connectTimeout bounds how long `connect` waits for a scan.
const connectTimeout = 5 * time.Minute

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	_ = config.LoadEnvFiles(session.EnvPath())

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := rpc.Dial(session.SocketPath(sessionName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	out := printer{json: *jsonFlag}
	switch args[0] {
	case "status":
		st, err := c.Status(ctx)
		check(err)
		out.status(st)
	case "connect":
		cmdConnect(c, out)
	case "disconnect":
		st, err := c.Disconnect(ctx)
		check(err)
		out.status(st)
	case "provider":
		need(args, 2, "provider <pairing|cloud_api>")
		st, err := c.SwitchProvider(ctx, rpc.SwitchProviderRequest{Provider: domain.Provider(args[1])})
		check(err)
		out.status(st)
	case "threads":
		cmdThreads(ctx, c, out, args[1:])
	case "remove":
		need(args, 2, "remove <thread-id>")
		id, err := strconv.ParseInt(args[1], 10, 64)
		check(err)
		check(c.RemoveThread(ctx, id))
		fmt.Println("removed")
	case "open":
		need(args, 2, "open <key>")
		conv, err := c.SelectThread(ctx, args[1])
		check(err)
		out.conversation(conv)
	case "messages":
		need(args, 2, "messages <key>")
		conv, err := c.Messages(ctx, rpc.ConversationRequest{Key: args[1], Refresh: true})
		check(err)
		out.conversation(conv)
	case "send":
		need(args, 3, "send <key> <text>")
		_, err := c.SelectThread(ctx, args[1])
		check(err)
		reply, err := c.Send(ctx, rpc.SendRequest{Key: args[1], Text: strings.Join(args[2:], " "), Wait: true})
		check(err)
		out.send(reply)
	case "resend":
		need(args, 3, "resend <key> <message-id>")
		id, err := strconv.ParseInt(args[2], 10, 64)
		check(err)
		_, err = c.SelectThread(ctx, args[1])
		check(err)
		reply, err := c.Resend(ctx, rpc.ResendRequest{Key: args[1], ID: id, Wait: true})
		check(err)
		out.send(reply)
	case "automation":
		need(args, 2, "automation <key> [on|off]")
		req := rpc.AutomationRequest{Key: args[1]}
		if len(args) > 2 {
			v, err := parseOnOff(args[2])
			check(err)
			req.Active = &v
		}
		reply, err := c.SetAutomation(ctx, req)
		check(err)
		out.automation(reply)
	case "prefs":
		var p rpc.Preferences
		if len(args) >= 3 && args[1] == "webhook" {
			p, err = c.SetWebhookConfirm(ctx, args[2])
		} else {
			p, err = c.GetPreferences(ctx)
		}
		check(err)
		out.prefs(p)
	case "watch":
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdWatch(c, prefix)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: wpsyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                     Show connection status")
	fmt.Fprintln(os.Stderr, "  connect                    Connect, showing a QR code when pairing")
	fmt.Fprintln(os.Stderr, "  disconnect                 Disconnect or cancel pairing")
	fmt.Fprintln(os.Stderr, "  provider <name>            Switch provider (pairing, cloud_api)")
	fmt.Fprintln(os.Stderr, "  threads [-q text] [-category c] [-refresh]")
	fmt.Fprintln(os.Stderr, "                             List conversations")
	fmt.Fprintln(os.Stderr, "  remove <id>                Remove a conversation")
	fmt.Fprintln(os.Stderr, "  open <key>                 Open a conversation")
	fmt.Fprintln(os.Stderr, "  messages <key>             Show the messages of a conversation")
	fmt.Fprintln(os.Stderr, "  send <key> <text>          Send a text message")
	fmt.Fprintln(os.Stderr, "  resend <key> <id>          Retry a failed message")
	fmt.Fprintln(os.Stderr, "  automation <key> [on|off]  Show or set the automation flag")
	fmt.Fprintln(os.Stderr, "  prefs [webhook <value>]    Show or set preferences")
	fmt.Fprintln(os.Stderr, "  watch [prefix]             Stream daemon events")
}

func cmdThreads(ctx context.Context, c *rpc.Client, out printer, args []string) {
	fs := flag.NewFlagSet("threads", flag.ExitOnError)
	query := fs.String("q", "", "search by name or phone")
	category := fs.String("category", string(threads.CategoryAll), "all, active, unread or closed")
	refresh := fs.Bool("refresh", false, "fetch from the backend first")
	_ = fs.Parse(args)

	reply, err := c.ListThreads(ctx, rpc.ListThreadsRequest{
		Query:    *query,
		Category: threads.Category(*category),
		Refresh:  *refresh,
	})
	check(err)
	out.threads(reply)
}

// cmdConnect starts a connection and follows it until it settles, rendering
// each pairing token as it rotates.
func cmdConnect(c *rpc.Client, out printer) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	events, wait, err := c.Watch(ctx, "connection.")
	check(err)

	st, err := c.Connect(ctx)
	check(err)
	if st.State == string(status.Connected) {
		out.status(st)
		return
	}
	if st.Pairing != nil {
		showToken(st.Pairing.Token)
	}

	// Events can race the subscription, so the status is also re-checked.
	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				if err := wait(); err != nil {
					fatal(err)
				}
				fatal(fmt.Errorf("timed out waiting for connection"))
			}
			if done := handleConnectEvent(evt); done {
				cancel()
				final, err := statusNow(c)
				check(err)
				out.status(final)
				return
			}
		case <-tick.C:
			st, err := statusNow(c)
			if err == nil && st.State == string(status.Connected) {
				out.status(st)
				return
			}
		}
	}
}

// handleConnectEvent renders pairing progress and reports whether the
// connection is established. Terminal failures exit.
func handleConnectEvent(evt rpc.Event) bool {
	m, _ := evt.Payload.(map[string]any)
	switch evt.Kind {
	case "connection.pairing_token":
		if tok, _ := m["token"].(string); tok != "" {
			showToken(tok)
		}
	case "connection.pairing_failed":
		msg := "pairing failed"
		if e, _ := m["error"].(string); e != "" {
			msg = e
		}
		fatal(fmt.Errorf("%s", msg))
	case "connection.state_changed":
		switch m["to"] {
		case string(status.Connected):
			return true
		case string(status.Disconnected), string(status.Error):
			fatal(fmt.Errorf("connection attempt ended"))
		}
	}
	return false
}

func cmdWatch(c *rpc.Client, prefix string) {
	events, wait, err := c.Watch(context.Background(), prefix)
	check(err)
	enc := json.NewEncoder(os.Stdout)
	for evt := range events {
		if err := enc.Encode(evt); err != nil {
			fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		}
	}
	check(wait())
}

func statusNow(c *rpc.Client) (rpc.StatusReply, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Status(ctx)
}

func showToken(token string) {
	qr, err := renderQR(token)
	if err != nil {
		fmt.Printf("Pairing token: %s\n", token)
		return
	}
	fmt.Printf("\nScan this QR code with WhatsApp:\n\n%s\nWaiting for authentication...\n", qr)
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: wpsyncctl %s\n", usage)
		os.Exit(1)
	}
}

func check(err error) {
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
