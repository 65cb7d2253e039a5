package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/boostsync/internal/api"
	"github.com/matheus3301/boostsync/internal/chat"
	"github.com/matheus3301/boostsync/internal/lock"
	"github.com/matheus3301/boostsync/internal/order"
	"github.com/matheus3301/boostsync/internal/session"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	tzFlag := flag.String("tz", "", "time zone for day separators (default: daemon local time)")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "profiles" {
		cmdProfiles(*jsonFlag)
		return
	}

	c := api.NewClient(session.SocketPath(profile))
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.Health(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon for profile %q: %v\n", profile, err)
		os.Exit(1)
	}

	out := &printer{json: *jsonFlag}
	switch args[0] {
	case "status":
		cmdStatus(ctx, c, out)
	case "orders":
		cmdOrders(ctx, c, out)
	case "order":
		cmdOrder(ctx, c, out, args[1:])
	case "conversations":
		cmdConversations(ctx, c, out)
	case "messages":
		need(args, 2, "messages <conversation>")
		items, err := c.Timeline(ctx, args[1], *tzFlag)
		check(err)
		out.timeline(items)
	case "send":
		need(args, 3, "send <conversation> <text...>")
		m, err := c.Send(ctx, args[1], strings.Join(args[2:], " "))
		check(err)
		out.value(m, func() { fmt.Printf("Queued %s (%s)\n", m.TempID, m.Status) })
	case "retry":
		need(args, 2, "retry <message>")
		check(c.Retry(ctx, args[1]))
		fmt.Println("Retry scheduled.")
	case "refresh":
		need(args, 2, "refresh <conversation>")
		n, err := c.RefreshConversation(ctx, args[1])
		check(err)
		fmt.Printf("%d message(s) changed.\n", n)
	case "archive":
		need(args, 2, "archive <conversation> [completed|blocked]")
		var st chat.ConversationStatus
		if len(args) > 2 {
			st = chat.ConversationStatus(args[2])
		}
		e, err := c.Archive(ctx, args[1], st)
		check(err)
		out.value(e, func() {
			fmt.Printf("Archived %s until %s (%s)\n", e.ConversationID,
				e.ExpiresAt.Local().Format(time.DateTime), humanize.Time(e.ExpiresAt))
		})
	case "unarchive":
		need(args, 2, "unarchive <conversation>")
		check(c.Unarchive(ctx, args[1]))
		fmt.Println("Restored.")
	case "archived":
		cmdArchived(ctx, c, out)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: boostctl [--profile <name>] [--json] [--tz <zone>] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                         Show cache and delivery counters")
	fmt.Fprintln(os.Stderr, "  orders                         List cached order statuses")
	fmt.Fprintln(os.Stderr, "  order <id>                     Show one cached status")
	fmt.Fprintln(os.Stderr, "  order set <id> <status>        Record an optimistic local status")
	fmt.Fprintln(os.Stderr, "  order refresh <id>             Fetch a status over REST")
	fmt.Fprintln(os.Stderr, "  conversations                  List live conversations")
	fmt.Fprintln(os.Stderr, "  messages <conversation>        Show a conversation timeline")
	fmt.Fprintln(os.Stderr, "  send <conversation> <text>     Send a message")
	fmt.Fprintln(os.Stderr, "  retry <message>                Retry a failed message")
	fmt.Fprintln(os.Stderr, "  refresh <conversation>         Pull the latest messages over REST")
	fmt.Fprintln(os.Stderr, "  archive <conv> [blocked]       Close and archive a conversation")
	fmt.Fprintln(os.Stderr, "  unarchive <conversation>       Restore an archived conversation")
	fmt.Fprintln(os.Stderr, "  archived                       List archived conversations")
	fmt.Fprintln(os.Stderr, "  profiles                       List known profiles")
}

func cmdStatus(ctx context.Context, c *api.Client, out *printer) {
	st, err := c.Stats(ctx)
	check(err)
	out.value(st, func() {
		fmt.Printf("Statuses:  %s cached (api %d, websocket %d, local %d), avg age %s\n",
			humanize.Comma(int64(st.Status.Total)),
			st.Status.BySource[order.SourceAPI],
			st.Status.BySource[order.SourceWebSocket],
			st.Status.BySource[order.SourceLocal],
			st.Status.AverageAge.Round(time.Second))
		fmt.Printf("Messages:  %d sending, %d sent, %d delivered, %d read, %d failed\n",
			st.Messages[chat.StatusSending], st.Messages[chat.StatusSent],
			st.Messages[chat.StatusDelivered], st.Messages[chat.StatusRead],
			st.Messages[chat.StatusFailed])
		fmt.Printf("Archived:  %d\n", st.Archived)
		fmt.Printf("Refreshes: %d in flight\n", st.InFlightRefreshes)
		fmt.Printf("Push:      %s\n", connected(st.PushConnected))
	})
}

func cmdOrders(ctx context.Context, c *api.Client, out *printer) {
	entries, err := c.Orders(ctx)
	check(err)
	out.value(entries, func() {
		if len(entries) == 0 {
			fmt.Println("No cached statuses.")
			return
		}
		for _, e := range entries {
			printEntry(e)
		}
	})
}

func cmdOrder(ctx context.Context, c *api.Client, out *printer, args []string) {
	need(args, 1, "order <id> | order set <id> <status> | order refresh <id>")
	switch args[0] {
	case "set":
		need(args, 3, "order set <id> <status>")
		st, err := order.ParseStatus(args[2])
		check(err)
		res, err := c.SetOrder(ctx, args[1], st)
		check(err)
		out.writeResult(res)
	case "refresh":
		need(args, 2, "order refresh <id>")
		res, err := c.RefreshOrder(ctx, args[1])
		check(err)
		out.writeResult(res)
	default:
		e, err := c.Order(ctx, args[0])
		check(err)
		out.value(e, func() { printEntry(e) })
	}
}

func cmdConversations(ctx context.Context, c *api.Client, out *printer) {
	convs, err := c.Conversations(ctx, 50)
	check(err)
	out.value(convs, func() {
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return
		}
		for _, cv := range convs {
			when := "-"
			if !cv.LastMessageAt.IsZero() {
				when = humanize.Time(cv.LastMessageAt)
			}
			fmt.Printf("%-24s %-10s %-16s %s\n", cv.ID, cv.Status, when, preview(cv.LastMessage))
		}
	})
}

func cmdArchived(ctx context.Context, c *api.Client, out *printer) {
	entries, err := c.ListArchive(ctx)
	check(err)
	out.value(entries, func() {
		if len(entries) == 0 {
			fmt.Println("Nothing archived.")
			return
		}
		for _, e := range entries {
			fmt.Printf("%-24s %3d msgs  archived %s, expires %s\n", e.ConversationID, len(e.Messages),
				humanize.Time(e.ArchivedAt), humanize.Time(e.ExpiresAt))
		}
	})
}

type profileInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Running bool      `json:"running"`
	PID     int       `json:"pid,omitempty"`
	Since   time.Time `json:"since,omitzero"`
}

func cmdProfiles(jsonOut bool) {
	dirs, err := os.ReadDir(filepath.Join(session.BaseDir(), "profiles"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		fail(err)
	}
	var profiles []profileInfo
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		p := profileInfo{Name: d.Name(), Path: session.Dir(d.Name())}
		if h, err := lock.ReadHolder(p.Path); err == nil {
			p.Running, p.PID, p.Since = true, h.PID, h.Since
		}
		profiles = append(profiles, p)
	}

	out := &printer{json: jsonOut}
	out.value(profiles, func() {
		if len(profiles) == 0 {
			fmt.Println("No profiles found.")
			return
		}
		for _, p := range profiles {
			state := "stopped"
			if p.Running {
				state = fmt.Sprintf("running, pid %d", p.PID)
				if !p.Since.IsZero() {
					state += ", started " + humanize.Time(p.Since)
				}
			}
			fmt.Printf("%-20s %s (%s)\n", p.Name, p.Path, state)
		}
	})
}

type printer struct {
	json bool
}

// value prints v as JSON in --json mode and calls text otherwise.
func (p *printer) value(v any, text func()) {
	if p.json {
		outputJSON(v)
		return
	}
	text()
}

func (p *printer) writeResult(res api.WriteResult) {
	p.value(res, func() {
		if res.Accepted {
			fmt.Println("Accepted.")
		} else {
			fmt.Println("Rejected; cache keeps:")
		}
		if res.Entry != nil {
			printEntry(*res.Entry)
		}
	})
}

func (p *printer) timeline(items []chat.TimelineItem) {
	p.value(items, func() {
		for _, it := range items {
			if it.Kind == chat.ItemDaySeparator {
				fmt.Printf("──── %s ────\n", it.Day.Format("Mon, 02 Jan 2006"))
				continue
			}
			m := it.Message
			id := m.ID
			if !m.Confirmed() {
				id = m.TempID
			}
			fmt.Printf("%s  %-12s %-9s %s  [%s]\n", m.CreatedAt.Format("15:04"), m.SenderID, m.Status, m.Content, id)
		}
	})
}

func printEntry(e order.Entry) {
	fmt.Printf("%-24s %-16s %-10s %s\n", e.EntityID, e.Status, e.Source, humanize.Time(e.Timestamp))
}

func preview(s string) string {
	const maxRunes = 48
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes-1]) + "…"
}

func connected(ok bool) string {
	if ok {
		return "connected"
	}
	return "disconnected"
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: boostctl %s\n", usage)
		os.Exit(1)
	}
}

func check(err error) {
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
