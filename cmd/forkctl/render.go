package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"forkd/internal/history"
	"forkd/internal/ipc"
	"forkd/internal/keystroke"
	"forkd/internal/store"
)

// printer writes command output as styled text, or as JSON with --json.
type printer struct {
	out     io.Writer
	jsonOut bool
	width   int

	title  lipgloss.Style
	label  lipgloss.Style
	dim    lipgloss.Style
	forked lipgloss.Style
	good   lipgloss.Style
	bad    lipgloss.Style
	box    lipgloss.Style
}

func newPrinter(w io.Writer, jsonOut bool) *printer {
	r := lipgloss.NewRenderer(w)
	p := &printer{
		out:     w,
		jsonOut: jsonOut,
		width:   72,
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("#C89A3A")),
		label:   r.NewStyle().Foreground(lipgloss.Color("#8C8C8C")),
		dim:     r.NewStyle().Foreground(lipgloss.Color("#6E6E6E")),
		forked:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("#5FAFD7")),
		good:    r.NewStyle().Foreground(lipgloss.Color("#73D13D")),
		bad:     r.NewStyle().Foreground(lipgloss.Color("#FF4D4F")),
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 20 && cols < p.width {
			p.width = cols
		}
	}
	p.box = r.NewStyle().
		Border(lipgloss.RoundedBorder(), true).
		BorderForeground(lipgloss.Color("#4A4A4A")).
		Padding(0, 1)
	return p
}

func (p *printer) printJSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) line(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

// table pads plain cells to their display width, then styles whole rows.
func (p *printer) table(headers []string, rows [][]string, styles []lipgloss.Style) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); i < len(widths) && w > widths[i] {
				widths[i] = w
			}
		}
	}

	format := func(row []string) string {
		cells := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			cells[i] = runewidth.FillRight(cell, widths[i])
		}
		return strings.TrimRight(strings.Join(cells, "  "), " ")
	}

	p.line("%s", p.label.Render(format(headers)))
	for i, row := range rows {
		text := format(row)
		if i < len(styles) {
			text = styles[i].Render(text)
		}
		p.line("%s", text)
	}
}

func (p *printer) status(st *ipc.StatusResponse) error {
	if p.jsonOut {
		return p.printJSON(st)
	}

	m := st.Machine
	state := p.good.Render(m.State)
	if m.Closed {
		state = p.bad.Render("closed")
	}
	kv := func(k, v string) string {
		return p.label.Render(runewidth.FillRight(k, 10)) + v
	}

	lines := []string{
		p.title.Render("forkd " + st.Version),
		kv("device", st.Device),
		kv("uptime", st.Uptime.Truncate(time.Second).String()),
		kv("state", state),
		kv("config", fmt.Sprintf("%d %s (%d loaded)", m.ConfigID, m.ConfigName, m.Configs)),
		kv("queues", fmt.Sprintf("input %d  internal %d  output %d", m.Input, m.Internal, m.Output)),
		kv("history", fmt.Sprintf("%d/%d", m.History, m.HistoryCap)),
	}
	if m.Wakeup != "" && m.Wakeup != "none" {
		lines = append(lines, kv("wakeup", fmt.Sprintf("%s in %dms", m.Wakeup, m.TimeLeft)))
	}
	if len(m.Forked) > 0 {
		held := make([]string, len(m.Forked))
		for i, f := range m.Forked {
			held[i] = keystroke.KeyName(f.Key) + "→" + keystroke.KeyName(f.Target)
		}
		lines = append(lines, kv("forked", p.forked.Render(strings.Join(held, " "))))
	}
	archive := p.dim.Render("disabled")
	if st.Archive {
		archive = "enabled"
	}
	lines = append(lines, kv("archive", archive))

	p.line("%s", p.box.MaxWidth(p.width).Render(strings.Join(lines, "\n")))
	return nil
}

// history prints entries in the order given. Forked events are highlighted.
func (p *printer) history(entries []history.Entry) error {
	if p.jsonOut {
		return p.printJSON(entries)
	}
	if len(entries) == 0 {
		p.line("%s", p.dim.Render("history is empty"))
		return nil
	}

	rows := make([][]string, len(entries))
	styles := make([]lipgloss.Style, len(entries))
	for i, e := range entries {
		dir := "up"
		if e.Press {
			dir = "down"
		}
		physical := ""
		if e.Forked != 0 {
			physical = keystroke.KeyName(e.Forked)
			styles[i] = p.forked
		} else {
			styles[i] = lipgloss.NewStyle()
		}
		rows[i] = []string{fmt.Sprintf("%d", e.Time), keystroke.KeyName(e.Key), dir, physical}
	}
	p.table([]string{"TIME", "KEY", "DIR", "FORKED FROM"}, rows, styles)
	return nil
}

func (p *printer) snapshots(snaps []store.Snapshot) error {
	if p.jsonOut {
		return p.printJSON(snaps)
	}
	if len(snaps) == 0 {
		p.line("%s", p.dim.Render("archive is empty"))
		return nil
	}
	rows := make([][]string, len(snaps))
	for i, s := range snaps {
		rows[i] = []string{
			fmt.Sprintf("%d", s.ID),
			s.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			fmt.Sprintf("%d", s.Count),
			s.Label,
			s.Device,
		}
	}
	p.table([]string{"ID", "CREATED", "ENTRIES", "LABEL", "DEVICE"}, rows, nil)
	return nil
}

func (p *printer) event(ev *ipc.Event) error {
	if p.jsonOut {
		return p.printJSON(ev)
	}
	stamp := p.dim.Render(ev.Timestamp.Local().Format("15:04:05"))
	name := p.title.Render(eventName(ev.Type))

	detail := ""
	if m, ok := ev.Data.(map[string]any); ok {
		origin, _ := m["origin"].(string)
		switch ev.Type {
		case ipc.EventConfigSwitched:
			detail = fmt.Sprintf("%v → %v by %s", m["from"], m["to"], origin)
		default:
			detail = fmt.Sprintf("%v by %s", m["request"], origin)
		}
	} else if ev.Data != nil {
		detail = fmt.Sprint(ev.Data)
	}
	p.line("%s %s %s", stamp, name, detail)
	return nil
}

func eventName(t ipc.EventType) string {
	switch t {
	case ipc.EventConfigSwitched:
		return "switched"
	case ipc.EventConfigChanged:
		return "changed"
	case ipc.EventConfigReloaded:
		return "reloaded"
	case ipc.EventDeviceDetached:
		return "detached"
	case ipc.EventDaemonShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("event(%d)", t)
}
