package output

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/woozymasta/gsq/internal/query"
)

var humanHeader = []string{"ADDRESS", "PLAYERS", "MAP", "PING", "NAME"}

// Human buffers results and prints them as aligned columns on Flush.
type Human struct {
	w      io.Writer
	styles map[query.Status]lipgloss.Style
	rows   []humanRow
	opts   Options
}

type humanRow struct {
	cells  []string
	detail []string
}

// NewHuman creates a column renderer. Status markers are coloured with ANSI
// escapes when opts.Color is set, whatever w is.
func NewHuman(w io.Writer, opts Options) *Human {
	h := &Human{w: w, opts: opts}
	if opts.Color {
		r := lipgloss.NewRenderer(w)
		r.SetColorProfile(termenv.ANSI)
		h.styles = map[query.Status]lipgloss.Style{
			query.StatusUp:           r.NewStyle().Foreground(lipgloss.Color("2")),
			query.StatusTimeout:      r.NewStyle().Foreground(lipgloss.Color("3")),
			query.StatusDown:         r.NewStyle().Foreground(lipgloss.Color("1")),
			query.StatusHostNotFound: r.NewStyle().Foreground(lipgloss.Color("1")),
			query.StatusError:        r.NewStyle().Foreground(lipgloss.Color("5")).Bold(true),
			query.StatusNoServers:    r.NewStyle().Foreground(lipgloss.Color("3")),
		}
	}
	return h
}

func (h *Human) paint(s string, st query.Status) string {
	style, ok := h.styles[st]
	if !ok {
		return s
	}
	return style.Render(s)
}

// Emit implements query.Sink.
func (h *Human) Emit(t *query.Target) {
	rec := NewRecord(t, h.opts.Enricher)
	label := rec.Label()
	if rec.Country != "" {
		label += " (" + rec.Country + ")"
	}

	row := humanRow{}
	switch {
	case t.Status != query.StatusUp:
		marker := rawMarker(t.Status)
		if rec.Error != "" && t.Status == query.StatusError {
			marker += ": " + rec.Error
		}
		row.cells = []string{label, h.paint(marker, t.Status), "", "", ""}
	case t.IsMaster():
		row.cells = []string{label, h.paint(fmt.Sprintf("%d servers", len(rec.Servers)), t.Status), "", "", rec.Protocol}
	default:
		players := fmt.Sprintf("%d/%d", rec.Players, rec.MaxPlayers)
		if rec.Partial {
			players += "*"
		}
		row.cells = []string{
			label,
			h.paint(players, t.Status),
			rec.Map,
			strconv.FormatInt(rec.PingMS, 10) + " ms",
			rec.Name,
		}
	}

	if h.opts.Rules {
		for _, rule := range t.Rules.All() {
			row.detail = append(row.detail, "    "+rule.Name+" = "+rule.Value)
		}
	}
	if h.opts.Players {
		for _, p := range rec.PlayerList {
			row.detail = append(row.detail, fmt.Sprintf("    %-24s %6d %5d ms", p.Name, p.Score, p.PingMS))
		}
	}

	h.rows = append(h.rows, row)
}

// Flush implements query.Flusher.
func (h *Human) Flush() error {
	if len(h.rows) == 0 {
		return nil
	}

	widths := make([]int, len(humanHeader))
	for i, c := range humanHeader {
		widths[i] = lipgloss.Width(c)
	}
	for _, r := range h.rows {
		for i, c := range r.cells {
			widths[i] = max(widths[i], lipgloss.Width(c))
		}
	}

	bw := bufio.NewWriter(h.w)
	writeRow(bw, humanHeader, widths)
	for _, r := range h.rows {
		writeRow(bw, r.cells, widths)
		for _, d := range r.detail {
			_, _ = bw.WriteString(d + "\n")
		}
	}
	h.rows = nil

	return bw.Flush()
}

func writeRow(w *bufio.Writer, cells []string, widths []int) {
	var b strings.Builder
	for i, c := range cells {
		b.WriteString(c)
		if i == len(cells)-1 {
			break
		}
		b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(c)+2))
	}
	_, _ = w.WriteString(strings.TrimRight(b.String(), " ") + "\n")
}
