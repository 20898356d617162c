package output

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/woozymasta/gsq/internal/query"
)

// Raw writes one delimiter separated line per target, using the status
// markers DOWN, TIMEOUT, HOSTNOTFOUND, ERROR and NOSERVERS for failures.
type Raw struct {
	w    *bufio.Writer
	opts Options
}

// NewRaw creates a raw renderer. The default delimiter is a tab.
func NewRaw(w io.Writer, opts Options) *Raw {
	if opts.Delimiter == "" {
		opts.Delimiter = "\t"
	}
	return &Raw{w: bufio.NewWriter(w), opts: opts}
}

func rawMarker(s query.Status) string {
	return strings.ToUpper(s.String())
}

// Emit implements query.Sink.
func (r *Raw) Emit(t *query.Target) {
	rec := NewRecord(t, r.opts.Enricher)
	d := r.opts.Delimiter

	fields := []string{rec.Protocol, rec.Label()}
	if t.Status != query.StatusUp {
		fields = append(fields, rawMarker(t.Status))
		_, _ = r.w.WriteString(strings.Join(fields, d) + "\n")
		return
	}

	if t.IsMaster() {
		fields = append(fields, strconv.Itoa(len(rec.Servers)))
	} else {
		fields = append(fields,
			rec.Name,
			rec.Map,
			strconv.Itoa(rec.MaxPlayers),
			strconv.Itoa(rec.Players),
			strconv.FormatInt(rec.PingMS, 10),
			strconv.Itoa(rec.Retries),
			rec.Game,
		)
	}
	if rec.Country != "" {
		fields = append(fields, rec.Country)
	}
	_, _ = r.w.WriteString(strings.Join(fields, d) + "\n")

	if r.opts.Rules && t.Rules.Len() > 0 {
		rules := make([]string, 0, t.Rules.Len()*2)
		for _, rule := range t.Rules.All() {
			rules = append(rules, rule.Name+"="+rule.Value)
		}
		_, _ = r.w.WriteString(strings.Join(rules, d) + "\n")
	}
	if r.opts.Players {
		for _, p := range rec.PlayerList {
			_, _ = r.w.WriteString(strings.Join([]string{
				p.Name,
				strconv.Itoa(p.Score),
				strconv.FormatInt(p.PingMS, 10),
				p.Team,
			}, d) + "\n")
		}
	}
	if t.IsMaster() {
		for _, s := range rec.Servers {
			_, _ = r.w.WriteString(s + "\n")
		}
	}
}

// Flush implements query.Flusher.
func (r *Raw) Flush() error {
	return r.w.Flush()
}
