// Package targets parses target specifications from the command line and
// from server list files.
package targets

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
)

// Spec is one unresolved target.
type Spec struct {
	Type      string
	Host      string
	QueryArg  string
	Port      uint16 // game port, 0 selects the protocol default
	Broadcast bool   // host is a broadcast address, written +host
}

func (s Spec) String() string {
	host := s.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if s.Broadcast {
		host = "+" + host
	}
	if s.Port != 0 {
		host += ":" + strconv.Itoa(int(s.Port))
	}
	return s.Type + "@" + host
}

// Parse reads `[type@][+]host[:port]`. IPv6 literals with a port use
// brackets; a leading + marks a broadcast address.
func Parse(s, defaultType string) (Spec, error) {
	spec := Spec{Type: defaultType}
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '@'); i >= 0 {
		spec.Type, s = s[:i], s[i+1:]
	}
	if spec.Type == "" {
		return Spec{}, fmt.Errorf("target %q: no server type", s)
	}
	if rest, ok := strings.CutPrefix(s, "+"); ok {
		spec.Broadcast, s = true, rest
	}

	host, port, err := splitHostPort(s)
	if err != nil {
		return Spec{}, fmt.Errorf("target %q: %w", s, err)
	}
	spec.Host, spec.Port = host, port
	return spec, nil
}

func splitHostPort(s string) (string, uint16, error) {
	if s == "" {
		return "", 0, fmt.Errorf("empty host")
	}

	// Bare IPv6 literal without port.
	if !strings.HasPrefix(s, "[") && strings.Count(s, ":") > 1 {
		return s, 0, nil
	}
	if !strings.Contains(s, ":") {
		return s, 0, nil
	}
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return s[1 : len(s)-1], 0, nil
	}

	host, p, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		return "", 0, fmt.Errorf("empty host")
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("invalid port %q", p)
	}
	return host, uint16(port), nil
}

// Read parses a server list: one target per line, either `[type@]host[:port]`
// or `type host[:port]`, followed by an optional query argument. Blank lines
// and lines starting with # are skipped.
func Read(r io.Reader, defaultType string) ([]Spec, error) {
	var specs []Spec
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fields := strings.Fields(text)
		typ := defaultType
		if len(fields) > 1 && !strings.Contains(fields[0], "@") && looksLikeType(fields[0]) {
			typ, fields = fields[0], fields[1:]
		}

		spec, err := Parse(fields[0], typ)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(fields) > 1 {
			spec.QueryArg = strings.Join(fields[1:], " ")
		}
		specs = append(specs, spec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return specs, nil
}

// ReadFile reads a server list file; "-" reads standard input.
func ReadFile(path, defaultType string) ([]Spec, error) {
	if path == "-" {
		return Read(os.Stdin, defaultType)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Read(f, defaultType)
}

// looksLikeType reports whether s is a bare protocol id rather than a host.
func looksLikeType(s string) bool {
	if strings.ContainsAny(s, ".:[") {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}
