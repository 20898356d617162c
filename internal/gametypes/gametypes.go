// Package gametypes loads user defined game types. Every type derives from a
// registered protocol and overrides its name, ports, query argument or flags.
package gametypes

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/gsq/internal/query"
	"gopkg.in/yaml.v3"
)

// Definition is one entry of the game types file.
type Definition struct {
	// PortOffset is a pointer so an explicit 0 can reset an inherited offset.
	PortOffset *int `yaml:"port_offset,omitempty"`

	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Extend      string   `yaml:"extend"`
	MasterOf    string   `yaml:"master_of,omitempty"`
	QueryArg    string   `yaml:"query_arg,omitempty"`
	Flags       []string `yaml:"flags,omitempty"`
	DefaultPort uint16   `yaml:"default_port,omitempty"`
}

var flagNames = map[string]query.Flags{
	"broadcast":       query.FlagBroadcast,
	"tcp":             query.FlagTCP,
	"single-query":    query.FlagSingleQuery,
	"master":          query.FlagMaster,
	"needs-query-arg": query.FlagNeedsQueryArg,
}

// Load reads definitions from a YAML file.
func Load(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// Parse decodes a YAML list of definitions.
func Parse(data []byte) ([]Definition, error) {
	var defs []Definition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse game types: %w", err)
	}
	for i, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("game type #%d: missing id", i+1)
		}
		if d.Extend == "" {
			return nil, fmt.Errorf("game type %q: missing extend", d.ID)
		}
	}
	return defs, nil
}

// Apply registers definitions in file order, so a type may extend one
// defined above it. Master types must name a child protocol known once all
// definitions are registered.
func Apply(tbl *query.Table, defs []Definition) error {
	for _, d := range defs {
		base, err := tbl.Lookup(d.Extend)
		if err != nil {
			return fmt.Errorf("game type %q: %w", d.ID, err)
		}

		name := d.Name
		if name == "" {
			name = base.Name
		}
		p := base.Derive(d.ID, name)
		if d.DefaultPort != 0 {
			p.DefaultPort = d.DefaultPort
		}
		if d.PortOffset != nil {
			p.PortOffset = *d.PortOffset
		}
		if d.MasterOf != "" {
			p.MasterOf = d.MasterOf
		}
		if d.QueryArg != "" {
			p.QueryArg = d.QueryArg
		}
		if d.Flags != nil {
			if p.Flags, err = parseFlags(d.Flags); err != nil {
				return fmt.Errorf("game type %q: %w", d.ID, err)
			}
		}

		if err := tbl.Register(p); err != nil {
			return fmt.Errorf("game type %q: %w", d.ID, err)
		}
		log.Debug().Str("id", p.ID).Str("extends", d.Extend).Uint16("port", p.DefaultPort).Msg("Game type registered")
	}

	for _, d := range defs {
		p, _ := tbl.Lookup(d.ID)
		if !p.Flags.Has(query.FlagMaster) {
			continue
		}
		if p.MasterOf == "" {
			return fmt.Errorf("game type %q: master without master_of", d.ID)
		}
		if _, err := tbl.Lookup(p.MasterOf); err != nil {
			return fmt.Errorf("game type %q: master_of: %w", d.ID, err)
		}
	}

	return nil
}

func parseFlags(names []string) (query.Flags, error) {
	var flags query.Flags
	var errs []error
	for _, n := range names {
		f, ok := flagNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown flag %q", n))
			continue
		}
		flags |= f
	}
	return flags, errors.Join(errs...)
}
