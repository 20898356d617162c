// Package config handles the parsing and validation of application configuration
// from command-line arguments and environment variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/woozymasta/gsq/internal/logger"
	"github.com/woozymasta/gsq/internal/query"
	"github.com/woozymasta/gsq/internal/vars"
)

// AnyProtocol marks maintenance of every stored protocol.
const AnyProtocol = "any"

// Config represents the complete application flags configuration.
type Config struct {
	// betteralign:ignore

	Query   Query         `group:"Query Options" env-namespace:"GSQ"`
	Output  Output        `group:"Output Options" namespace:"out" env-namespace:"GSQ_OUT"`
	Storage Storage       `group:"Storage Options" namespace:"db" env-namespace:"GSQ_DB"`
	GeoIP   GeoIP         `group:"GeoIP Options" namespace:"geoip" env-namespace:"GSQ_GEOIP"`
	Capture Capture       `group:"Capture Options" env-namespace:"GSQ"`
	A2S     A2S           `group:"A2S Re-check Options" namespace:"a2s" env-namespace:"GSQ_A2S"`
	Logger  logger.Config `group:"Logger Options" namespace:"log" env-namespace:"GSQ_LOG"`

	Args struct {
		Targets []string `positional-arg-name:"target" description:"Target as [type@][+]host[:port], + marks a broadcast address"`
	} `positional-args:"yes"`

	Version bool `short:"v" long:"version" description:"Print version and build info"`
}

// Query holds engine configuration.
type Query struct {
	// betteralign:ignore

	MaxSimultaneous  int           `short:"m" long:"max-simultaneous" env:"MAX_SIMULTANEOUS" description:"Maximum number of targets queried at once" default:"20"`
	Retries          int           `short:"r" long:"retries" env:"RETRIES" description:"Number of sends per phase before giving up" default:"3"`
	Interval         time.Duration `short:"i" long:"interval" env:"INTERVAL" description:"Retry interval" default:"500ms"`
	MasterMultiplier int           `long:"master-multiplier" env:"MASTER_MULTIPLIER" description:"Retry interval multiplier for master servers" default:"4"`
	Timeout          time.Duration `short:"T" long:"timeout" env:"TIMEOUT" description:"Timeout of the whole run" default:"60s"`
	SendRate         float64       `long:"send-rate" env:"SEND_RATE" description:"Maximum new targets started per second, 0 for unlimited" default:"0"`
	SourceAddress    string        `long:"source-address" env:"SOURCE_ADDRESS" description:"Local address to send from"`
	SourcePorts      string        `long:"source-ports" env:"SOURCE_PORTS" description:"Local port range to send from, as lo-hi"`
	Rules            bool          `short:"R" long:"rules" env:"RULES" description:"Query server rules"`
	Players          bool          `short:"P" long:"players" env:"PLAYERS" description:"Query player lists"`
	DefaultType      string        `short:"t" long:"type" env:"TYPE" description:"Default server type of targets without one" default:"a2s"`
	ChildType        string        `long:"child-type" env:"CHILD_TYPE" description:"Server type of servers listed by masters"`
	ServerFile       string        `short:"f" long:"file" env:"FILE" description:"Read targets from file, - for stdin"`
	TypesFile        string        `long:"types" env:"TYPES" description:"YAML file with additional server types"`
}

// Output holds result rendering configuration.
type Output struct {
	// betteralign:ignore

	Format    string `short:"o" long:"format" env:"FORMAT" description:"Result format" choice:"human" choice:"raw" choice:"json" choice:"template" default:"human"`
	Delimiter string `long:"delimiter" env:"DELIMITER" description:"Field delimiter of raw output" default:","`
	Template  string `long:"template" env:"TEMPLATE" description:"Go template of template output"`
	File      string `long:"file" env:"FILE" description:"Write results to file instead of stdout"`
	Color     string `long:"color" env:"COLOR" description:"Colorize human output" choice:"auto" choice:"always" choice:"never" default:"auto"`
}

// Storage holds database configuration.
type Storage struct {
	// betteralign:ignore

	Path      string        `short:"d" long:"path" env:"PATH" description:"Path to SQLite database, results are not stored when empty"`
	HostCache bool          `long:"host-cache" env:"HOST_CACHE" description:"Cache host name resolution in the database"`
	HostTTL   time.Duration `long:"host-ttl" env:"HOST_TTL" description:"Expire cached host names after duration, 0 keeps them" default:"24h"`
	Prune     string        `long:"prune" description:"Delete stored servers that are not up. Optional arg: protocol." optional:"true" optional-value:"any"`
	CheckDown bool          `long:"check-down" description:"Re-check stored a2s servers that are not up. Update if up, delete if down."`
	CheckAll  bool          `long:"check-all" description:"Re-check all stored a2s servers. Update if up, delete if down."`
}

// GeoIP holds MaxMind GeoIP configuration.
type GeoIP struct {
	// betteralign:ignore

	Path     string        `short:"g" long:"path" env:"PATH" description:"Path to MMDB file, no country lookup when empty"`
	URL      string        `long:"url" env:"URL" description:"URL to download MMDB" default:"https://git.io/GeoLite2-Country.mmdb"`
	Update   bool          `long:"update" env:"UPDATE" description:"Download the MMDB file when missing or outdated"`
	Interval time.Duration `long:"interval" env:"INTERVAL" description:"Update interval check" default:"24h"`
}

// Capture holds packet capture configuration.
type Capture struct {
	Pcap string `long:"pcap" env:"PCAP" description:"Write every sent and received datagram to a pcap file"`
}

// A2S holds configuration of the direct A2S client used by re-checks.
type A2S struct {
	// betteralign:ignore

	Timeout    time.Duration `long:"timeout" env:"TIMEOUT" description:"Query timeout" default:"3s"`
	BufferSize uint16        `long:"buffer-size" env:"BUFFER_SIZE" description:"Response body buffer size" default:"1400"`
}

// Parse reads the configuration from flags and environment variables.
// It terminates the application if the configuration is invalid or if the help flag is invoked.
func Parse() *Config {
	cfg, err := ParseArgs(os.Args[1:], flags.Default)
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	if cfg.Version {
		vars.Print()
		os.Exit(0)
	}

	return cfg
}

// ParseArgs parses args and validates the result.
func ParseArgs(args []string, options flags.Options) (*Config, error) {
	var cfg Config
	parser := flags.NewParser(&cfg, options)
	parser.NamespaceDelimiter = "-"
	parser.Usage = "[OPTIONS] [type@][+]host[:port]..."

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	if cfg.Version {
		return &cfg, nil
	}

	if _, err := cfg.EngineOptions(); err != nil {
		return nil, err
	}
	if _, _, err := cfg.SourcePorts(); err != nil {
		return nil, err
	}
	if _, err := cfg.SourceAddr(); err != nil {
		return nil, err
	}
	if cfg.Output.Format == "template" && cfg.Output.Template == "" {
		return nil, errors.New("template output requires --out-template")
	}
	if cfg.Storage.HostCache && cfg.Storage.Path == "" {
		return nil, errors.New("host cache requires --db-path")
	}
	if cfg.Maintenance() && cfg.Storage.Path == "" {
		return nil, errors.New("maintenance requires --db-path")
	}

	return &cfg, nil
}

// Maintenance reports whether a storage maintenance task was requested.
func (c *Config) Maintenance() bool {
	return c.Storage.Prune != "" || c.Storage.CheckDown || c.Storage.CheckAll
}

// EngineOptions converts the query group into validated engine options.
func (c *Config) EngineOptions() (query.Options, error) {
	opts := query.DefaultOptions()
	opts.MaxSimultaneous = c.Query.MaxSimultaneous
	opts.Retries = c.Query.Retries
	opts.Interval = c.Query.Interval
	opts.MasterMultiplier = c.Query.MasterMultiplier
	opts.RunTimeout = c.Query.Timeout
	opts.SendRate = c.Query.SendRate
	opts.ChildProtocol = c.Query.ChildType
	opts.WantRules = c.Query.Rules
	opts.WantPlayers = c.Query.Players

	if err := opts.Validate(); err != nil {
		return query.Options{}, err
	}
	return opts, nil
}

// SourceAddr parses the optional local address.
func (c *Config) SourceAddr() (netip.Addr, error) {
	if c.Query.SourceAddress == "" {
		return netip.Addr{}, nil
	}

	addr, err := netip.ParseAddr(c.Query.SourceAddress)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid source address %q: %w", c.Query.SourceAddress, err)
	}
	return addr, nil
}

// SourcePorts parses the optional lo-hi local port range. A single port
// yields a range of one.
func (c *Config) SourcePorts() (lo, hi uint16, err error) {
	s := c.Query.SourcePorts
	if s == "" {
		return 0, 0, nil
	}

	loStr, hiStr, found := strings.Cut(s, "-")
	if !found {
		hiStr = loStr
	}

	l, err := strconv.ParseUint(loStr, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid source port range %q", s)
	}
	h, err := strconv.ParseUint(hiStr, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid source port range %q", s)
	}
	if l == 0 || h < l {
		return 0, 0, fmt.Errorf("invalid source port range %q", s)
	}

	return uint16(l), uint16(h), nil
}
