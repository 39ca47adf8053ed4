package terminal

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/pelletier/go-toml"
)

// Config holds the server configuration parsed from the command line and an
// optional TOML file.
type Config struct {
	ListenPort       int
	BindHost         string
	SessionPortStart int
	SessionPortEnd   int
	RootDir          string
	IdleTimeout      time.Duration
	MaxBindAttempts  int
	MaxBlockSize     int
	ConfigFile       string
	Verbose          bool
	NoColor          bool
}

// fileConfig mirrors Config for TOML decoding; durations are strings.
type fileConfig struct {
	ListenPort       int    `toml:"listen_port"`
	BindHost         string `toml:"bind_host"`
	SessionPortStart int    `toml:"session_port_start"`
	SessionPortEnd   int    `toml:"session_port_end"`
	RootDir          string `toml:"root_dir"`
	IdleTimeout      string `toml:"idle_timeout"`
	MaxBindAttempts  int    `toml:"max_bind_attempts"`
	MaxBlockSize     int    `toml:"max_block_size"`
	Verbose          bool   `toml:"verbose"`
}

// The reply to a block request must fit one datagram after base64 expansion.
const maxBlockLimit = 48 * 1024

// Clients ask for 1000-byte blocks unless told otherwise.
const minBlockLimit = 1000

// DefaultConfig returns the default server configuration
func DefaultConfig() *Config {
	return &Config{
		ListenPort:       0,
		BindHost:         "",
		SessionPortStart: 50000,
		SessionPortEnd:   51000,
		RootDir:          ".",
		IdleTimeout:      30 * time.Second,
		MaxBindAttempts:  10,
		MaxBlockSize:     8192,
	}
}

func newFlagSet(cfg *Config, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() { PrintUsage(out) }
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "TOML configuration file")
	fs.StringVar(&cfg.BindHost, "host", cfg.BindHost, "address to bind (default all interfaces)")
	fs.StringVar(&cfg.RootDir, "root", cfg.RootDir, "directory files are served from")
	fs.IntVar(&cfg.SessionPortStart, "port-start", cfg.SessionPortStart, "first session port")
	fs.IntVar(&cfg.SessionPortEnd, "port-end", cfg.SessionPortEnd, "last session port")
	fs.DurationVar(&cfg.IdleTimeout, "idle", cfg.IdleTimeout, "idle timeout before a session is dropped")
	fs.IntVar(&cfg.MaxBindAttempts, "bind-attempts", cfg.MaxBindAttempts, "session port bind attempts per handshake")
	fs.IntVar(&cfg.MaxBlockSize, "max-block", cfg.MaxBlockSize, "largest block served per request, in bytes")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "debug logging")
	fs.BoolVar(&cfg.NoColor, "no-color", cfg.NoColor, "disable coloured output")
	return fs
}

// ParseFlags parses `server [flags] <port> [flags]`. Values are layered as
// defaults, then the -config file, then flags, then the positional port.
// shouldExit is true when help was requested.
func ParseFlags(args []string, out io.Writer) (cfg *Config, shouldExit bool, err error) {
	early := DefaultConfig()
	if _, err := parseInto(early, args, io.Discard); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			PrintUsage(out)
			return nil, true, nil
		}
		return nil, false, err
	}

	cfg = DefaultConfig()
	if early.ConfigFile != "" {
		if err := LoadConfigFile(early.ConfigFile, cfg); err != nil {
			return nil, false, err
		}
	}
	positional, err := parseInto(cfg, args, out)
	if err != nil {
		return nil, false, err
	}

	switch len(positional) {
	case 0:
		if cfg.ListenPort == 0 {
			return nil, false, errors.New("missing listening port")
		}
	case 1:
		port, err := strconv.Atoi(positional[0])
		if err != nil {
			return nil, false, fmt.Errorf("invalid port number: %s", positional[0])
		}
		cfg.ListenPort = port
	default:
		return nil, false, fmt.Errorf("unexpected arguments: %v", positional[1:])
	}
	return cfg, false, nil
}

// parseInto allows flags on either side of the positional port.
func parseInto(cfg *Config, args []string, out io.Writer) ([]string, error) {
	fs := newFlagSet(cfg, out)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	var positional []string
	rest := fs.Args()
	for len(rest) > 0 {
		positional = append(positional, rest[0])
		if err := fs.Parse(rest[1:]); err != nil {
			return nil, err
		}
		rest = fs.Args()
	}
	return positional, nil
}

// LoadConfigFile overlays the values present in a TOML file onto cfg.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if fc.ListenPort != 0 {
		cfg.ListenPort = fc.ListenPort
	}
	if fc.BindHost != "" {
		cfg.BindHost = fc.BindHost
	}
	if fc.SessionPortStart != 0 {
		cfg.SessionPortStart = fc.SessionPortStart
	}
	if fc.SessionPortEnd != 0 {
		cfg.SessionPortEnd = fc.SessionPortEnd
	}
	if fc.RootDir != "" {
		cfg.RootDir = fc.RootDir
	}
	if fc.IdleTimeout != "" {
		d, err := time.ParseDuration(fc.IdleTimeout)
		if err != nil {
			return fmt.Errorf("parse config %s: idle_timeout: %w", path, err)
		}
		cfg.IdleTimeout = d
	}
	if fc.MaxBindAttempts != 0 {
		cfg.MaxBindAttempts = fc.MaxBindAttempts
	}
	if fc.MaxBlockSize != 0 {
		cfg.MaxBlockSize = fc.MaxBlockSize
	}
	cfg.Verbose = cfg.Verbose || fc.Verbose
	return nil
}

// ValidateConfig validates the parsed configuration
func ValidateConfig(config *Config) error {
	if info, err := os.Stat(config.RootDir); err != nil || !info.IsDir() {
		return fmt.Errorf("root directory does not exist: %s", config.RootDir)
	}

	if config.ListenPort <= 0 || config.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port: %d (must be 1-65535)", config.ListenPort)
	}
	if config.SessionPortStart <= 0 || config.SessionPortStart > 65535 {
		return fmt.Errorf("invalid session port start: %d (must be 1-65535)", config.SessionPortStart)
	}
	if config.SessionPortEnd <= 0 || config.SessionPortEnd > 65535 {
		return fmt.Errorf("invalid session port end: %d (must be 1-65535)", config.SessionPortEnd)
	}
	if config.SessionPortStart > config.SessionPortEnd {
		return fmt.Errorf("session port start (%d) must not exceed session port end (%d)",
			config.SessionPortStart, config.SessionPortEnd)
	}
	if config.SessionPortStart == config.SessionPortEnd && config.SessionPortStart == config.ListenPort {
		return fmt.Errorf("session port range %d-%d holds only the listening port",
			config.SessionPortStart, config.SessionPortEnd)
	}

	if config.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %v", config.IdleTimeout)
	}
	if config.MaxBindAttempts <= 0 {
		return fmt.Errorf("bind attempts must be positive, got %d", config.MaxBindAttempts)
	}
	if config.MaxBlockSize < minBlockLimit || config.MaxBlockSize > maxBlockLimit {
		return fmt.Errorf("max block size must be %d-%d, got %d", minBlockLimit, maxBlockLimit, config.MaxBlockSize)
	}
	return nil
}

// PrintStartupInfo prints server startup information
func PrintStartupInfo(w io.Writer, config *Config, addr string) {
	title := color.New(color.FgGreen, color.Bold)
	label := color.New(color.FgCyan)

	title.Fprintln(w, "UDP file server ready")
	label.Fprint(w, "  Listening on:   ")
	fmt.Fprintln(w, addr)
	label.Fprint(w, "  Session ports:  ")
	fmt.Fprintf(w, "%d-%d\n", config.SessionPortStart, config.SessionPortEnd)
	label.Fprint(w, "  Root directory: ")
	fmt.Fprintln(w, config.RootDir)
	label.Fprint(w, "  Idle timeout:   ")
	fmt.Fprintln(w, config.IdleTimeout)
}

// PrintStats renders name/value rows as a table.
func PrintStats(w io.Writer, rows [][]string) error {
	color.New(color.FgYellow).Fprintln(w, "Server statistics")
	table := tablewriter.NewWriter(w)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row = tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignLeft}}
	})
	table.Header("Metric", "Value")
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

// PrintUsage prints usage information
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage: %s [flags] <port>\n", os.Args[0])
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Arguments:")
	fmt.Fprintln(w, "  port              well-known port handshakes are received on")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fs := newFlagSet(DefaultConfig(), w)
	fs.PrintDefaults()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintf(w, "  %s 51234\n", os.Args[0])
	fmt.Fprintf(w, "  %s -root /srv/files -port-start 52000 -port-end 52999 51234\n", os.Args[0])
}

// HandleStartupError handles startup errors with appropriate logging and exit
func HandleStartupError(err error, context string) {
	log.Fatalf("Failed to %s: %v", context, err)
}
