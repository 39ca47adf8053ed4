package config

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

// UDPConfig holds the client connection and transfer settings.
type UDPConfig struct {
	Host        string // Example: "127.0.0.1"
	Port        int    // server's well-known port
	FileList    string // path to a file with one remote name per line
	BaseTimeout time.Duration
	MaxRetries  int
	BlockSize   int64
	OutputDir   string
	MetricsFile string // CSV performance log, empty disables it
	Interactive bool
	NoColor     bool
	Verbose     bool
	ConfigFile  string
}

type fileConfig struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	FileList    string `toml:"file_list"`
	BaseTimeout string `toml:"base_timeout"`
	MaxRetries  int    `toml:"max_retries"`
	BlockSize   int64  `toml:"block_size"`
	OutputDir   string `toml:"output_dir"`
	MetricsFile string `toml:"metrics_file"`
	Verbose     bool   `toml:"verbose"`
}

// Replies are checked against the requested range exactly, so a block may
// not exceed what a default server will serve in one reply.
const maxBlockSize = 8192

func DefaultUDPConfig() *UDPConfig {
	return &UDPConfig{
		BaseTimeout: time.Second,
		MaxRetries:  5,
		BlockSize:   1000,
		OutputDir:   ".",
	}
}

// ServerAddress returns host:port of the dispatch socket.
func (c *UDPConfig) ServerAddress() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *UDPConfig) Validate() error {
	if c.Host == "" {
		return errors.New("missing server host")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Port)
	}
	if c.BaseTimeout <= 0 {
		return fmt.Errorf("base timeout must be positive, got %v", c.BaseTimeout)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive, got %d", c.MaxRetries)
	}
	if c.BlockSize <= 0 || c.BlockSize > maxBlockSize {
		return fmt.Errorf("block size must be 1-%d, got %d", maxBlockSize, c.BlockSize)
	}
	if info, err := os.Stat(c.OutputDir); err != nil || !info.IsDir() {
		return fmt.Errorf("output directory does not exist: %s", c.OutputDir)
	}
	if c.FileList == "" && !c.Interactive {
		return errors.New("a filename list is required unless -i is given")
	}
	return nil
}

func newFlagSet(cfg *UDPConfig, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() { PrintUsage(out) }
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "TOML configuration file")
	fs.DurationVar(&cfg.BaseTimeout, "timeout", cfg.BaseTimeout, "initial reply timeout, doubled on each retransmission")
	fs.IntVar(&cfg.MaxRetries, "retries", cfg.MaxRetries, "transmissions per request before giving up")
	fs.Int64Var(&cfg.BlockSize, "block", cfg.BlockSize, "bytes requested per block")
	fs.StringVar(&cfg.OutputDir, "out", cfg.OutputDir, "directory downloads are written to")
	fs.StringVar(&cfg.MetricsFile, "metrics", cfg.MetricsFile, "append per-download metrics to this CSV file")
	fs.BoolVar(&cfg.Interactive, "i", cfg.Interactive, "interactive prompt")
	fs.BoolVar(&cfg.NoColor, "no-color", cfg.NoColor, "disable coloured output")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "debug logging")
	return fs
}

// ParseArgs parses `client [flags] <host> <port> [file_list]`. The -config
// file is applied over the defaults first, then flags and positionals.
func ParseArgs(args []string, out io.Writer) (cfg *UDPConfig, shouldExit bool, err error) {
	early := DefaultUDPConfig()
	if _, err := parseInto(early, args, io.Discard); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			PrintUsage(out)
			return nil, true, nil
		}
		return nil, false, err
	}

	cfg = DefaultUDPConfig()
	if early.ConfigFile != "" {
		if err := LoadFile(early.ConfigFile, cfg); err != nil {
			return nil, false, err
		}
	}
	positional, err := parseInto(cfg, args, out)
	if err != nil {
		return nil, false, err
	}

	if len(positional) > 3 {
		return nil, false, fmt.Errorf("unexpected arguments: %v", positional[3:])
	}
	if len(positional) >= 1 {
		cfg.Host = positional[0]
	}
	if len(positional) >= 2 {
		port, err := strconv.Atoi(positional[1])
		if err != nil {
			return nil, false, fmt.Errorf("invalid port number: %s", positional[1])
		}
		cfg.Port = port
	}
	if len(positional) == 3 {
		cfg.FileList = positional[2]
	}
	return cfg, false, nil
}

func parseInto(cfg *UDPConfig, args []string, out io.Writer) ([]string, error) {
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

// LoadFile overlays the values present in a TOML file onto cfg.
func LoadFile(path string, cfg *UDPConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if fc.Host != "" {
		cfg.Host = fc.Host
	}
	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if fc.FileList != "" {
		cfg.FileList = fc.FileList
	}
	if fc.BaseTimeout != "" {
		d, err := time.ParseDuration(fc.BaseTimeout)
		if err != nil {
			return fmt.Errorf("parse config %s: base_timeout: %w", path, err)
		}
		cfg.BaseTimeout = d
	}
	if fc.MaxRetries != 0 {
		cfg.MaxRetries = fc.MaxRetries
	}
	if fc.BlockSize != 0 {
		cfg.BlockSize = fc.BlockSize
	}
	if fc.OutputDir != "" {
		cfg.OutputDir = fc.OutputDir
	}
	if fc.MetricsFile != "" {
		cfg.MetricsFile = fc.MetricsFile
	}
	cfg.Verbose = cfg.Verbose || fc.Verbose
	return nil
}

// ReadFileList returns the non-blank lines of r with surrounding whitespace
// trimmed. Lines starting with '#' are comments.
func ReadFileList(r io.Reader) ([]string, error) {
	var names []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read file list: %w", err)
	}
	return names, nil
}

func ReadFileListFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file list: %w", err)
	}
	defer f.Close()
	return ReadFileList(f)
}

func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage: %s [flags] <host> <port> [file_list]\n", os.Args[0])
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Arguments:")
	fmt.Fprintln(w, "  host        server address")
	fmt.Fprintln(w, "  port        server's well-known port")
	fmt.Fprintln(w, "  file_list   text file naming one remote file per line")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	newFlagSet(DefaultUDPConfig(), w).PrintDefaults()
}
