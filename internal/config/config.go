// Package config parses pedicab's command-line flags, mirroring each one
// against its upper-cased environment variable fallback and an optional
// JSON/YAML config file, exactly as SPEC_FULL.md §6.1 describes.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the fully resolved set of flags/env/config-file values.
type Config struct {
	// Global
	DatabasePath          string
	FlushDatabaseInterval uint64 // ms, [1000, 60000]
	LogLevel              string

	// Server
	ListenHost string
	ListenPort uint16
	AuthToken  string
	WebMode    bool

	// Agent
	ExpandedNofileLimit bool
	StatsUpdateInterval uint64 // ms, [100, 5000]
	ConnectionsLimit    *uint64
	TCPBufferSizeKB     uint8 // KiB, >= 2

	// Path to an optional JSON/YAML file supplying values for whatever
	// was not given on the command line (see fileConfig).
	ConfigFile string
}

func envOr(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return fallback
}

func envOrUint64(name string, fallback uint64) uint64 {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envOrBool(name string, fallback bool) bool {
	if v, ok := os.LookupEnv(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// fileConfig mirrors the subset of Config a JSON/YAML --config file may
// supply. A non-zero file value applies to every flag not given on the
// command line, including one whose value came from its environment
// variable: command-line flags win over the file, the file wins over env.
type fileConfig struct {
	DatabasePath          string  `json:"database_path" yaml:"database_path"`
	FlushDatabaseInterval uint64  `json:"flush_database_interval" yaml:"flush_database_interval"`
	LogLevel              string  `json:"log_level" yaml:"log_level"`
	ListenHost            string  `json:"listen_host" yaml:"listen_host"`
	ListenPort            uint16  `json:"listen_port" yaml:"listen_port"`
	AuthToken             string  `json:"auth_token" yaml:"auth_token"`
	WebMode               bool    `json:"web_mode" yaml:"web_mode"`
	ExpandedNofileLimit   bool    `json:"expanded_nofile_limit" yaml:"expanded_nofile_limit"`
	StatsUpdateInterval   uint64  `json:"stats_update_interval" yaml:"stats_update_interval"`
	ConnectionsLimit      *uint64 `json:"connections_limit" yaml:"connections_limit"`
	TCPBufferSizeKB       uint8   `json:"tcp_buffer_size" yaml:"tcp_buffer_size"`
}

// Parse builds the root cobra command, wires flags with their env-var
// defaults, parses args, and invokes run with the resolved Config. It
// returns the error from parsing, validation, or run.
func Parse(args []string, run func(*Config) error) error {
	cfg := &Config{}

	root := &cobra.Command{
		Use:           "pedicab",
		Short:         "A lightweight high performance port forwarder with web panel support.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.ConfigFile != "" {
				if err := mergeConfigFile(cmd.Flags(), cfg); err != nil {
					return err
				}
			}
			if err := validate(cfg); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	flags := root.Flags()
	flags.StringVar(&cfg.ConfigFile, "config", "", "path to a JSON or YAML config file")
	flags.StringVar(&cfg.DatabasePath, "database-path", envOr("DATABASE_PATH", "pedicab_data"), "on-disk store path")
	flags.Uint64Var(&cfg.FlushDatabaseInterval, "flush-database-interval", envOrUint64("FLUSH_DATABASE_INTERVAL", 10000), "database flush interval in milliseconds, range [1000, 60000]")
	flags.StringVar(&cfg.LogLevel, "log-level", envOr("LOG_LEVEL", "INFO"), "log level")

	flags.StringVarP(&cfg.ListenHost, "listen-host", "H", envOr("HOST", "0.0.0.0"), "API bind address")
	listenPort := envOrUint64("PORT", 8080)
	flags.Uint16VarP(&cfg.ListenPort, "listen-port", "P", uint16(listenPort), "API bind port, >= 4")
	flags.StringVarP(&cfg.AuthToken, "auth-token", "A", envOr("AUTH_TOKEN", ""), "bearer auth token (required)")
	flags.BoolVarP(&cfg.WebMode, "web-mode", "W", envOrBool("WEB_MODE", false), "serve static assets only")

	flags.BoolVar(&cfg.ExpandedNofileLimit, "expanded-nofile-limit", false, "raise the open-file limit to 1<<20 instead of 1<<16")
	flags.Uint64Var(&cfg.StatsUpdateInterval, "stats-update-interval", 300, "stats updater interval in milliseconds, range [100, 5000]")

	var connLimit uint64
	flags.Uint64Var(&connLimit, "connections-limit", 0, "agent-wide connection cap, 0 = unlimited")

	flags.Uint8Var(&cfg.TCPBufferSizeKB, "tcp-buffer-size", 8, "TCP buffer size in KiB, >= 2")

	root.PreRunE = func(*cobra.Command, []string) error {
		if connLimit > 0 {
			cfg.ConnectionsLimit = &connLimit
		}
		return nil
	}

	root.SetArgs(args)
	return root.Execute()
}

func mergeConfigFile(flags *pflag.FlagSet, cfg *Config) error {
	data, err := os.ReadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		// yaml.Unmarshal also parses well-formed JSON, since JSON is a
		// YAML subset — a single decode path covers both formats, as
		// SPEC_FULL.md §6.1 requires.
		return fmt.Errorf("parsing config file: %w", err)
	}

	setIfUnchanged := func(name string, apply func()) {
		if !flags.Changed(name) {
			apply()
		}
	}

	setIfUnchanged("database-path", func() {
		if fc.DatabasePath != "" {
			cfg.DatabasePath = fc.DatabasePath
		}
	})
	setIfUnchanged("flush-database-interval", func() {
		if fc.FlushDatabaseInterval != 0 {
			cfg.FlushDatabaseInterval = fc.FlushDatabaseInterval
		}
	})
	setIfUnchanged("log-level", func() {
		if fc.LogLevel != "" {
			cfg.LogLevel = fc.LogLevel
		}
	})
	setIfUnchanged("listen-host", func() {
		if fc.ListenHost != "" {
			cfg.ListenHost = fc.ListenHost
		}
	})
	setIfUnchanged("listen-port", func() {
		if fc.ListenPort != 0 {
			cfg.ListenPort = fc.ListenPort
		}
	})
	setIfUnchanged("auth-token", func() {
		if fc.AuthToken != "" {
			cfg.AuthToken = fc.AuthToken
		}
	})
	setIfUnchanged("web-mode", func() { cfg.WebMode = cfg.WebMode || fc.WebMode })
	setIfUnchanged("expanded-nofile-limit", func() { cfg.ExpandedNofileLimit = cfg.ExpandedNofileLimit || fc.ExpandedNofileLimit })
	setIfUnchanged("stats-update-interval", func() {
		if fc.StatsUpdateInterval != 0 {
			cfg.StatsUpdateInterval = fc.StatsUpdateInterval
		}
	})
	setIfUnchanged("connections-limit", func() {
		if fc.ConnectionsLimit != nil {
			cfg.ConnectionsLimit = fc.ConnectionsLimit
		}
	})
	setIfUnchanged("tcp-buffer-size", func() {
		if fc.TCPBufferSizeKB != 0 {
			cfg.TCPBufferSizeKB = fc.TCPBufferSizeKB
		}
	})

	return nil
}

func validate(cfg *Config) error {
	if cfg.AuthToken == "" {
		return fmt.Errorf("auth token is required: use -A/--auth-token or AUTH_TOKEN")
	}
	if cfg.ListenPort < 4 {
		return fmt.Errorf("listen port must be >= 4, got %d", cfg.ListenPort)
	}
	if net.ParseIP(cfg.ListenHost) == nil {
		return fmt.Errorf("invalid listen host %q", cfg.ListenHost)
	}
	if cfg.FlushDatabaseInterval < 1000 || cfg.FlushDatabaseInterval > 60000 {
		return fmt.Errorf("flush-database-interval must be in [1000, 60000], got %d", cfg.FlushDatabaseInterval)
	}
	if cfg.StatsUpdateInterval < 100 || cfg.StatsUpdateInterval > 5000 {
		return fmt.Errorf("stats-update-interval must be in [100, 5000], got %d", cfg.StatsUpdateInterval)
	}
	if cfg.TCPBufferSizeKB < 2 {
		return fmt.Errorf("tcp-buffer-size must be >= 2, got %d", cfg.TCPBufferSizeKB)
	}
	return nil
}
