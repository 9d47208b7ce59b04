// Package config loads settings from flags, SCANCOUNTER_* environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. SCANCOUNTER_STORE_PATH.
const EnvPrefix = "SCANCOUNTER"

var ErrInvalidConfig = errors.New("invalid configuration")

type Timeouts struct {
	Connect time.Duration
	Receive time.Duration
	Poll    time.Duration
	USBRead time.Duration
	Exec    time.Duration
}

type SNMP struct {
	Enabled   bool
	Community string
	Port      uint16
	Timeout   time.Duration
}

type Config struct {
	Endpoint     string
	StorePath    string
	SocketPort   int
	Timeouts     Timeouts
	SNMP         SNMP
	RelayAddress string
	LogLevel     string
	LogFormat    string
	// File is the config file that was read, empty when none was found.
	File string
}

// flagKeys maps each command-line flag to the key it overrides.
var flagKeys = map[string]string{
	"endpoint":        "endpoint",
	"store":           "store.path",
	"socket-port":     "socket.port",
	"receive-timeout": "timeout.receive",
	"snmp":            "snmp.enabled",
	"snmp-community":  "snmp.community",
	"relay-address":   "relay.address",
	"log-level":       "log.level",
	"log-format":      "log.format",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("endpoint", "")
	v.SetDefault("store.path", "printer_counter_config.json")
	v.SetDefault("timeout.connect", 10*time.Second)
	v.SetDefault("timeout.receive", 3*time.Second)
	v.SetDefault("timeout.poll", 100*time.Millisecond)
	v.SetDefault("timeout.usb_read", 2*time.Second)
	v.SetDefault("timeout.exec", 30*time.Second)
	v.SetDefault("socket.port", 9100)
	v.SetDefault("snmp.enabled", false)
	v.SetDefault("snmp.community", "public")
	v.SetDefault("snmp.port", 161)
	v.SetDefault("snmp.timeout", 2*time.Second)
	v.SetDefault("relay.address", "localhost:9100")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// NewFlagSet declares the flags Load understands.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)

	fs.StringP("config", "c", "", "config file (default scancounter.yaml in . or $HOME/.config/scancounter)")
	fs.StringP("endpoint", "e", "", "printer endpoint URI (tcp://host[:port], usb://[vid[:pid]], spool://PORT, queue://NAME)")
	fs.String("store", "", "counter store file")
	fs.Int("socket-port", 9100, "port for network endpoints that name none")
	fs.Duration("receive-timeout", 3*time.Second, "how long to wait for each printer reply")
	fs.Bool("snmp", false, "add SNMP status to info for network printers")
	fs.String("snmp-community", "public", "SNMP v2c community")
	fs.String("relay-address", "localhost:9100", "listen address for the relay command")
	fs.String("log-level", "info", "trace, debug, info, warn or error")
	fs.String("log-format", "console", "console or json")

	return fs
}

// Load resolves the configuration. flags may be nil; only flags that were
// set on the command line override env and file values.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var file string
	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
		if f := flags.Lookup("config"); f != nil {
			file = f.Value.String()
		}
	}

	if err := readConfigFile(v, file); err != nil {
		return nil, err
	}

	cfg := &Config{
		Endpoint:   strings.TrimSpace(v.GetString("endpoint")),
		StorePath:  v.GetString("store.path"),
		SocketPort: v.GetInt("socket.port"),
		Timeouts: Timeouts{
			Connect: v.GetDuration("timeout.connect"),
			Receive: v.GetDuration("timeout.receive"),
			Poll:    v.GetDuration("timeout.poll"),
			USBRead: v.GetDuration("timeout.usb_read"),
			Exec:    v.GetDuration("timeout.exec"),
		},
		SNMP: SNMP{
			Enabled:   v.GetBool("snmp.enabled"),
			Community: v.GetString("snmp.community"),
			Port:      v.GetUint16("snmp.port"),
			Timeout:   v.GetDuration("snmp.timeout"),
		},
		RelayAddress: v.GetString("relay.address"),
		LogLevel:     strings.ToLower(v.GetString("log.level")),
		LogFormat:    strings.ToLower(v.GetString("log.format")),
		File:         v.ConfigFileUsed(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, file string) error {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
		return nil
	}

	v.SetConfigName("scancounter")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/scancounter")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	return nil
}

// Validate rejects values no component could work with.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("%w: store.path is empty", ErrInvalidConfig)
	}
	if c.SocketPort <= 0 || c.SocketPort > 65535 {
		return fmt.Errorf("%w: socket.port %d out of range", ErrInvalidConfig, c.SocketPort)
	}

	for name, d := range map[string]time.Duration{
		"timeout.connect":  c.Timeouts.Connect,
		"timeout.receive":  c.Timeouts.Receive,
		"timeout.poll":     c.Timeouts.Poll,
		"timeout.usb_read": c.Timeouts.USBRead,
		"timeout.exec":     c.Timeouts.Exec,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalidConfig, err)
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalidConfig, c.LogFormat)
	}

	return nil
}

// NewLogger builds the root logger. Console output goes through a
// zerolog.ConsoleWriter; json writes raw lines to w.
func (c *Config) NewLogger(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}

	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if c.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
