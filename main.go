package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/nixxel-company-limited/pjl-scancounter/adapter"
	"github.com/nixxel-company-limited/pjl-scancounter/config"
	"github.com/nixxel-company-limited/pjl-scancounter/endpoint"
	"github.com/nixxel-company-limited/pjl-scancounter/server"
	"github.com/nixxel-company-limited/pjl-scancounter/session"
	"github.com/nixxel-company-limited/pjl-scancounter/snmp"
	"github.com/nixxel-company-limited/pjl-scancounter/store"
)

const usage = `usage: scancounter [flags] <command> [args]

commands:
  get            read the scan counter, falling back to the cached value
  set <value>    write the scan counter
  reset          set the scan counter to 0
  info           query printer identity and status
  history        show the recorded actions for the printer
  relay          expose the printer as a raw TCP socket

The endpoint may list several URIs separated by commas; the first one that
connects is used.

flags:
`

var errUsage = errors.New("usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := config.NewFlagSet("scancounter")
	fs.SetOutput(stderr)
	// everything after the command is its arguments, so "set -1" reaches set
	fs.SetInterspersed(false)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	logger := cfg.NewLogger(stderr)

	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	if err := execute(cfg, logger, fs.Args(), stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(stderr, err)
			fs.Usage()
			return 2
		}
		logger.Error().Err(err).Str("command", fs.Arg(0)).Msg("Command failed")
		return 1
	}

	return 0
}

func execute(cfg *config.Config, logger zerolog.Logger, args []string, out io.Writer) error {
	command := args[0]

	switch command {
	case "get", "set", "reset", "info", "history", "relay":
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}

	endpoints, err := parseEndpoints(cfg.Endpoint, cfg.SocketPort)
	if err != nil {
		return err
	}

	adapterOpts := adapter.Options{
		ConnectTimeout: cfg.Timeouts.Connect,
		PollInterval:   cfg.Timeouts.Poll,
		USBReadTimeout: cfg.Timeouts.USBRead,
		ExecTimeout:    cfg.Timeouts.Exec,
		Logger:         logger,
	}

	if command == "relay" {
		return relay(cfg, logger, endpoints[0], adapterOpts)
	}

	st, err := store.Open(cfg.StorePath, store.WithLogger(logger))
	if err != nil {
		return err
	}

	if command == "history" {
		return printHistory(out, st.Load(endpoints[0].LogicalID()))
	}

	var value int
	if command == "set" {
		if len(args) < 2 {
			return fmt.Errorf("%w: set needs a value", errUsage)
		}
		value, err = strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("%w: %q is not a number", session.ErrInvalidArgument, args[1])
		}
		if value < 0 {
			return fmt.Errorf("%w: counter value %d is negative", session.ErrInvalidArgument, value)
		}
	}

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithAdapterOptions(adapterOpts),
		session.WithReceiveTimeout(cfg.Timeouts.Receive),
	}
	if cfg.SNMP.Enabled {
		opts = append(opts, session.WithProber(snmp.NewProber(snmp.Config{
			Community: cfg.SNMP.Community,
			Port:      cfg.SNMP.Port,
			Timeout:   cfg.SNMP.Timeout,
			Retries:   snmp.DefaultRetries,
		}, logger)))
	}

	s := session.New(st, opts...)
	if err := s.ConnectResolved(&endpoint.StaticResolver{Endpoints: endpoints}, ""); err != nil {
		return err
	}
	defer s.Disconnect()

	switch command {
	case "get":
		reading, err := s.GetCounter()
		if err != nil {
			return err
		}
		if reading.FromDevice() {
			fmt.Fprintf(out, "Scan counter: %s\n", humanize.Comma(int64(reading.Value)))
		} else {
			fmt.Fprintf(out, "Scan counter: %s (cached: %v)\n", humanize.Comma(int64(reading.Value)), reading.Reason)
		}
	case "set":
		if err := s.SetCounter(value); err != nil {
			return err
		}
		fmt.Fprintf(out, "Scan counter set to %s\n", humanize.Comma(int64(value)))
	case "reset":
		if err := s.ResetCounter(); err != nil {
			return err
		}
		fmt.Fprintln(out, "Scan counter reset to 0")
	case "info":
		info, err := s.GetInfo()
		if err != nil {
			return err
		}
		printInfo(out, info)
	}

	return nil
}

// parseEndpoints splits a comma-separated endpoint list.
func parseEndpoints(raw string, defaultPort int) ([]endpoint.Endpoint, error) {
	var endpoints []endpoint.Endpoint
	for _, uri := range strings.Split(raw, ",") {
		if strings.TrimSpace(uri) == "" {
			continue
		}
		ep, err := endpoint.ParseWithDefaultPort(uri, defaultPort)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", uri, err)
		}
		endpoints = append(endpoints, ep)
	}

	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w: set --endpoint or %s_ENDPOINT", session.ErrNoEndpoint, config.EnvPrefix)
	}

	return endpoints, nil
}

func relay(cfg *config.Config, logger zerolog.Logger, ep endpoint.Endpoint, opts adapter.Options) error {
	device, err := adapter.ForEndpoint(ep, opts)
	if err != nil {
		return err
	}
	defer device.Close()

	svr := server.NewWithLogger(device, cfg.RelayAddress, logger)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	go func() {
		if _, ok := <-sigs; ok {
			logger.Info().Msg("Shutting down relay")
			if err := svr.Stop(); err != nil {
				logger.Error().Err(err).Msg("Error stopping relay")
			}
		}
	}()

	return svr.Start()
}

func printInfo(out io.Writer, info map[string]string) {
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(out, "%-18s %s\n", k+":", info[k])
	}
}

func printHistory(out io.Writer, rec store.Record) error {
	fmt.Fprintf(out, "Printer: %s\n", rec.LogicalID)
	fmt.Fprintf(out, "Cached counter: %s\n", humanize.Comma(int64(rec.Counter)))
	if rec.LastUpdated != nil {
		fmt.Fprintf(out, "Last updated: %s\n", humanize.Time(*rec.LastUpdated))
	}

	if len(rec.History) == 0 {
		fmt.Fprintln(out, "No recorded actions")
		return nil
	}

	for i := len(rec.History) - 1; i >= 0; i-- {
		entry := rec.History[i]
		fmt.Fprintf(out, "  %-16s %s\n", humanize.Time(entry.Timestamp), entry.Action)
	}

	return nil
}
