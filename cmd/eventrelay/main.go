// eventrelay simulates a game host feeding the relay: it emits a state
// snapshot burst every frame plus occasional gameplay events, ticks the
// relay once per frame and drains it on exit. Batches go to a directory
// (file IPC), an HTTP ingestion endpoint, or nowhere (memory).
//
// Usage:
//
//	eventrelay --transport file --dir /tmp/relay --frames 600
//	eventrelay --transport http --endpoint http://localhost:8080 --codec json
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/randalmurphal/eventrelay/pkg/eventrelay"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/config"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/message"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/transport"
)

type options struct {
	configPath     string
	transport      string
	dir            string
	endpoint       string
	codec          string
	frames         int
	eventsPerFrame int
	frameInterval  time.Duration
	drainTimeout   time.Duration
	logLevel       string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("eventrelay", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "YAML or JSON settings file")
	flagSet.StringVar(&opts.transport, "transport", "file", "transport: file, http or memory")
	flagSet.StringVar(&opts.dir, "dir", "", "message directory for the file transport (default: a temp dir)")
	flagSet.StringVar(&opts.endpoint, "endpoint", "http://localhost:8080", "base URL for the http transport")
	flagSet.StringVar(&opts.codec, "codec", "", "envelope codec: json, cbor or msgpack (overrides settings)")
	flagSet.IntVar(&opts.frames, "frames", 300, "number of frames to simulate")
	flagSet.IntVar(&opts.eventsPerFrame, "events-per-frame", 3, "state snapshots emitted per frame")
	flagSet.DurationVar(&opts.frameInterval, "frame-interval", 16*time.Millisecond, "time between frames")
	flagSet.DurationVar(&opts.drainTimeout, "drain-timeout", 5*time.Second, "how long Close waits for pending deliveries")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}

	settings, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.codec != "" {
		settings.Codec = opts.codec
	}

	tr, closeTransport, err := newTransport(opts, settings, logger)
	if err != nil {
		return err
	}
	defer closeTransport()

	relay, err := eventrelay.New(settings, tr, eventrelay.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := newSimulation(relay, opts.frames, opts.eventsPerFrame, opts.frameInterval)
	simErr := sim.run(ctx)
	if errors.Is(simErr, context.Canceled) {
		logger.Info("interrupted, draining")
		simErr = nil
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), opts.drainTimeout)
	defer cancel()
	closeErr := relay.Close(drainCtx)

	if err := printStats(relay.Stats()); err != nil {
		return err
	}
	return errors.Join(simErr, closeErr)
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func newTransport(opts options, settings config.Settings, logger *slog.Logger) (message.Transport, func(), error) {
	switch opts.transport {
	case "memory":
		return transport.NewMemory(nil), func() {}, nil

	case "file":
		dir := opts.dir
		if dir == "" {
			tmp, err := os.MkdirTemp("", "eventrelay-")
			if err != nil {
				return nil, nil, fmt.Errorf("create message dir: %w", err)
			}
			dir = tmp
		}
		tr, err := transport.NewFile(dir, transport.WithFileLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		logger.Info("writing messages", slog.String("dir", tr.Dir()))
		return tr, func() {}, nil

	case "http":
		httpOpts := []transport.HTTPOption{transport.WithHTTPLogger(logger)}
		if settings.RateLimit > 0 {
			httpOpts = append(httpOpts, transport.WithRateLimit(settings.RateLimit, max(1, int(settings.RateLimit))))
		}
		if codec, err := message.CodecByName(settings.Codec); err == nil {
			httpOpts = append(httpOpts, transport.WithContentType(codec.ContentType()))
		}
		tr, err := transport.NewHTTP(opts.endpoint, httpOpts...)
		if err != nil {
			return nil, nil, err
		}
		return tr, func() { _ = tr.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown --transport %q (want file, http or memory)", opts.transport)
	}
}

func printStats(stats eventrelay.Stats) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}
