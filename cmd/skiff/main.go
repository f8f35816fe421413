// Command skiff exposes a local TCP service through a publicly reachable
// server, or runs that server itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/skiffhq/skiff/internal/admin"
	"github.com/skiffhq/skiff/internal/client"
	"github.com/skiffhq/skiff/internal/events"
	"github.com/skiffhq/skiff/internal/logging"
	"github.com/skiffhq/skiff/internal/metrics"
	"github.com/skiffhq/skiff/internal/server"
)

// Version is set at build time via -ldflags; "dev" otherwise.
var Version = "dev"

const (
	defaultMinPort = 1024
	defaultMaxPort = 65535
	defaultLogLevel = "info"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "local":
		runLocal(os.Args[2:])
	case "server":
		runServer(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("skiff %s\n", Version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`skiff - expose a local TCP service through a public server

Usage:
  skiff local <local-port> --to <server> [flags]
  skiff server [flags]
  skiff list --to <server>
  skiff version
  skiff help

Local flags:
  --local-host string    local host to expose (default "localhost")
  --to string             address of the remote server (required)
  --port uint             requested remote port, 0 = any (default 0)
  --secret string         shared secret, also read from SKIFF_SECRET
  --log string            log level: error|warn|info|debug|trace (default "info")
  --events-output string  file to append JSON Lines diagnostic events to

Server flags:
  --min-port uint         minimum public port to allocate (default 1024)
  --max-port uint         maximum public port to allocate (default 65535)
  --secret string         shared secret, also read from SKIFF_SECRET
  --log string            log level: error|warn|info|debug|trace (default "info")
  --events-output string  file to append JSON Lines diagnostic events to
  --metrics-addr string   if set, serve Prometheus metrics on this address
`)
}

func secretFromEnvOrFlag(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv("SKIFF_SECRET")
}

func setupLogger(levelStr string) *logging.Logger {
	level, err := logging.ParseLevel(levelStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	return logging.NewLogger(level)
}

func setupEmitter(path string) events.Emitter {
	if path == "" {
		return events.NopEmitter{}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open events output %q: %v\n", path, err)
		os.Exit(1)
	}
	return events.NewAsyncJSONLineWriter(f)
}

func warnIfNoSecret(logger *logging.Logger, secret string) {
	if secret != "" {
		return
	}
	logger.Warn("+---------------------------------------------------+")
	logger.Warn("| running without --secret: anyone who discovers    |")
	logger.Warn("| your server address can request a tunnel          |")
	logger.Warn("+---------------------------------------------------+")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runLocal(args []string) {
	fs := flag.NewFlagSet("local", flag.ExitOnError)
	localHost := fs.String("local-host", "localhost", "local host to expose")
	to := fs.String("to", "", "address of the remote server (required)")
	port := fs.Uint("port", 0, "requested remote port, 0 = any")
	secret := fs.String("secret", "", "shared secret")
	logLevel := fs.String("log", defaultLogLevel, "log level")
	eventsOutput := fs.String("events-output", "", "JSON Lines diagnostic events output file")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: skiff local <local-port> --to <server> [flags]")
		os.Exit(1)
	}
	localPort, err := strconv.ParseUint(fs.Arg(0), 10, 16)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid local port %q: %v\n", fs.Arg(0), err)
		os.Exit(1)
	}
	if *to == "" {
		fmt.Fprintln(os.Stderr, "--to is required")
		os.Exit(1)
	}

	logger := setupLogger(*logLevel)
	emitter := setupEmitter(*eventsOutput)
	defer emitter.Close()
	resolvedSecret := secretFromEnvOrFlag(*secret)
	warnIfNoSecret(logger, resolvedSecret)

	c, err := client.New(*localHost, uint16(localPort), *to, uint16(*port), resolvedSecret, client.Options{
		Logger:  logger,
		Emitter: emitter,
		Metrics: metrics.New(),
	})
	if err != nil {
		logger.Error("failed to connect: %v", err)
		os.Exit(1)
	}

	logger.Info("forwarding %s:%d -> %s:%d", *to, c.RemotePort(), *localHost, localPort)

	ctx, cancel := signalContext()
	defer cancel()
	if err := c.Listen(ctx); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	minPort := fs.Uint("min-port", defaultMinPort, "minimum public port to allocate")
	maxPort := fs.Uint("max-port", defaultMaxPort, "maximum public port to allocate")
	secret := fs.String("secret", "", "shared secret")
	logLevel := fs.String("log", defaultLogLevel, "log level")
	eventsOutput := fs.String("events-output", "", "JSON Lines diagnostic events output file")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")
	fs.Parse(args)

	logger := setupLogger(*logLevel)
	emitter := setupEmitter(*eventsOutput)
	defer emitter.Close()
	resolvedSecret := secretFromEnvOrFlag(*secret)
	warnIfNoSecret(logger, resolvedSecret)

	recorder := metrics.New()
	if *metricsAddr != "" {
		go func() {
			logger.Info("serving metrics on %s/metrics", *metricsAddr)
			http.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.Error("metrics server: %v", err)
			}
		}()
	}

	srv, err := server.New(uint16(*minPort), uint16(*maxPort), resolvedSecret, server.Options{
		Logger:  logger,
		Emitter: emitter,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := srv.Listen(ctx); err != nil && ctx.Err() == nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func runList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	to := fs.String("to", "", "address of the remote server (required)")
	fs.Parse(args)

	if *to == "" {
		fmt.Fprintln(os.Stderr, "--to is required")
		os.Exit(1)
	}

	sessions, err := admin.FetchSessions(*to)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	fmt.Print(admin.FormatSessions(sessions))
}
