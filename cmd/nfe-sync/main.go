// Command nfe-sync issues fiscal documents and keeps the local copy of the
// documents addressed to the company in step with the tax authority.
//
// Usage:
//
//	nfe-sync [-config nfe.yaml] <command> [flags]
//
// Commands:
//
//	extract  read a certificate archive and describe the identity in it
//	verify   check the signature of a signed document
//	build    build and sign a document from an order file
//	send     transmit a signed document and store the authorization
//	sync     pull new documents from the distribution service
//	list     print stored documents
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/sirosfoundation/go-nfe/internal/config"
)

var configPath = flag.String("config", "nfe.yaml", "Path to the configuration file")

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: loading .env: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flag.Arg(0), flag.Args()[1:], os.Stdout); err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-config file] <extract|verify|build|send|sync|list> [flags]\n", os.Args[0])
	flag.PrintDefaults()
}

// run dispatches a command. extract and verify work without a
// configuration file.
func run(ctx context.Context, command string, args []string, out io.Writer) error {
	switch command {
	case "extract":
		return runExtract(args, out)
	case "verify":
		return runVerify(args, out)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	a := newApp(cfg, newLogger(cfg.Logging, os.Stderr).With("run_id", uuid.NewString()), out)
	slog.SetDefault(a.logger)

	switch command {
	case "build":
		return a.build(ctx, args)
	case "send":
		return a.send(ctx, args)
	case "sync":
		return a.sync(ctx, args)
	case "list":
		return a.list(ctx, args)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
