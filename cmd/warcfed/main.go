// Command warcfed runs a federated web-archive node.
//
// Usage:
//
//	warcfed --config warcfed.yaml          # run with config file
//	warcfed --node-id a --data-dir ./data  # run with defaults
//	warcfed --config warcfed.yaml --check  # verify every stored block and exit
//	warcfed --config warcfed.yaml --mcp    # serve MCP tools on stdin/stdout
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/pflag"

	"github.com/hazyhaar/warcfed/archive"
)

var version = "dev"

type options struct {
	configPath string
	listen     string
	nodeID     string
	dataDir    string
	logLevel   string
	check      bool
	mcp        bool
}

func main() {
	var opts options
	flags := pflag.NewFlagSet("warcfed", pflag.ExitOnError)
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to warcfed.yaml config file")
	flags.StringVar(&opts.listen, "listen", "", "HTTP listen address (overrides config)")
	flags.StringVar(&opts.nodeID, "node-id", "", "node identifier (overrides config)")
	flags.StringVar(&opts.dataDir, "data-dir", "", "data directory (overrides config)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&opts.check, "check", false, "verify every snapshot against its log block and exit")
	flags.BoolVar(&opts.mcp, "mcp", false, "serve MCP tools over stdio instead of HTTP")
	flags.Parse(os.Args[1:])

	cfg, err := resolveConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "warcfed:", err)
		os.Exit(2)
	}
	opts.mcp = opts.mcp || cfg.MCP.Enabled

	// stdout carries the MCP stream in --mcp mode.
	var logOut io.Writer = os.Stdout
	if opts.mcp {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx, logger, cfg, opts)
	if err != nil {
		logger.Error("warcfed: fatal", "error", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func run(ctx context.Context, logger *slog.Logger, cfg *archive.Config, opts options) (int, error) {
	a, err := archive.New(cfg, logger)
	if err != nil {
		return 0, fmt.Errorf("init: %w", err)
	}
	defer a.Close()

	// One-shot: integrity check.
	if opts.check {
		rep, err := a.Check(ctx)
		if err != nil {
			return 0, fmt.Errorf("check: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return 0, err
		}
		if rep.Failed > 0 {
			return 3, nil
		}
		return 0, nil
	}

	// Background loops must be done before the deferred Close runs.
	bgCtx, cancelBg := context.WithCancel(ctx)
	done := a.Start(bgCtx)
	defer func() {
		cancelBg()
		<-done
	}()

	if opts.mcp {
		srv := mcp.NewServer(&mcp.Implementation{Name: "warcfed", Version: version}, nil)
		a.RegisterMCP(srv)
		logger.Info("warcfed: serving MCP on stdio", "node_id", a.NodeID())
		if err := srv.Run(ctx, &mcp.IOTransport{Reader: os.Stdin, Writer: os.Stdout}); err != nil && ctx.Err() == nil {
			return 0, fmt.Errorf("mcp: %w", err)
		}
		return 0, nil
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("warcfed: listening", "addr", cfg.Listen, "node_id", a.NodeID(), "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return 0, fmt.Errorf("http: %w", err)
	}
	logger.Info("warcfed: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("warcfed: shutdown", "error", err)
	}
	return 0, nil
}

func resolveConfig(opts options) (*archive.Config, error) {
	cfg := &archive.Config{}
	if opts.configPath != "" {
		loaded, err := archive.LoadConfigFile(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if opts.listen != "" {
		cfg.Listen = opts.listen
	}
	if opts.nodeID != "" {
		cfg.NodeID = opts.nodeID
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if cfg.NodeID == "" {
		return nil, errors.New("usage: warcfed --config <file> | --node-id <id> [--data-dir <dir>] [--check] [--mcp]")
	}
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
