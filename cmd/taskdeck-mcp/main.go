package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/taskdeck/taskdeck-go/internal/config"
	"github.com/taskdeck/taskdeck-go/internal/logging"
	"github.com/taskdeck/taskdeck-go/internal/mcpserver"
	"github.com/taskdeck/taskdeck-go/internal/state"
	"github.com/taskdeck/taskdeck-go/taskdeck"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type mcpConfig struct {
	AccessToken     string
	CredentialsFile string
	Passphrase      string
	BaseURL         string
	StateFile       string
	ListenAddr      string
	LogLevel        string
}

func loadConfig() *mcpConfig {
	cfg := &mcpConfig{}

	defaultCreds, _ := config.DefaultCredentialsFile()
	defaultState, _ := config.DefaultStateFile()

	flag.StringVar(&cfg.AccessToken, "access-token", os.Getenv("TASKDECK_ACCESS_TOKEN"), "personal access token")
	flag.StringVar(&cfg.CredentialsFile, "credentials-file", envOr("TASKDECK_CREDENTIALS_FILE", defaultCreds), "sealed credential file written by `taskdeck login`")
	flag.StringVar(&cfg.Passphrase, "passphrase", os.Getenv("TASKDECK_PASSPHRASE"), "passphrase unsealing the credential file")
	flag.StringVar(&cfg.BaseURL, "base-url", os.Getenv("TASKDECK_BASE_URL"), "API base URL override")
	flag.StringVar(&cfg.StateFile, "state-file", envOr("TASKDECK_STATE_FILE", defaultState), "CLI state database")
	flag.StringVar(&cfg.ListenAddr, "listen", os.Getenv("TASKDECK_MCP_LISTEN"), "serve MCP over HTTP on this address instead of stdio")
	flag.StringVar(&cfg.LogLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flag.Parse()

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run() error {
	cfg := loadConfig()

	// Stdout carries the MCP protocol, so logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logging.ParseLevel(cfg.LogLevel),
	}))

	opts := []taskdeck.Option{
		taskdeck.WithLogger(logger),
		taskdeck.WithCredentialFile(cfg.CredentialsFile),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, taskdeck.WithBaseURL(cfg.BaseURL))
	}
	if cfg.AccessToken != "" {
		opts = append(opts, taskdeck.WithStaticToken(cfg.AccessToken))
	}

	client := taskdeck.NewClient(opts...)

	if cfg.AccessToken == "" {
		if cfg.Passphrase == "" {
			return fmt.Errorf("TASKDECK_ACCESS_TOKEN or TASKDECK_PASSPHRASE is required")
		}
		if !client.Load(cfg.Passphrase) {
			return fmt.Errorf("no usable credential in %s, run `taskdeck login` first", cfg.CredentialsFile)
		}

		// MCP sessions outlive access tokens; keep the sealed file fresh
		// after every refresh.
		client.Subscribe(func(taskdeck.Credential) {
			if err := client.Persist(cfg.Passphrase); err != nil {
				logger.Warn("failed to persist refreshed credential", slog.String("error", err.Error()))
			}
		})
	}

	appState, err := state.LoadAt(cfg.StateFile)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	server := mcp.NewServer(
		&mcp.Implementation{Name: "taskdeck-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(server, client, appState)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.ListenAddr != "" {
		return serveHTTP(ctx, server, cfg.ListenAddr, logger)
	}

	logger.Info("starting MCP server on stdio", slog.String("version", Version))

	return server.Run(ctx, &mcp.StdioTransport{})
}

// serveHTTP exposes the MCP server over streamable HTTP for clients that
// cannot spawn a stdio subprocess. Meant for localhost addresses; there is
// no auth layer in front of it.
func serveHTTP(ctx context.Context, mcpServer *mcp.Server, addr string, logger *slog.Logger) error {
	handler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("starting MCP server", slog.String("listen", addr), slog.String("version", Version))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
