// Command docbridge serves a Model Context Protocol endpoint over streamable
// HTTP, bridging MCP tool calls to a remote documentation API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/docbridge/docbridge/docstools"
	"github.com/docbridge/docbridge/internal/config"
	"github.com/docbridge/docbridge/internal/context7"
	"github.com/docbridge/docbridge/mcp"
	"github.com/docbridge/docbridge/mcpservice"
	"github.com/docbridge/docbridge/sessions"
	"github.com/docbridge/docbridge/streaminghttp"
)

// version is stamped at build time via -ldflags.
var version = "dev"

const shutdownGrace = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "docbridge",
		Short:   "MCP documentation bridge over streamable HTTP",
		Long:    "docbridge exposes documentation search and retrieval tools over the Model Context Protocol's streamable HTTP transport. Configuration is read from DOCBRIDGE_* environment variables.",
		Version: version,
		RunE:    run,

		SilenceUsage:  true,
		SilenceErrors: true,
	}
	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := cfg.Logger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	upstreamOpts := []context7.Option{
		context7.WithBaseURL(cfg.UpstreamBaseURL),
		context7.WithLogger(log),
	}
	if cfg.UpstreamAPIKey != "" {
		upstreamOpts = append(upstreamOpts, context7.WithAPIKey(cfg.UpstreamAPIKey))
	}
	upstream := context7.NewClient(upstreamOpts...)

	tools := docstools.NewToolSet(upstream,
		docstools.WithMinimumTokens(cfg.MinimumTokens),
		docstools.WithLogger(log),
	)

	server := mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "docbridge", Version: version}),
		mcpservice.WithInstructions("Use resolve-library-id to find a Context7-compatible library ID, then get-library-docs to fetch its documentation."),
		mcpservice.WithToolsCapability(mcpservice.NewToolsContainer(tools...)),
	)

	registry := sessions.NewRegistry(log)

	handler, err := streaminghttp.New(cfg.EndpointPath, registry, server,
		streaminghttp.WithLogger(log),
		streaminghttp.WithKeepAliveInterval(cfg.KeepAliveInterval),
	)
	if err != nil {
		return fmt.Errorf("failed to build handler: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	log.InfoContext(ctx, "server.start",
		slog.String("addr", cfg.Addr),
		slog.String("endpoint", cfg.EndpointPath),
		slog.String("version", version))

	select {
	case err := <-serveErr:
		// Bind failures and listener errors are fatal.
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("server.shutdown.begin")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	// Close every live transport first so open notification streams terminate
	// and registry state drains before the listener stops accepting.
	registry.CloseAll(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}

	log.Info("server.shutdown.ok")
	return nil
}
