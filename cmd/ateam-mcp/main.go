// Command ateam-mcp runs the A-Team MCP gateway over streamable HTTP or
// stdio, bridging MCP clients to the platform API with delegated
// authorization.
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

	"golang.org/x/sync/errgroup"

	"github.com/ariekogan/ateam-mcp/authbridge"
	"github.com/ariekogan/ateam-mcp/internal/config"
	"github.com/ariekogan/ateam-mcp/platform"
	"github.com/ariekogan/ateam-mcp/sessions"
	"github.com/ariekogan/ateam-mcp/stdio"
	"github.com/ariekogan/ateam-mcp/streaminghttp"
	"github.com/ariekogan/ateam-mcp/tokenrelay"
	"github.com/ariekogan/ateam-mcp/toolset"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Logs go to stderr on both transports; stdout is reserved for the
	// protocol stream in stdio mode. Transport handlers wrap this in
	// logctx themselves.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sm := sessions.NewManager(cfg.DefaultTeam, cfg.APIKey, sessions.WithLogger(logger))
	pc := platform.NewClient(cfg.APIURL, platform.WithLogger(logger))

	toolOpts := []toolset.Option{toolset.WithLogger(logger)}
	if cfg.OAuthDisabled || cfg.Transport == "stdio" {
		// No authorization endpoint is mounted in these modes; guidance
		// should point at the environment credentials instead.
		toolOpts = append(toolOpts, toolset.WithOAuthDisabled())
	}
	tools := toolset.NewRegistry(pc, sm, cfg.PublicURL, toolOpts...)

	if cfg.Transport == "stdio" {
		h := stdio.NewHandler(sm, tools,
			stdio.WithLogger(logger),
			stdio.WithCredentials(cfg.DefaultTeam, cfg.APIKey),
		)
		logger.InfoContext(ctx, "gateway.start", slog.String("transport", "stdio"))
		return h.Serve(ctx)
	}

	sm.StartSweeper(ctx)

	root := http.NewServeMux()

	var mcpOpts []streaminghttp.Option
	mcpOpts = append(mcpOpts, streaminghttp.WithLogger(logger))

	if cfg.OAuthDisabled {
		mcpOpts = append(mcpOpts, streaminghttp.WithOAuthDisabled())

		mh, err := streaminghttp.New(sm, tools, nil, "", mcpOpts...)
		if err != nil {
			return err
		}
		root.Handle("/mcp", mh)
		root.Handle("/healthz", mh)
	} else {
		relay := tokenrelay.New(tokenrelay.Mode(cfg.RelayMode), tokenrelay.WithLogger(logger))

		bridge := authbridge.NewBridge(cfg.PublicURL, cfg.DefaultTeam,
			authbridge.WithLogger(logger),
			authbridge.WithTokenSink(relay),
			authbridge.WithFallbackRecorder(sm),
		)
		bh, err := authbridge.NewHandler(bridge, "/mcp", logger)
		if err != nil {
			return err
		}

		if cfg.TeamFallback {
			mcpOpts = append(mcpOpts, streaminghttp.WithFallbackSeedTeam(cfg.DefaultTeam))
		}
		mh, err := streaminghttp.New(sm, tools, bridge, bh.PRMURL(), mcpOpts...)
		if err != nil {
			return err
		}

		root.Handle("/mcp", relay.Middleware(mh))
		root.Handle("/healthz", mh)
		root.Handle("/authorize", bh)
		root.Handle("/token", bh)
		root.Handle("/register", bh)
		root.Handle("/.well-known/", bh)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.InfoContext(ctx, "gateway.start",
			slog.String("transport", "http"),
			slog.String("addr", cfg.ListenAddr),
			slog.String("public_url", cfg.PublicURL),
			slog.Bool("oauth_disabled", cfg.OAuthDisabled),
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("gateway.shutdown")
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
