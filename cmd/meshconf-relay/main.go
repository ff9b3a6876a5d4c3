// meshconf-relay is the session coordination and signaling relay for mesh
// WebRTC sessions: it tracks room membership and relays offer/answer/ICE
// traffic between participants. Media never touches this process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/meshconf/meshconf/internal/auth"
	"github.com/meshconf/meshconf/internal/config"
	"github.com/meshconf/meshconf/internal/httpserver"
	"github.com/meshconf/meshconf/internal/meetings"
	"github.com/meshconf/meshconf/internal/metrics"
	"github.com/meshconf/meshconf/internal/registry"
	"github.com/meshconf/meshconf/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting meshconf-relay",
		"listen_addr", cfg.ListenAddr,
		"auth_mode", cfg.AuthMode,
		"max_participants_per_room", cfg.MaxParticipantsPerRoom,
		"ws_idle_timeout", cfg.SignalingWSIdleTimeout,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest", cfg.TURNRestSecret != "",
		"meeting_directory", cfg.RedisAddr != "",
	)

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure auth", "err", err)
		os.Exit(2)
	}

	m := metrics.New()
	reg := registry.New()

	// The meeting directory is optional; without Redis the relay still
	// accepts any key as a fresh room.
	var directory *meetings.Directory
	var readyCheck httpserver.ReadyCheck
	if cfg.RedisAddr != "" {
		store := meetings.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
		directory = meetings.NewDirectory(store, cfg.MeetingKeyTTL)
		readyCheck = store.Ping
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	build := resolveBuildInfo(buildCommit, buildTime)
	srv, err := httpserver.New(cfg, logger, build, readyCheck)
	if err != nil {
		logger.Error("failed to configure http server", "err", err)
		os.Exit(2)
	}

	sig := signaling.NewServer(signaling.Config{
		Registry:               reg,
		Verifier:               verifier,
		AuthMode:               cfg.AuthMode,
		Metrics:                m,
		Logger:                 logger,
		MaxParticipantsPerRoom: cfg.MaxParticipantsPerRoom,
		AuthTimeout:            cfg.SignalingAuthTimeout,
		IdleTimeout:            cfg.SignalingWSIdleTimeout,
		PingInterval:           cfg.SignalingWSPingInterval,
		MaxMessageBytes:        cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond:   cfg.MaxSignalingMessagesPerSecond,
		AllowedOrigins:         cfg.AllowedOrigins,
	})
	sig.RegisterRoutes(srv.Mux())

	if directory != nil {
		directory.RegisterRoutes(srv.Mux())
	}

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}
}
