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

	"github.com/joho/godotenv"

	"github.com/examwatch/proctor-signaling/internal/analysis"
	"github.com/examwatch/proctor-signaling/internal/auth"
	"github.com/examwatch/proctor-signaling/internal/config"
	"github.com/examwatch/proctor-signaling/internal/engine"
	"github.com/examwatch/proctor-signaling/internal/httpserver"
	"github.com/examwatch/proctor-signaling/internal/metrics"
	"github.com/examwatch/proctor-signaling/internal/session"
	"github.com/examwatch/proctor-signaling/internal/signaling"
	"github.com/examwatch/proctor-signaling/internal/store"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

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

	logger.Info("starting proctor-signaling",
		"listen_addr", cfg.ListenAddr,
		"stun_urls", cfg.STUNURLs,
		"frame_sample_interval", cfg.FrameSampleInterval,
		"detector_url_set", cfg.DetectorURL != "",
		"database_url_set", cfg.DatabaseURL != "",
	)

	// Construct the WebRTC engine early so misconfigurations (UDP port
	// range) are caught on startup, before any peer connection exists.
	eng, err := engine.NewPion(cfg, nil, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var activities store.ActivityStore
	var directory store.Directory
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "err", err)
			os.Exit(1)
		}
		defer pg.Close()
		activities, directory = pg, pg
	} else {
		logger.Warn("DATABASE_URL not set, activity events are held in memory only")
		mem := store.NewMemory()
		activities, directory = mem, mem
	}

	var detector analysis.Detector
	if cfg.DetectorURL != "" {
		detector = &analysis.HTTPDetector{URL: cfg.DetectorURL}
	} else {
		logger.Warn("DETECTOR_URL not set, frame analysis is disabled")
	}

	counters := metrics.New()
	registry := session.NewRegistry()

	router := signaling.NewRouter(signaling.RouterConfig{
		Log:            logger,
		Metrics:        counters,
		Registry:       registry,
		Engine:         eng,
		Store:          activities,
		Detector:       detector,
		Pose:           analysis.CenterOffsetEstimator{Threshold: cfg.PoseCenterThreshold},
		SampleInterval: cfg.FrameSampleInterval,
	})
	hub := signaling.NewHub(signaling.HubConfig{
		Log:               logger,
		Metrics:           counters,
		AllowedOrigins:    cfg.AllowedOrigins,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	}, router)

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	srv.Mux().Handle("GET /ws", hub)
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(counters))

	if cfg.JWTSecret != "" {
		api := httpserver.NewStudentsAPI(logger, counters, auth.NewHMACVerifier(cfg.JWTSecret), cfg.AdminRole, directory, activities)
		api.Register(srv.Mux())
	} else {
		logger.Warn("JWT_SECRET not set, student endpoints are disabled")
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
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

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
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

	return commit, buildTime
}
