package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/RenjiYuusei/Yuusei-DevTool/internal/api"
	"github.com/RenjiYuusei/Yuusei-DevTool/internal/browser"
	"github.com/RenjiYuusei/Yuusei-DevTool/internal/cdpcontrol"
	"github.com/RenjiYuusei/Yuusei-DevTool/internal/config"
	"github.com/RenjiYuusei/Yuusei-DevTool/internal/controller"
	"github.com/RenjiYuusei/Yuusei-DevTool/internal/feed"
	"github.com/RenjiYuusei/Yuusei-DevTool/internal/netutil"
	"github.com/RenjiYuusei/Yuusei-DevTool/internal/network"
	"github.com/RenjiYuusei/Yuusei-DevTool/internal/session"
	"github.com/RenjiYuusei/Yuusei-DevTool/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.PortFallbacks)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}
	cfg.SetBindAddr(bindAddr)

	slog.Info("devtool config loaded",
		"cdp_url", cfg.CDPURL(),
		"bind_addr", cfg.BindAddr,
		"public_url", cfg.PublicURL,
		"attach_grace_ms", cfg.AttachGraceMS,
		"command_timeout_ms", cfg.CommandTimeoutMS,
		"capture_dir", cfg.CaptureDir,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
		"launch_browser", cfg.LaunchBrowser,
	)

	var launcher *browser.Launcher
	if cfg.LaunchBrowser {
		launcher = browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			Binary:     cfg.BrowserBinary,
			ProfileDir: cfg.BrowserProfileDir,
			Headless:   cfg.BrowserHeadless,
		})
		if err := launcher.Launch(context.Background()); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	host := cdpcontrol.NewHost(cfg.CDPURL(), cfg.CommandTimeout(), network.Events()...)
	if err := host.Connect(context.Background()); err != nil {
		slog.Error("failed to connect to browser", "cdp_url", cfg.CDPURL(), "error", err)
		if launcher != nil {
			launcher.Stop()
		}
		os.Exit(1)
	}
	defer func() { _ = host.Close() }()

	manager := session.NewManager(host,
		session.WithGrace(cfg.AttachGrace()),
		session.WithProtocolVersion(cfg.ProtocolVersion),
		session.WithViewer(func(targetID string) cdpcontrol.ViewerConfig {
			return cdpcontrol.ViewerConfig{URL: cfg.ViewerURL(targetID), Width: cfg.ViewerWidth, Height: cfg.ViewerHeight}
		}),
	)

	broker := feed.NewBroker()
	opts := []controller.Option{
		controller.WithFeed(broker),
		controller.WithMaxBodyBytes(cfg.MaxBodyBytes),
		controller.WithCleanupTimeout(cfg.CommandTimeout()),
	}
	var capture *storage.CaptureLog
	if cfg.CaptureDir != "" {
		capture = storage.NewCaptureLog(cfg.CaptureDir, cfg.CaptureBufferSize, cfg.CaptureMaxFileMB)
		opts = append(opts, controller.WithCapture(capture))
	}
	svc := controller.NewService(host, manager, opts...)
	host.SetEventSink(svc)

	// Cancelling baseCtx ends open event streams so Shutdown can finish.
	baseCtx, stopStreams := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:        bindAddr,
		Handler:     api.NewServer(svc, feed.SSEHandler(broker)),
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}

	go func() {
		slog.Info("devtool listening", "addr", bindAddr, "docs", cfg.PublicURL+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("devtool server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopStreams()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("devtool shutdown failed", "error", err)
	}
	svc.Close(ctx)
	if capture != nil {
		if err := capture.Close(); err != nil {
			slog.Error("capture log close failed", "error", err)
		}
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
