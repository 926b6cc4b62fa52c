// jsockd-factory runs a multi-connection jsock server: every accepted
// client gets its own Worker, with optional per-IP admission control
// and a Prometheus /metrics endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cpiekarski/jsockd/internal/admission"
	apperrors "github.com/cpiekarski/jsockd/pkg/errors"
	"github.com/cpiekarski/jsockd/pkg/jsock"
	"github.com/cpiekarski/jsockd/pkg/logger"
	"github.com/cpiekarski/jsockd/pkg/metrics"
)

type config struct {
	Listen struct {
		Address string `json:"address"`
		Port    int    `json:"port"`
	} `json:"listen"`
	AcceptTimeoutMs int `json:"accept_timeout_ms"`
	RecvTimeoutMs   int `json:"recv_timeout_ms"`
	MaxMessageSize  int `json:"max_message_size"`
	Admission       struct {
		Enabled                 bool `json:"enabled"`
		MaxConnectionsPerIP     int  `json:"max_connections_per_ip"`
		MaxConnectionsPerMinute int  `json:"max_connections_per_minute"`
		BanDurationMs           int  `json:"ban_duration_ms"`
		CleanupIntervalMs       int  `json:"cleanup_interval_ms"`
	} `json:"admission"`
	Metrics struct {
		Listen    string `json:"listen"`
		Namespace string `json:"namespace"`
	} `json:"metrics"`
}

func loadConfig(path string) (*config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap("config_open", "cannot open config file", err)
	}
	defer f.Close()

	var cfg config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, apperrors.Wrap("config_decode", "cannot decode config file", err)
	}
	if cfg.Listen.Address == "" {
		cfg.Listen.Address = "0.0.0.0"
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 7100
	}
	if cfg.RecvTimeoutMs == 0 {
		cfg.RecvTimeoutMs = 30_000
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = int(jsock.DefaultMaxMessageSize)
	}
	if cfg.Admission.BanDurationMs == 0 {
		cfg.Admission.BanDurationMs = 60_000
	}
	if cfg.Admission.CleanupIntervalMs == 0 {
		cfg.Admission.CleanupIntervalMs = 30_000
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9464"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "jsockd"
	}
	return &cfg, nil
}

func echo(v any) (any, error) {
	return v, nil
}

func serveMetrics(ctx context.Context, addr string, collectors *metrics.Collectors, fs *jsock.FactoryServer) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	observer := metrics.NewObserver(collectors)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observer.Observe(fs.GetClientStats())
			}
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server: %v", err)
	}
}

func main() {
	cfgPath := flag.String("config", "config.json", "config file path")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		logger.Error("config: %v", err)
		os.Exit(1)
	}

	var limiter *admission.Limiter
	if cfg.Admission.Enabled {
		limiter = admission.NewLimiter(admission.Config{
			Enabled:                 true,
			MaxConnectionsPerIP:     cfg.Admission.MaxConnectionsPerIP,
			MaxConnectionsPerMinute: cfg.Admission.MaxConnectionsPerMinute,
			BanDuration:             time.Duration(cfg.Admission.BanDurationMs) * time.Millisecond,
			CleanupInterval:         time.Duration(cfg.Admission.CleanupIntervalMs) * time.Millisecond,
		})
		defer limiter.Stop()
	}

	factory := jsock.HandlerWorkerFactory{
		Handler:        echo,
		RecvTimeout:    time.Duration(cfg.RecvTimeoutMs) * time.Millisecond,
		MaxMessageSize: uint32(cfg.MaxMessageSize),
	}

	fs := jsock.NewFactoryServer(
		cfg.Listen.Address, cfg.Listen.Port, factory,
		time.Duration(cfg.AcceptTimeoutMs)*time.Millisecond,
		time.Duration(cfg.RecvTimeoutMs)*time.Millisecond,
		limiter,
	)
	if err := fs.Start(); err != nil {
		logger.Error("start: %v", err)
		os.Exit(1)
	}
	logger.Info("jsockd-factory listening on %s:%d", fs.Address(), fs.Port())

	ctx, cancel := context.WithCancel(context.Background())
	collectors := metrics.Init(cfg.Metrics.Namespace)
	go serveMetrics(ctx, cfg.Metrics.Listen, collectors, fs)

	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	logger.Info("signal received, shutting down")
	cancel()
	if err := fs.Close(); err != nil {
		logger.Error("close: %v", err)
	}
	logger.Info("bye")
}
