// jsockd runs a single-connection jsock echo server: one client at a
// time, framed JSON in, the same object back out.
package main

import (
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	apperrors "github.com/cpiekarski/jsockd/pkg/errors"
	"github.com/cpiekarski/jsockd/pkg/jsock"
	"github.com/cpiekarski/jsockd/pkg/logger"
)

type config struct {
	Listen struct {
		Address string `json:"address"`
		Port    int    `json:"port"`
	} `json:"listen"`
	AcceptTimeoutMs int `json:"accept_timeout_ms"`
	RecvTimeoutMs   int `json:"recv_timeout_ms"`
	MaxMessageSize  int `json:"max_message_size"`
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
		cfg.Listen.Port = 7000
	}
	if cfg.RecvTimeoutMs == 0 {
		cfg.RecvTimeoutMs = 30_000
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = int(jsock.DefaultMaxMessageSize)
	}
	return &cfg, nil
}

func echo(v any) (any, error) {
	return v, nil
}

func main() {
	cfgPath := flag.String("config", "config.json", "config file path")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		logger.Error("config: %v", err)
		os.Exit(1)
	}

	s := jsock.NewServer(
		cfg.Listen.Address, cfg.Listen.Port, echo,
		time.Duration(cfg.AcceptTimeoutMs)*time.Millisecond,
		time.Duration(cfg.RecvTimeoutMs)*time.Millisecond,
	)
	s.SetMaxMessageSize(uint32(cfg.MaxMessageSize))
	if err := s.Start(); err != nil {
		logger.Error("start: %v", err)
		os.Exit(1)
	}
	logger.Info("jsockd listening on %s:%d", s.Address(), s.Port())

	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	logger.Info("signal received, shutting down")
	if err := s.Close(); err != nil {
		logger.Error("close: %v", err)
	}
	logger.Info("bye")
}
