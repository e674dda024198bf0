package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/victornm/bimillog/internal/config"
	"github.com/victornm/bimillog/internal/server"
)

const defaultConfigPath = "config.yaml"

func main() {
	c, err := loadConfig()
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

	s, err := server.Init(c)
	if err != nil {
		log.Fatalf("Init server failed: %v", err)
	}

	slog.Info("bimillog: starting", "http_port", c.HTTP.Port)
	go s.Start()

	sig := <-shutdown
	slog.Info("bimillog: shutting down", "signal", sig.String())
	s.Shutdown()
}

func loadConfig() (server.Config, error) {
	var c server.Config

	p := os.Getenv("CONFIG_PATH")
	if p == "" {
		p = defaultConfigPath
	}

	if err := config.Load(p, &c); err != nil {
		return c, fmt.Errorf("load config %s: %w", p, err)
	}

	return c, nil
}
