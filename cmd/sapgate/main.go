package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"sapgate/internal/sapgate"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("SAPGATE_CONFIG"), "path to sapgate.yaml (optional, env overrides apply either way)")
	flag.Parse()

	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := sapgate.LoadConfig(configPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	log := sapgate.NewLogger(os.Stderr, cfg.Logging.Level)

	svc, err := sapgate.NewService(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init service")
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("listen")
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", addr).Str("upstream", cfg.Upstream.BaseURL).Msg("sapgate listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
