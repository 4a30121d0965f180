package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"skillflow/internal/app"
	"skillflow/internal/config"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to a YAML config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		debug   = flag.Bool("debug", false, "expose /debug/pprof")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	setupLogging(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build app")
	}
	if err := a.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start app")
	}

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: a.Handler(*debug)}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	if err := a.Close(ctxTimeout); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}

func setupLogging(lc config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if lc.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}
