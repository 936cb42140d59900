package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"proxy-rmi/config"
	"proxy-rmi/node"
	"proxy-rmi/observability"
	"proxy-rmi/server"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config (optional)")
	network := flag.String("network", "", "Override listen network (tcp, unix)")
	address := flag.String("addr", "", "Override listen address")
	verbose := flag.Bool("verbose", false, "Log every frame")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if *network != "" {
		cfg.Network = *network
	}
	if *address != "" {
		cfg.Address = *address
	}
	cfg.Verbose = cfg.Verbose || *verbose
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	observability.InitLogger("proxyd", cfg.Verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("proxyd failed")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	front := demoFront()
	opts := cfg.ServerOptions()
	opts.Evaluator = lookupEvaluator{front}

	srv := server.New(front, opts)
	for _, mw := range cfg.Middlewares() {
		srv.Use(mw)
	}
	srv.OnConnect(func(n *node.Node) {
		log.Info().Str("conn", n.Conn().ID()).Msg("client connected")
	})

	if cfg.Metrics.Address != "" {
		metrics := &http.Server{Addr: cfg.Metrics.Address, Handler: metricsMux()}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		defer metrics.Close()
		log.Info().Str("addr", cfg.Metrics.Address).Msg("serving metrics")
	}

	served := make(chan error, 1)
	go func() { served <- srv.ListenAndServe(cfg.Network, cfg.Address) }()

	select {
	case err := <-served:
		// A client's SHUTDOWN request ends up here with a nil error.
		return err
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		if err := srv.Shutdown(5 * time.Second); err != nil {
			log.Warn().Err(err).Msg("shutdown incomplete")
		}
		return <-served
	}
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	return mux
}

func demoFront() *server.MapFront {
	front := server.NewMapFront()
	front.Register("path", filepath.SplitList(os.Getenv("PATH")))
	front.Register("hostname", func() any {
		name, _ := os.Hostname()
		return name
	})
	store := newStore()
	front.RegisterService(store)
	front.SetRoot(store)
	return front
}
