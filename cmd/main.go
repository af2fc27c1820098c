package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/andesco/embedproxy/handlers"
	"github.com/andesco/embedproxy/pkg/config"
	"github.com/andesco/embedproxy/pkg/embedproxy"
)

func main() {
	parser := argparse.NewParser("embedproxy", "Sanitizing proxy for third-party video embed pages")

	configPath := parser.String("c", "config", &argparse.Options{
		Required: false,
		Default:  os.Getenv("CONFIG"),
		Help:     "Path to a YAML config file. Environment variables override file values.",
	})
	port := parser.String("p", "port", &argparse.Options{
		Required: false,
		Help:     "Port the webserver will listen on (overrides config and PORT)",
	})
	prefork := parser.Flag("", "prefork", &argparse.Options{
		Required: false,
		Help:     "This will spawn multiple processes listening",
	})
	verifyConfig := parser.Flag("", "verify-config", &argparse.Options{
		Required: false,
		Help:     "Validate the configuration, print the effective values and exit",
	})

	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *port != "" {
		cfg.Port = *port
	}

	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("config: invalid log level %q: %v", cfg.Log.Level, err)
	}
	log.SetLevel(level)

	if *verifyConfig {
		out, err := cfg.Marshal()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		fmt.Print(string(out))
		return
	}

	if err := run(cfg, *prefork); err != nil {
		log.Fatalf("server: %v", err)
	}
}

func run(cfg config.Config, prefork bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	proxy, err := embedproxy.New(cfg)
	if err != nil {
		return err
	}

	app := handlers.NewServer(proxy, handlers.ServerOptions{
		Prefork:     prefork,
		Metrics:     cfg.Metrics,
		BaseContext: ctx,
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("hosts", cfg.AllowedHosts).Infof("embedproxy listening on :%s", cfg.Port)
		return app.Listen(":" + cfg.Port)
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Errorf("graceful shutdown error: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped gracefully")
	return nil
}
