package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/workano/ai-audio-relay/pkg/config"
	"github.com/workano/ai-audio-relay/pkg/metrics"
	"github.com/workano/ai-audio-relay/pkg/openai"
	"github.com/workano/ai-audio-relay/pkg/session"
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

	if cfg.APIKey == "" {
		logger.Warn("no OpenAI API key configured (set OPENAI_API_KEY or --openai-key); negotiation will fail")
	}

	logger.Info("starting ai audio relay",
		"host", cfg.Host,
		"port", cfg.Port,
		"codec", string(cfg.Codec),
		"sample_rate", cfg.SampleRate,
		"model", cfg.Model,
		"voice", cfg.Voice,
		"sideband", cfg.Sideband,
		"config_file", cfg.ConfigFile,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	relayMetrics := metrics.New(reg)

	controller := session.NewController(session.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		SampleRate:  cfg.SampleRate,
		QueueFrames: cfg.QueueFrames,
		Codec:       cfg.Codec,
		STUN:        cfg.STUN,
		ICETimeout:  cfg.ICETimeout,
		OpenAI: openai.Config{
			Endpoint: cfg.SignalingURL,
			APIKey:   cfg.APIKey,
			Model:    cfg.Model,
			Voice:    cfg.Voice,
			Logger:   logger,
		},
		NegotiationTimeout: cfg.NegotiationTimeout,
		Sideband:           cfg.Sideband,
		SidebandURL:        cfg.SidebandURL,
		Logger:             logger,
		Metrics:            relayMetrics,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var server *http.Server
	if cfg.AdminAddr != "" {
		server = &http.Server{
			Addr:              cfg.AdminAddr,
			Handler:           newAdminRouter(controller, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("admin server listening", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin server error", "error", err)
			}
		}()
	}

	runErr := controller.Run(ctx)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown error", "error", err)
		}
		cancel()
	}

	if runErr != nil {
		logger.Error("relay stopped", "error", runErr)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}
