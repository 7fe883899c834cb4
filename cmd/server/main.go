// Command server runs the ingest service: it loads config.yml, wires the
// progress bus, chunk assembler, media prober/encoder, object store,
// metadata store, analytics tracker, and ingest pipeline together, and
// serves the HTTP surface until an interrupt or terminate signal arrives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/castforge/ingestd/internal/analytics"
	"github.com/castforge/ingestd/internal/api"
	"github.com/castforge/ingestd/internal/chunkassembler"
	"github.com/castforge/ingestd/internal/concurrency"
	"github.com/castforge/ingestd/internal/config"
	"github.com/castforge/ingestd/internal/hlsencoder"
	"github.com/castforge/ingestd/internal/ingestpipeline"
	"github.com/castforge/ingestd/internal/mediaprobe"
	"github.com/castforge/ingestd/internal/metadata"
	"github.com/castforge/ingestd/internal/objectstore"
	"github.com/castforge/ingestd/internal/observability/logging"
	"github.com/castforge/ingestd/internal/observability/metrics"
	"github.com/castforge/ingestd/internal/progressbus"
	"github.com/castforge/ingestd/internal/server"
	"github.com/castforge/ingestd/internal/serverutil"
)

const (
	progressSubscribeWait = 60 * time.Second
	progressEvictionGrace = 5 * time.Minute
	sweepInterval         = time.Minute
	chunkTTL              = time.Hour
	shutdownTimeout       = 20 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Default().Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := "config.yml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Init(logging.Config{Level: "info", Format: "json"})
	metrics.Register()

	metadataStore, err := metadata.New(cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect metadata store: %w", err)
	}
	defer metadataStore.Close()

	uploadPermits := concurrency.NewPermits(cfg.Server.MaxConcurrentUploads)
	uploadPermits.ReportTo(metrics.UploadPermitsInUse, metrics.UploadPermitsTotal)

	objectStore, err := objectstore.New(objectstore.Config{
		Endpoint:      cfg.R2.Endpoint,
		Bucket:        cfg.R2.Bucket,
		AccessKeyID:   cfg.R2.AccessKeyID,
		SecretKey:     cfg.R2.SecretAccessKey,
		UseSSL:        cfg.R2.UseSSL,
		PublicBaseURL: cfg.R2.PublicBaseURL,
	}, uploadPermits)
	if err != nil {
		return fmt.Errorf("construct object store: %w", err)
	}

	analyticsTracker := analytics.New(analytics.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	defer analyticsTracker.Close()

	bus := progressbus.New(progressSubscribeWait, progressEvictionGrace)
	stopBusSweep := bus.StartSweeper(context.Background(), sweepInterval)
	defer stopBusSweep()

	assembler, err := chunkassembler.New(cfg.Server.StagingDir, chunkTTL, logging.WithComponent(logger, "chunkassembler"))
	if err != nil {
		return fmt.Errorf("construct chunk assembler: %w", err)
	}
	stopAssemblerSweep := assembler.StartSweeper(sweepInterval)
	defer stopAssemblerSweep()

	prober := mediaprobe.New(cfg.Video.FFprobeBinary)
	extractor := mediaprobe.NewExtractor(cfg.Video.FFmpegBinary)
	encoder := hlsencoder.New(hlsencoder.Config{
		FFmpegBinary: cfg.Video.FFmpegBinary,
		Encoder:      cfg.Video.Encoder,
	})

	encodePermits := concurrency.NewPermits(cfg.Server.MaxConcurrentEncodes)
	encodePermits.ReportTo(metrics.EncodePermitsInUse, metrics.EncodePermitsTotal)

	pipeline := ingestpipeline.New(ingestpipeline.Dependencies{
		Bus:           bus,
		Assembler:     assembler,
		Prober:        prober,
		Extractor:     extractor,
		Encoder:       encoder,
		ObjectStore:   objectStore,
		Metadata:      metadataStore,
		EncodePermits: encodePermits,
		WorkDir:       cfg.Server.WorkDir,
		Logger:        logging.WithComponent(logger, "ingestpipeline"),
	})
	pipeline.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := pipeline.Shutdown(shutdownCtx); err != nil {
			logger.Error("pipeline shutdown error", "error", err)
		}
	}()

	handler := &api.Handler{
		Pipeline:    pipeline,
		Bus:         bus,
		Assembler:   assembler,
		Metadata:    metadataStore,
		ObjectStore: objectStore,
		Analytics:   analyticsTracker,
		StagingDir:  cfg.Server.StagingDir,
		Logger:      logging.WithComponent(logger, "api"),
	}

	srv, err := server.New(handler, server.Config{
		Addr: cfg.Addr(),
		TLS: server.TLSConfig{
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:             cfg.RateLimit.GlobalRPS,
			GlobalBurst:           cfg.RateLimit.GlobalBurst,
			UploadLimit:           cfg.RateLimit.UploadLimit,
			UploadWindow:          time.Duration(cfg.RateLimit.UploadWindowSeconds) * time.Second,
			RedisAddr:             cfg.Redis.Addr,
			RedisPassword:         cfg.Redis.Password,
			TrustForwardedHeaders: cfg.RateLimit.TrustForwardedHeaders,
			TrustedProxies:        cfg.RateLimit.TrustedProxies,
		},
		CORS: server.CORSConfig{
			AdminOrigins:  cfg.CORS.AdminOrigins,
			ViewerOrigins: cfg.CORS.ViewerOrigins,
		},
		Security: server.SecurityConfig{
			// The player page loads hls.js from jsdelivr and runs a small
			// inline script to wire it up and post heartbeats; everything
			// else (the HLS proxy, API calls) stays same-origin.
			ContentSecurityPolicy: "default-src 'self'; " +
				"connect-src 'self'; " +
				"img-src 'self' data:; " +
				"script-src 'self' 'unsafe-inline' https://cdn.jsdelivr.net; " +
				"style-src 'self' 'unsafe-inline'; " +
				"media-src 'self'; " +
				"object-src 'none'; " +
				"base-uri 'self'; " +
				"frame-ancestors 'none'; " +
				"form-action 'self'",
		},
		Logger:      logging.WithComponent(logger, "http"),
		AuditLogger: logging.WithComponent(logger, "audit"),
		AdminToken:  cfg.Server.AdminPassword,
	})
	if err != nil {
		return fmt.Errorf("construct http server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("ingest service listening", "addr", cfg.Addr())
	return serverutil.Run(ctx, serverutil.Config{
		Server: srv.HTTPServer(),
		TLS: serverutil.TLSConfig{
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
		},
		ShutdownTimeout: shutdownTimeout,
	})
}
