package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prats-2311/story-sign-sub001/internal/analysis"
	"github.com/prats-2311/story-sign-sub001/internal/config"
	"github.com/prats-2311/story-sign-sub001/internal/gesture"
	"github.com/prats-2311/story-sign-sub001/internal/landmark"
	"github.com/prats-2311/story-sign-sub001/internal/limits"
	"github.com/prats-2311/story-sign-sub001/internal/llm"
	"github.com/prats-2311/story-sign-sub001/internal/logging"
	"github.com/prats-2311/story-sign-sub001/internal/msgqueue"
	"github.com/prats-2311/story-sign-sub001/internal/pipeline"
	"github.com/prats-2311/story-sign-sub001/internal/pool"
	"github.com/prats-2311/story-sign-sub001/internal/quality"
	"github.com/prats-2311/story-sign-sub001/internal/server"
	"github.com/prats-2311/story-sign-sub001/internal/story"
	"github.com/prats-2311/story-sign-sub001/internal/workerpool"
)

const maxShutdownGrace = 30 * time.Second

func runServe() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := initLogging(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log := logging.L("main")
	log.Info("starting server",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port)

	workerCount := cfg.Server.WorkerCount
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	workers := workerpool.New(workerCount, workerCount*16)

	llmTimeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second
	chat := llm.New(llm.Config{
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.LLM.APIKey,
		Timeout:  llmTimeout,
		Attempts: uint(cfg.LLM.MaxRetries),
	})
	dispatcher := analysis.NewDispatcher(chat, analysis.Config{
		Model:   cfg.LLM.AnalysisModel,
		Timeout: llmTimeout,
	})
	stories := story.NewGenerator(chat, story.Config{
		Model:   cfg.LLM.StoryModel,
		Timeout: llmTimeout,
	})

	sessions := pool.New(poolConfig(cfg), pool.Deps{
		NewExtractor: landmark.NewFactory(landmark.Config{
			DetectionConfidence: cfg.Extractor.DetectionConfidence,
			TrackingConfidence:  cfg.Extractor.TrackingConfidence,
		}),
		Analyzer: dispatcher,
		Workers:  workers,
		Quality:  qualityConfig(cfg),
		Gesture:  gestureConfig(cfg),
		Pipeline: pipeline.DefaultConfig(),
		Queue:    queueConfig(cfg),
		Limits: limits.Config{
			MemorySoftMB:       cfg.Limits.MemorySoftMB,
			CPUSoftPercent:     cfg.Limits.CPUSoftPercent,
			ViolationThreshold: cfg.Limits.ViolationThreshold,
		},
		Version: version,
	})

	srv := server.New(server.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
		// Leave listener headroom beyond the websocket ceiling so REST
		// and health checks still get through at full pool load.
		MaxConcurrent: cfg.Pool.MaxConnections * 2,
	}, server.Deps{
		Pool:     sessions,
		Stories:  stories,
		Analysis: dispatcher,
		Config:   cfg,
		Version:  version,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	grace := time.Duration(cfg.Pool.ShutdownGraceSeconds) * time.Second
	if grace <= 0 || grace > maxShutdownGrace {
		grace = maxShutdownGrace
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := sessions.Shutdown(ctx); err != nil {
		log.Warn("session drain incomplete", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}

	finished := make(chan struct{})
	go func() {
		dispatcher.Wait()
		workers.Shutdown(ctx)
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		log.Warn("background work abandoned at deadline")
	}

	log.Info("server stopped")
}

func initLogging(cfg *config.Config) error {
	var output io.Writer
	if cfg.Server.LogFile != "" {
		w, err := logging.NewRotatingWriter(cfg.Server.LogFile, cfg.Server.LogMaxSizeMB, cfg.Server.LogMaxBackups)
		if err != nil {
			return err
		}
		output = w
	}
	logging.Init(cfg.Server.LogFormat, cfg.Server.LogLevel, output)
	return nil
}

func poolConfig(cfg *config.Config) pool.Config {
	// The pool and queue sections both bound the per-session ingress
	// queue; the stricter setting wins.
	ingress := cfg.Pool.MaxQueueSize
	if cfg.Queue.MaxSize > 0 && cfg.Queue.MaxSize < ingress {
		ingress = cfg.Queue.MaxSize
	}
	return pool.Config{
		MaxConnections:      cfg.Pool.MaxConnections,
		MaxQueueSize:        ingress,
		HealthCheckInterval: time.Duration(cfg.Pool.HealthCheckIntervalSeconds) * time.Second,
		IdleTimeout:         time.Duration(cfg.Pool.IdleTimeoutSeconds) * time.Second,
		BatchSize:           cfg.Pool.BatchSize,
		BatchTimeout:        time.Duration(cfg.Pool.BatchTimeoutMs) * time.Millisecond,
		EgressBuffer:        cfg.Pool.EgressBuffer,
		ShutdownGrace:       time.Duration(cfg.Pool.ShutdownGraceSeconds) * time.Second,
		MaxInboundErrors:    cfg.Pool.MaxInboundErrors,
	}
}

func qualityConfig(cfg *config.Config) quality.Config {
	initial, ok := quality.ByName(cfg.Video.DefaultProfile)
	if !ok {
		initial = quality.Preset(quality.LevelHigh)
	}
	// The configured complexity applies to the starting profile only;
	// once adaptation moves, each preset carries its own.
	initial.ExtractorComplexity = cfg.Extractor.DefaultComplexity
	return quality.Config{
		Enabled:              cfg.Video.AdaptationEnabled,
		Initial:              initial,
		AdaptationInterval:   time.Duration(cfg.Video.AdaptationIntervalMs) * time.Millisecond,
		StabilityThreshold:   time.Duration(cfg.Video.StabilityThresholdMs) * time.Millisecond,
		DegradationThreshold: time.Duration(cfg.Video.DegradationThresholdMs) * time.Millisecond,
	}
}

func gestureConfig(cfg *config.Config) gesture.Config {
	return gesture.Config{
		Enabled:            cfg.Gesture.Enabled,
		VelocityThreshold:  cfg.Gesture.VelocityThreshold,
		PauseDuration:      time.Duration(cfg.Gesture.PauseDurationMs) * time.Millisecond,
		MinGestureDuration: time.Duration(cfg.Gesture.MinGestureDurationMs) * time.Millisecond,
		BufferSize:         cfg.Gesture.LandmarkBufferSize,
		SmoothingWindow:    cfg.Gesture.SmoothingWindow,
	}
}

func queueConfig(cfg *config.Config) msgqueue.Config {
	return msgqueue.Config{
		BatchSize:      cfg.Queue.BatchSize,
		BatchTimeout:   time.Duration(cfg.Queue.BatchTimeoutMs) * time.Millisecond,
		ProcessorCount: cfg.Queue.ProcessorCount,
		MaxRetries:     cfg.Queue.MaxRetries,
		RateLimit:      cfg.Queue.RateLimit,
	}
}
