package main

import (
	"context"
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"camrelay/config"
	"camrelay/httpServer"
	"camrelay/internal/auth"
	"camrelay/internal/keyframe"
	"camrelay/internal/metrics"
	"camrelay/internal/recorder"
	"camrelay/internal/rtmp"
	"camrelay/internal/storage"
	"camrelay/internal/stream"
)

func main() {
	// Load configuration
	cfg := config.Load()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Infof("starting camrelay (station %s)", cfg.Station)
	logger.Infof("HTTP server: %s", cfg.HTTPAddr)
	logger.Infof("RTMP ingest: %s", cfg.RTMPAddr)
	logger.Infof("devices: %v", cfg.DeviceIDs)

	// Initialize storage
	var storageBackend storage.Storage

	if cfg.StorageType == "gcs" {
		if cfg.GCSBucketName == "" {
			logger.Fatal("GCS_BUCKET_NAME must be set when STORAGE_TYPE=gcs")
		}
		gcsStorage, err := storage.NewGCSStorage(context.Background(), cfg.GCSBucketName, cfg.GCSBaseDir)
		if err != nil {
			logger.Fatalf("failed to initialize GCS storage: %v", err)
		}
		storageBackend = gcsStorage
		logger.Infof("storage initialized: GCS bucket=%s baseDir=%s", cfg.GCSBucketName, cfg.GCSBaseDir)
	} else {
		localStorage, err := storage.NewLocalStorage(cfg.StorageDir)
		if err != nil {
			logger.Fatalf("failed to initialize local storage: %v", err)
		}
		storageBackend = localStorage
		logger.Infof("storage initialized: local directory=%s", cfg.StorageDir)
	}

	// Initialize metrics
	m := metrics.New(prometheus.DefaultRegisterer)

	// Initialize RTMP ingest (the device source) and per-device managers
	rtmpSrv := rtmp.New(rtmp.Config{
		Addr:               cfg.RTMPAddr,
		Station:            cfg.Station,
		MaxSessionDuration: cfg.MaxSessionDuration,
	}, nil, logger, m)

	detector := keyframe.NewNALDetector()
	registry := stream.NewRegistry(logger)
	for _, deviceID := range cfg.DeviceIDs {
		mCfg := stream.DefaultConfig(deviceID)
		mCfg.CachingEnabled = cfg.CachingEnabled
		registry.Add(stream.NewManager(mCfg, rtmpSrv, detector, logger, m))
	}
	rtmpSrv.SetHandler(registry)

	// Initialize auth and recorder
	authManager := auth.New(cfg.DefaultTokenExpiration, cfg.MaxTokenExpiration)
	rec := recorder.New(storageBackend, registry, detector, logger, m, cfg.ChunkDuration)

	// Initialize HTTP server
	baseURL := "http://localhost" + cfg.HTTPAddr
	httpSrv := httpServer.New(registry, authManager, rec, m, baseURL)

	go func() {
		if err := rtmpSrv.ListenAndServe(); err != nil {
			logger.Fatalf("RTMP server failed: %v", err)
		}
	}()

	// Start HTTP server (blocking)
	if err := httpSrv.Run(cfg.HTTPAddr); err != nil {
		logger.Fatalf("HTTP server failed: %v", err)
	}
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	zapCfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	l, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
