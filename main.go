package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Perceptus-Labs/perceptus-sight/config"
	"github.com/Perceptus-Labs/perceptus-sight/handlers"
	"github.com/Perceptus-Labs/perceptus-sight/models"
	"github.com/Perceptus-Labs/perceptus-sight/utils"
)

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewExample()
	}
	return logger
}

func main() {
	config.LoadDotEnv()
	cfg, cfgErr := config.Load()

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if cfgErr != nil {
		logger.Fatal("Invalid configuration", zap.Error(cfgErr))
	}
	logger.Info("Server Version: Perceptus Sight")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var settings models.SettingsStore = utils.NewMemorySettingsStore()
	if cfg.Redis.Host != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Host,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: 20 * time.Second,
		})
		defer redisClient.Close()

		redisCtx, cancelRedis := context.WithTimeout(ctx, 10*time.Second)
		_, err := redisClient.Ping(redisCtx).Result()
		cancelRedis()
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		logger.Info("Successfully connected to Redis")
		settings = utils.NewRedisSettingsStore(redisClient, cfg.Redis.SettingsTTL)
	} else {
		logger.Info("REDIS_HOST not set, settings are kept in memory")
	}

	gemini, err := utils.NewGeminiClient(ctx, utils.GeminiOptions{
		APIKey:     cfg.Gemini.APIKey,
		Model:      cfg.Gemini.Model,
		LiveModel:  cfg.Gemini.LiveModel,
		TTSModel:   cfg.Gemini.TTSModel,
		EmbedModel: cfg.Gemini.EmbedModel,
	})
	if err != nil {
		logger.Fatal("Failed to create Gemini client", zap.Error(err))
	}

	var frames *utils.FrameBuffer
	if cfg.Camera.Enabled {
		frames = utils.NewFrameBuffer(cfg.Session.FrameMaxAge)
		camera := utils.NewCameraCapture(cfg.Camera.Command, cfg.Camera.DeviceID)
		go camera.Run(ctx, cfg.Camera.Interval, frames)
		logger.Info("Camera capture enabled", zap.Int("device_id", cfg.Camera.DeviceID))
	}

	language, ok := models.LookupLanguage(cfg.Session.DefaultLanguage)
	if !ok {
		logger.Warn("Unknown DEFAULT_LANGUAGE, using English", zap.String("language", cfg.Session.DefaultLanguage))
		language = models.DefaultLanguage()
	}

	var memories sync.Map
	factory := func(sessionCtx context.Context, clientID string, sink models.SpeechSink) (handlers.SessionDeps, error) {
		sessionLogger := zap.L().With(zap.String("client_id", clientID))
		deps := handlers.SessionDeps{
			Remote: gemini,
			Live:   utils.NewGeminiLive(gemini, sink, sessionLogger),
			Recognizer: utils.NewDeepgramRecognizer(utils.DeepgramOptions{
				APIKey:              cfg.Deepgram.APIKey,
				Model:               cfg.Deepgram.Model,
				SampleRate:          cfg.Deepgram.SampleRate,
				ConfidenceThreshold: cfg.Deepgram.ConfidenceThreshold,
				UtteranceEndMs:      cfg.Deepgram.UtteranceEndMs,
			}, sessionLogger),
		}

		switch cfg.Session.SpeechBackend {
		case "client":
			deps.Speech = utils.NewClientSpeaker(sink)
		default:
			deps.Speech = utils.NewGeminiSpeaker(gemini, sink)
		}

		if !cfg.Session.SceneMemory {
			return deps, nil
		}
		if cfg.Pinecone.APIKey != "" && cfg.Pinecone.Index != "" {
			memory, err := utils.NewPineconeSceneMemory(sessionCtx, utils.PineconeOptions{
				APIKey:    cfg.Pinecone.APIKey,
				Index:     cfg.Pinecone.Index,
				Namespace: clientID,
				TopK:      cfg.Pinecone.TopK,
			}, gemini)
			if err == nil {
				deps.Memory = memory
				deps.Release = func() {
					if err := memory.Close(); err != nil {
						sessionLogger.Debug("Failed to close Pinecone connection", zap.Error(err))
					}
				}
				return deps, nil
			}
			sessionLogger.Warn("Pinecone unavailable, keeping scene memory in process", zap.Error(err))
		}
		memory, _ := memories.LoadOrStore(clientID, utils.NewMemorySceneMemory(gemini, cfg.Pinecone.TopK, 0))
		deps.Memory = memory.(*utils.MemorySceneMemory)
		return deps, nil
	}

	metrics := utils.NewMetrics(cfg.MetricsNamespace, nil)
	server := handlers.NewServer(handlers.ServerConfig{
		AllowAnyOrigin: cfg.AllowAnyOrigin,
		Heartbeat:      30 * time.Second,
		FrameMaxAge:    cfg.Session.FrameMaxAge,
		CaptureScale:   cfg.Session.CaptureScale,
		CaptureQuality: cfg.Session.CaptureQuality,
		Frames:         frames,
		Orchestrator: handlers.OrchestratorConfig{
			FramePeriod:         cfg.Session.FramePeriod,
			CancelGuard:         cfg.Session.CancelGuard,
			LiveTeardownTimeout: cfg.Session.LiveTeardownTimeout,
			Language:            language,
			SpeechRate:          cfg.Session.DefaultSpeechRate,
		},
	}, factory, settings, metrics)

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverExit := make(chan struct{})
	go func() {
		defer close(serverExit)
		logger.Info("Starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server exited unexpectedly", zap.Error(err))
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	case <-serverExit:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	logger.Info("Server shut down gracefully")
}
