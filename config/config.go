package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lpernett/godotenv"
	"go.uber.org/zap"
)

// Config contains all runtime settings for the assistive service.
type Config struct {
	Port             string
	LogLevel         string
	MetricsNamespace string
	AllowAnyOrigin   bool
	ShutdownTimeout  time.Duration

	Gemini   GeminiConfig
	Deepgram DeepgramConfig
	Redis    RedisConfig
	Pinecone PineconeConfig
	Camera   CameraConfig
	Session  SessionConfig
}

type GeminiConfig struct {
	APIKey     string
	Model      string
	LiveModel  string
	TTSModel   string
	EmbedModel string
}

type DeepgramConfig struct {
	APIKey              string
	Model               string
	SampleRate          int
	ConfidenceThreshold float64
	UtteranceEndMs      int
}

type RedisConfig struct {
	Host        string
	Password    string
	DB          int
	SettingsTTL time.Duration
}

type PineconeConfig struct {
	APIKey string
	Index  string
	TopK   int
}

type CameraConfig struct {
	Enabled  bool
	Command  string
	DeviceID int
	Interval time.Duration
}

type SessionConfig struct {
	FramePeriod         time.Duration
	FrameMaxAge         time.Duration
	CancelGuard         time.Duration
	LiveTeardownTimeout time.Duration
	CaptureScale        float64
	CaptureQuality      int
	DefaultLanguage     string
	DefaultSpeechRate   float64
	// SpeechBackend is "gemini" for server-side TTS or "client" for browser synthesis.
	SpeechBackend string
	SceneMemory   bool
}

// LoadDotEnv loads a .env file when present. A missing file is not an error.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil {
		zap.L().Debug("No .env file loaded", zap.Error(err))
	}
}

// Load reads environment variables and applies defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:             envOrDefault("PORT", "8080"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		MetricsNamespace: envOrDefault("METRICS_NAMESPACE", "perceptus_sight"),
		ShutdownTimeout:  10 * time.Second,
		Gemini: GeminiConfig{
			APIKey:     firstNonEmpty(os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY")),
			Model:      envOrDefault("GEMINI_MODEL", "gemini-2.5-flash"),
			LiveModel:  envOrDefault("GEMINI_LIVE_MODEL", "gemini-2.0-flash-live-001"),
			TTSModel:   envOrDefault("GEMINI_TTS_MODEL", "gemini-2.5-flash-preview-tts"),
			EmbedModel: envOrDefault("GEMINI_EMBED_MODEL", "text-embedding-004"),
		},
		Deepgram: DeepgramConfig{
			APIKey:              strings.TrimSpace(os.Getenv("DEEPGRAM_API_KEY")),
			Model:               envOrDefault("DEEPGRAM_MODEL", "nova-2"),
			SampleRate:          16000,
			ConfidenceThreshold: 0.3,
			UtteranceEndMs:      1000,
		},
		Redis: RedisConfig{
			Host:        strings.TrimSpace(os.Getenv("REDIS_HOST")),
			Password:    os.Getenv("REDIS_PASSWORD"),
			SettingsTTL: 30 * 24 * time.Hour,
		},
		Pinecone: PineconeConfig{
			APIKey: strings.TrimSpace(os.Getenv("PINECONE_API_KEY")),
			Index:  strings.TrimSpace(os.Getenv("PINECONE_INDEX")),
			TopK:   3,
		},
		Camera: CameraConfig{
			Command:  envOrDefault("CAMERA_FFMPEG_COMMAND", "ffmpeg"),
			Interval: time.Second,
		},
		Session: SessionConfig{
			FramePeriod:         500 * time.Millisecond,
			FrameMaxAge:         5 * time.Second,
			CancelGuard:         750 * time.Millisecond,
			LiveTeardownTimeout: 5 * time.Second,
			CaptureScale:        0.5,
			CaptureQuality:      70,
			DefaultLanguage:     envOrDefault("DEFAULT_LANGUAGE", "en-US"),
			DefaultSpeechRate:   1.0,
			SpeechBackend:       envOrDefault("SPEECH_BACKEND", "gemini"),
		},
	}

	var err error
	if cfg.AllowAnyOrigin, err = boolFromEnv("ALLOW_ANY_ORIGIN", false); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = durationFromEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Deepgram.SampleRate, err = intFromEnv("DEEPGRAM_SAMPLE_RATE", cfg.Deepgram.SampleRate); err != nil {
		return Config{}, err
	}
	if cfg.Deepgram.ConfidenceThreshold, err = floatFromEnv("DEEPGRAM_CONFIDENCE_THRESHOLD", cfg.Deepgram.ConfidenceThreshold); err != nil {
		return Config{}, err
	}
	if cfg.Deepgram.UtteranceEndMs, err = intFromEnv("DEEPGRAM_UTTERANCE_END_MS", cfg.Deepgram.UtteranceEndMs); err != nil {
		return Config{}, err
	}
	if cfg.Redis.DB, err = intFromEnv("REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.Redis.SettingsTTL, err = durationFromEnv("REDIS_SETTINGS_TTL", cfg.Redis.SettingsTTL); err != nil {
		return Config{}, err
	}
	if cfg.Pinecone.TopK, err = intFromEnv("PINECONE_TOP_K", cfg.Pinecone.TopK); err != nil {
		return Config{}, err
	}
	if cfg.Camera.Enabled, err = boolFromEnv("CAMERA_ENABLED", false); err != nil {
		return Config{}, err
	}
	if cfg.Camera.DeviceID, err = intFromEnv("CAMERA_DEVICE_ID", 0); err != nil {
		return Config{}, err
	}
	if cfg.Camera.Interval, err = durationFromEnv("CAMERA_INTERVAL", cfg.Camera.Interval); err != nil {
		return Config{}, err
	}
	if cfg.Session.FramePeriod, err = durationFromEnv("LIVE_FRAME_PERIOD", cfg.Session.FramePeriod); err != nil {
		return Config{}, err
	}
	if cfg.Session.FrameMaxAge, err = durationFromEnv("FRAME_MAX_AGE", cfg.Session.FrameMaxAge); err != nil {
		return Config{}, err
	}
	if cfg.Session.CancelGuard, err = durationFromEnv("CANCEL_GUARD", cfg.Session.CancelGuard); err != nil {
		return Config{}, err
	}
	if cfg.Session.LiveTeardownTimeout, err = durationFromEnv("LIVE_TEARDOWN_TIMEOUT", cfg.Session.LiveTeardownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Session.CaptureScale, err = floatFromEnv("CAPTURE_SCALE", cfg.Session.CaptureScale); err != nil {
		return Config{}, err
	}
	if cfg.Session.CaptureQuality, err = intFromEnv("CAPTURE_QUALITY", cfg.Session.CaptureQuality); err != nil {
		return Config{}, err
	}
	if cfg.Session.DefaultSpeechRate, err = floatFromEnv("DEFAULT_SPEECH_RATE", cfg.Session.DefaultSpeechRate); err != nil {
		return Config{}, err
	}
	if cfg.Session.SceneMemory, err = boolFromEnv("SCENE_MEMORY", false); err != nil {
		return Config{}, err
	}

	if cfg.Session.FramePeriod <= 0 {
		return Config{}, fmt.Errorf("LIVE_FRAME_PERIOD must be positive")
	}
	if cfg.Session.CaptureScale <= 0 || cfg.Session.CaptureScale > 1 {
		return Config{}, fmt.Errorf("CAPTURE_SCALE must be in (0, 1], got %v", cfg.Session.CaptureScale)
	}
	if cfg.Session.CaptureQuality < 1 || cfg.Session.CaptureQuality > 100 {
		return Config{}, fmt.Errorf("CAPTURE_QUALITY must be in [1, 100], got %d", cfg.Session.CaptureQuality)
	}
	if cfg.Session.DefaultSpeechRate <= 0 {
		cfg.Session.DefaultSpeechRate = 1.0
	}
	switch cfg.Session.SpeechBackend {
	case "gemini", "client":
	default:
		return Config{}, fmt.Errorf("SPEECH_BACKEND must be gemini or client, got %q", cfg.Session.SpeechBackend)
	}
	if cfg.Pinecone.TopK <= 0 {
		cfg.Pinecone.TopK = 3
	}

	return cfg, nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + strings.TrimPrefix(c.Port, ":")
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "":
		return fallback, nil
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid %s: %q", key, value)
	}
}
