package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Perceptus-Labs/perceptus-sight/models"
)

const settingsKeyPrefix = "sight:settings:"

// RedisSettingsStore persists per-client settings as JSON in Redis.
type RedisSettingsStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSettingsStore(client *redis.Client, ttl time.Duration) *RedisSettingsStore {
	return &RedisSettingsStore{client: client, ttl: ttl}
}

func settingsKey(clientID string) string {
	return settingsKeyPrefix + clientID
}

func (s *RedisSettingsStore) Load(ctx context.Context, clientID string) (models.Settings, bool, error) {
	raw, err := s.client.Get(ctx, settingsKey(clientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Settings{}, false, nil
	}
	if err != nil {
		return models.Settings{}, false, fmt.Errorf("failed to load settings: %w", err)
	}

	var settings models.Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return models.Settings{}, false, fmt.Errorf("failed to decode settings: %w", err)
	}
	return settings, true, nil
}

func (s *RedisSettingsStore) Save(ctx context.Context, clientID string, settings models.Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := s.client.Set(ctx, settingsKey(clientID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// MemorySettingsStore keeps settings for the lifetime of the process.
type MemorySettingsStore struct {
	mu       sync.RWMutex
	settings map[string]models.Settings
}

func NewMemorySettingsStore() *MemorySettingsStore {
	return &MemorySettingsStore{settings: make(map[string]models.Settings)}
}

func (s *MemorySettingsStore) Load(_ context.Context, clientID string) (models.Settings, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings, ok := s.settings[clientID]
	return settings, ok, nil
}

func (s *MemorySettingsStore) Save(_ context.Context, clientID string, settings models.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[clientID] = settings
	return nil
}
