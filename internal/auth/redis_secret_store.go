package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/qbh/portal/internal/models"
	"github.com/redis/go-redis/v9"
)

const secretsKey = "qbh:jwt:secrets"

// RedisSecretStore shares signing secrets between API instances and the
// operator CLI.
type RedisSecretStore struct {
	client *redis.Client
}

func NewRedisSecretStore(client *redis.Client) *RedisSecretStore {
	return &RedisSecretStore{client: client}
}

func (s *RedisSecretStore) Load(ctx context.Context) ([]models.SecretVersion, error) {
	raw, err := s.client.Get(ctx, secretsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets from redis: %w", err)
	}

	var versions []models.SecretVersion
	if err := json.Unmarshal(raw, &versions); err != nil {
		return nil, fmt.Errorf("failed to decode secrets: %w", err)
	}
	return versions, nil
}

func (s *RedisSecretStore) Save(ctx context.Context, versions []models.SecretVersion) error {
	raw, err := json.Marshal(versions)
	if err != nil {
		return fmt.Errorf("failed to encode secrets: %w", err)
	}
	if err := s.client.Set(ctx, secretsKey, raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to write secrets to redis: %w", err)
	}
	return nil
}
