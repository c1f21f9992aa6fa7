package session

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type redisCommander interface {
	MSet(ctx context.Context, values ...any) *redis.StatusCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisBackend persiste a sessão em chaves Redis sob um namespace.
type RedisBackend struct {
	redis     redisCommander
	namespace string
}

// NewRedisBackend cria backend usando o cliente informado.
func NewRedisBackend(client redisCommander, namespace string) *RedisBackend {
	if namespace == "" {
		namespace = "default"
	}
	return &RedisBackend{redis: client, namespace: namespace}
}

// RedisKey monta a chave completa de um campo da sessão.
func RedisKey(namespace, field string) string {
	return fmt.Sprintf("sessao:%s:%s", namespace, field)
}

func (b *RedisBackend) keys() []string {
	keys := make([]string, len(Keys))
	for i, field := range Keys {
		keys[i] = RedisKey(b.namespace, field)
	}
	return keys
}

func (b *RedisBackend) Load(ctx context.Context) (Record, error) {
	vals, err := b.redis.MGet(ctx, b.keys()...).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis: carregar sessão: %w", err)
	}

	rec := Record{}
	for i, field := range Keys {
		if i >= len(vals) || vals[i] == nil {
			continue
		}
		if s, ok := vals[i].(string); ok {
			rec[field] = s
		}
	}
	if rec[KeyAccessToken] == "" {
		return nil, nil
	}
	return rec, nil
}

// Save usa MSET, que grava todas as chaves atomicamente.
func (b *RedisBackend) Save(ctx context.Context, rec Record) error {
	args := make([]any, 0, len(Keys)*2)
	for _, field := range Keys {
		args = append(args, RedisKey(b.namespace, field), rec[field])
	}
	if err := b.redis.MSet(ctx, args...).Err(); err != nil {
		return fmt.Errorf("redis: gravar sessão: %w", err)
	}
	return nil
}

func (b *RedisBackend) Clear(ctx context.Context) error {
	if err := b.redis.Del(ctx, b.keys()...).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis: limpar sessão: %w", err)
	}
	return nil
}
