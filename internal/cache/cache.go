package cache

import (
	"context"
	"time"
)

// BytesCache — общий контракт для кэша текущего состояния и стора
// идемпотентности. SetNX обязан быть атомарным по ключу.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}
