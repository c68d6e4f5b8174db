package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/ShipBox/internal/cache"
	"github.com/pkg/errors"
)

var (
	// ErrMissingKey — клиент не прислал ключ идемпотентности.
	ErrMissingKey = errors.New("idempotency key is required")
	// ErrKeyConflict — тот же ключ, но другое тело/путь. Это баг клиента,
	// молча не разруливаем.
	ErrKeyConflict = errors.New("idempotency key reused with a different request")
	// ErrInFlight — идентичный дубль ещё обрабатывается первым запросом.
	ErrInFlight = errors.New("duplicate request is still in flight")
)

const (
	DefaultTTL = 30 * time.Minute

	// Сколько живёт pending-маркер: достаточно для одной мутации,
	// но не блокирует ретраи навсегда, если процесс умер посреди работы.
	defaultPendingTTL = 60 * time.Second

	defaultWaitStep = 50 * time.Millisecond
	defaultMaxWait  = 2 * time.Second
)

// Request — нормализованный мутирующий запрос, пришедший от веб-слоя.
type Request struct {
	Key      string
	Path     string
	CallerID string
	Body     []byte
}

type Result struct {
	StatusCode int
	Body       json.RawMessage
	Replayed   bool
}

// Fn — защищаемая операция. err — транзиентный сбой (ответ не кэшируем,
// ретрай клиента выполнит операцию заново). Бизнес-отказы (4xx) — это
// обычный ответ и кэшируются как любой другой.
type Fn func(ctx context.Context) (statusCode int, body []byte, err error)

// Guard делает любой мутирующий эндпоинт безопасным при ретраях и
// одновременных дублях. Стор инжектируется — никаких скрытых синглтонов.
type Guard struct {
	cache cache.BytesCache
	ttl   time.Duration

	pendingTTL time.Duration
	waitStep   time.Duration
	maxWait    time.Duration
}

func New(c cache.BytesCache, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{
		cache:      c,
		ttl:        ttl,
		pendingTTL: defaultPendingTTL,
		waitStep:   defaultWaitStep,
		maxWait:    defaultMaxWait,
	}
}

// WithWait настраивает ожидание проигравшего гонку (в тестах — короче).
func (g *Guard) WithWait(step, max time.Duration) *Guard {
	if step > 0 {
		g.waitStep = step
	}
	if max > 0 {
		g.maxWait = max
	}
	return g
}

// record — то, что лежит в кэше под ключом (caller, key).
type record struct {
	Fingerprint string          `json:"fp"`
	Done        bool            `json:"done"`
	StatusCode  int             `json:"status,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// Do выполняет fn не более одного раза на отпечаток, пока жива запись.
// Схема: lookup -> (hit: replay или conflict) | (miss: SetNX pending,
// проигравший коротко ждёт и перечитывает).
func (g *Guard) Do(ctx context.Context, req Request, fn Fn) (*Result, error) {
	if req.Key == "" {
		return nil, ErrMissingKey
	}

	fp := req.fingerprint()
	key := req.cacheKey()
	deadline := time.Now().Add(g.maxWait)

	for {
		b, found, err := g.cache.Get(ctx, key)
		if err != nil {
			return nil, errors.Wrap(err, "idempotency lookup")
		}
		if found {
			var rec record
			if err := json.Unmarshal(b, &rec); err != nil {
				return nil, errors.Wrap(err, "decode idempotency record")
			}
			if rec.Fingerprint != fp {
				return nil, errors.Wrapf(ErrKeyConflict, "key %q", req.Key)
			}
			if rec.Done {
				return &Result{StatusCode: rec.StatusCode, Body: rec.Body, Replayed: true}, nil
			}
			// Идентичный дубль обрабатывается прямо сейчас: ждём его ответ.
			if time.Now().After(deadline) {
				return nil, errors.Wrapf(ErrInFlight, "key %q", req.Key)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(g.waitStep):
			}
			continue
		}

		pending, _ := json.Marshal(record{Fingerprint: fp})
		won, err := g.cache.SetNX(ctx, key, pending, g.pendingTTL)
		if err != nil {
			return nil, errors.Wrap(err, "idempotency claim")
		}
		if !won {
			// Кто-то вставил запись между Get и SetNX — перечитываем.
			continue
		}

		status, body, err := fn(ctx)
		if err != nil {
			// Мутация не состоялась: освобождаем ключ под ретрай клиента.
			if delErr := g.cache.Delete(ctx, key); delErr != nil {
				slog.Warn("release idempotency key", "key", req.Key, "error", delErr.Error())
			}
			return nil, err
		}

		final, _ := json.Marshal(record{Fingerprint: fp, Done: true, StatusCode: status, Body: body})
		if err := g.cache.Set(ctx, key, final, g.ttl); err != nil {
			// Мутация уже применена — ответ отдаём, реплей просто не сработает.
			slog.Warn("store idempotency record", "key", req.Key, "error", err.Error())
		}
		return &Result{StatusCode: status, Body: body}, nil
	}
}

// fingerprint = sha256(key | path | caller | каноническое тело).
// Тело канонизируем как compact JSON, чтобы пробелы не ломали реплей.
func (r Request) fingerprint() string {
	h := sha256.New()
	for _, part := range [][]byte{[]byte(r.Key), []byte(r.Path), []byte(r.CallerID), canonicalBody(r.Body)} {
		h.Write(part)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (r Request) cacheKey() string {
	// Ключ скоупится на вызывающего: одинаковые ключи разных клиентов
	// не должны пересекаться.
	sum := sha256.Sum256([]byte(r.CallerID + "\x00" + r.Key))
	return fmt.Sprintf("idem:%s", hex.EncodeToString(sum[:]))
}

func canonicalBody(body []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return bytes.TrimSpace(body)
	}
	return buf.Bytes()
}
