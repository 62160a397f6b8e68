package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrStreamActive indica que ya hay un stream en vuelo para la conversación.
var ErrStreamActive = errors.New("stream already active for conversation")

// StreamGuard garantiza a lo sumo un stream activo por conversación.
// El release devuelto debe invocarse en todo camino de salida.
type StreamGuard interface {
	Acquire(ctx context.Context, conversationID string) (func(), error)
}

type memoryStreamGuard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewMemoryStreamGuard() StreamGuard {
	return &memoryStreamGuard{active: make(map[string]struct{})}
}

func (g *memoryStreamGuard) Acquire(_ context.Context, conversationID string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.active[conversationID]; ok {
		return nil, ErrStreamActive
	}
	g.active[conversationID] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.active, conversationID)
			g.mu.Unlock()
		})
	}
	return release, nil
}

// Sólo borra la llave si todavía es nuestra; un release tardío no debe
// soltar el lock de un stream más nuevo.
const redisGuardReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

type redisGuardClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

type redisStreamGuard struct {
	client redisGuardClient
	ttl    time.Duration
	prefix string
}

// NewRedisStreamGuard crea un guard distribuido; el TTL es red de seguridad
// contra procesos que mueren sin liberar.
func NewRedisStreamGuard(client *redis.Client, ttl time.Duration) StreamGuard {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &redisStreamGuard{
		client: client,
		ttl:    ttl,
		prefix: "relay:stream:",
	}
}

func (g *redisStreamGuard) Acquire(ctx context.Context, conversationID string) (func(), error) {
	key := g.prefix + conversationID
	token := uuid.NewString()

	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrStreamActive
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()
			_ = g.client.Eval(releaseCtx, redisGuardReleaseScript, []string{key}, token).Err()
		})
	}
	return release, nil
}
