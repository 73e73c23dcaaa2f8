package infra

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterCache mantém um token-bucket (x/time/rate) por chave de cliente, com
// expiração de chaves ociosas. Serve de base para o guarda de rajada do
// gateway: diferente do throttle e do suavizador, aqui a resposta é rejeitar,
// não atrasar.
type LimiterCache struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry

	rps          rate.Limit
	burst        int
	idleTTL      time.Duration
	cleanupEvery time.Duration
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type LimiterCacheOption func(*LimiterCache)

func WithLimiterIdleTTL(d time.Duration) LimiterCacheOption {
	return func(c *LimiterCache) { c.idleTTL = d }
}

func WithLimiterCleanupEvery(d time.Duration) LimiterCacheOption {
	return func(c *LimiterCache) { c.cleanupEvery = d }
}

func NewLimiterCache(rps float64, burst int, opts ...LimiterCacheOption) *LimiterCache {
	c := &LimiterCache{
		entries:      make(map[string]*limiterEntry),
		rps:          rate.Limit(rps),
		burst:        burst,
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *LimiterCache) RPS() float64 { return float64(c.rps) }
func (c *LimiterCache) Burst() int   { return c.burst }

// Allow consome um token do bucket da chave, criando-o na primeira visita.
func (c *LimiterCache) Allow(key string) bool {
	now := time.Now()

	c.mu.Lock()
	ent, ok := c.entries[key]
	if !ok {
		ent = &limiterEntry{lim: rate.NewLimiter(c.rps, c.burst)}
		c.entries[key] = ent
	}
	ent.lastSeen = now
	lim := ent.lim
	c.mu.Unlock()

	return lim.Allow()
}

// Cleanup remove as entradas ociosas há mais que o idleTTL.
func (c *LimiterCache) Cleanup() {
	cutoff := time.Now().Add(-c.idleTTL)

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, ent := range c.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(c.entries, k)
		}
	}
}

// StartJanitor liga a limpeza periódica; pare cancelando o contexto.
func (c *LimiterCache) StartJanitor(ctx context.Context) {
	if c.cleanupEvery <= 0 {
		return
	}
	t := time.NewTicker(c.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.Cleanup()
			}
		}
	}()
}
