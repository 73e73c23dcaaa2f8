package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"filtering-gateway/middleware/edgefilter/domain"

	"github.com/redis/go-redis/v9"
)

// RedisOutcomeSink grava resultados de filtragem em Redis para observação
// externa (dashboards, alertas). É um sink best-effort: o agregado autoritativo
// continua sendo o EventStore do processo.
//
// Layout das chaves:
//
//	<prefix>:total                     hash outcome -> contagem (cumulativo)
//	<prefix>:minute:<AAAAMMDDHHMM>     hash outcome -> contagem (série, com TTL)
//	<prefix>:source                    hash "<source>:<outcome>" -> contagem
//	<prefix>:key:<clientKey>           hash outcome -> contagem (opcional, com TTL)
//
// Cuidado com cardinalidade ao ligar trackKeys: uma chave Redis por cliente.
type RedisOutcomeSink struct {
	rdb *redis.Client

	prefix    string
	ttl       time.Duration // só para séries temporais e chaves por cliente
	bucket    string        // "minute" (padrão) ou "none"
	trackKeys bool
}

type RedisOutcomeSinkOption func(*RedisOutcomeSink)

func WithSinkPrefix(prefix string) RedisOutcomeSinkOption {
	return func(s *RedisOutcomeSink) { s.prefix = strings.Trim(prefix, ":") }
}

func WithSinkTTL(d time.Duration) RedisOutcomeSinkOption {
	return func(s *RedisOutcomeSink) { s.ttl = d }
}

func WithSinkBucket(bucket string) RedisOutcomeSinkOption {
	return func(s *RedisOutcomeSink) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithSinkTrackKeys(track bool) RedisOutcomeSinkOption {
	return func(s *RedisOutcomeSink) { s.trackKeys = track }
}

func NewRedisOutcomeSink(rdb *redis.Client, opts ...RedisOutcomeSinkOption) *RedisOutcomeSink {
	s := &RedisOutcomeSink{
		rdb:    rdb,
		prefix: "edgefilter:outcomes",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record implementa domain.OutcomeSink.
func (s *RedisOutcomeSink) Record(ctx context.Context, ev domain.Event) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := ev.Outcome.String()

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)

	if s.bucket == "minute" {
		bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, bucketKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	if src := strings.TrimSpace(ev.Source); src != "" {
		pipe.HIncrBy(ctx, s.prefix+":source", src+":"+field, 1)
	}

	if s.trackKeys {
		if k := strings.TrimSpace(ev.ClientKey); k != "" {
			keyKey := s.prefix + ":key:" + k
			pipe.HIncrBy(ctx, keyKey, field, 1)
			if s.ttl > 0 {
				pipe.Expire(ctx, keyKey, s.ttl)
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

var _ domain.OutcomeSink = (*RedisOutcomeSink)(nil)
