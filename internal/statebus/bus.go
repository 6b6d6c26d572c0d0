// Package statebus mirrors state store changes onto a Redis stream so other
// processes can follow coordinator and workflow progress.
package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-conductor/internal/state"
)

// DefaultStream is used when no stream name is configured.
const DefaultStream = "conductor:state"

const queueSize = 256

// Bus publishes state changes with XADD and tails them with XREAD.
type Bus struct {
	rdb     *redis.Client
	stream  string
	maxLen  int64
	dropped atomic.Int64
	logger  *zap.Logger
}

// New creates a Redis-backed bus.
func New(ctx context.Context, redisURL, stream string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if stream == "" {
		stream = DefaultStream
	}
	return &Bus{rdb: rdb, stream: stream, maxLen: 10000, logger: logger}, nil
}

// Stream returns the stream name.
func (b *Bus) Stream() string { return b.stream }

// Dropped returns how many changes were discarded because the publish
// queue was full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Publish appends one change to the stream.
func (b *Bus) Publish(ctx context.Context, c state.Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode change %s: %w", c.Path, err)
	}
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"path": c.Path,
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", b.stream, err)
	}
	return nil
}

// Mirror publishes every change made to st until the returned stop func is
// called or ctx ends. Changes are queued so state writes never wait on Redis;
// when the queue is full the change is dropped and counted.
func (b *Bus) Mirror(ctx context.Context, st *state.Store) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	queue := make(chan state.Change, queueSize)
	var wg sync.WaitGroup

	unwatch := st.Watch(func(c state.Change) {
		select {
		case queue <- c:
		default:
			b.dropped.Add(1)
		}
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case c := <-queue:
				if err := b.Publish(ctx, c); err != nil && ctx.Err() == nil {
					b.logger.Warn("state mirror publish failed",
						zap.String("path", c.Path),
						zap.Error(err))
				}
			}
		}
	}()

	b.logger.Info("state mirror started", zap.String("stream", b.stream))
	var once sync.Once
	return func() {
		once.Do(func() {
			unwatch()
			cancel()
			wg.Wait()
		})
	}
}

// Tail emits changes appended after lastID ("$" for only new entries, "0"
// for the whole stream). Read errors are retried with exponential backoff.
// Cancel ctx to stop; the channel is then closed.
func (b *Bus) Tail(ctx context.Context, lastID string) <-chan state.Change {
	ch := make(chan state.Change, 16)
	if lastID == "" {
		lastID = "$"
	}

	go func() {
		defer close(ch)
		retry := backoff.NewExponentialBackOff()
		retry.InitialInterval = 100 * time.Millisecond
		retry.MaxInterval = 5 * time.Second
		retry.MaxElapsedTime = 0

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{b.stream, lastID},
				Count:   50,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, redis.Nil) {
					retry.Reset()
					continue
				}
				wait := retry.NextBackOff()
				b.logger.Warn("state tail read failed",
					zap.Duration("retry_in", wait),
					zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				continue
			}
			retry.Reset()

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var c state.Change
					if json.Unmarshal([]byte(data), &c) != nil {
						continue
					}
					select {
					case ch <- c:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
