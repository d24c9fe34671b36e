// Package throttle rejects transactions for (username, client IP) pairs that
// accumulated too many failed logins within a window. Counters live in redis
// so every node of a cluster sees the same state.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/casidp/authn/internal/logger"
	"github.com/casidp/authn/internal/services/authn"
)

const keyPrefix = "authn:throttle:"

// ErrThrottled is returned by Process for throttled pairs.
var ErrThrottled = errors.New("too many failed authentication attempts")

// Counter is the slice of the redis client the throttle needs.
type Counter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// Throttle is both the pre-processor that rejects throttled pairs and the
// event listener that counts failures and clears counters after a success.
// A failed transaction counts once per rejected pair, however many handlers
// rejected it.
type Throttle struct {
	client    Counter
	threshold int
	window    time.Duration

	// transaction id to the set of keys rejected so far
	pending sync.Map
}

// New creates a throttle. threshold failures within window block further
// attempts until the window passes.
func New(client Counter, threshold int, window time.Duration) *Throttle {
	return &Throttle{client: client, threshold: threshold, window: window}
}

// NewRedisClient returns a connected client for addr (host:port or redis:// URL).
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (t *Throttle) Name() string { return "FailureThrottle" }

func (t *Throttle) Supports(c authn.Credential) bool {
	_, ok := authn.AsUsernamePassword(c)
	return ok
}

// Process rejects the transaction when any username credential is over the
// threshold. Redis errors let the transaction through.
func (t *Throttle) Process(ctx context.Context, tx *authn.Transaction) error {
	if t.threshold <= 0 {
		return nil
	}
	ip := clientIP(ctx)
	for _, c := range tx.Credentials() {
		up, ok := authn.AsUsernamePassword(c)
		if !ok {
			continue
		}
		count, err := t.client.Get(ctx, key(up.Username, ip)).Int()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				logger.WarnCtx(ctx, "throttle lookup failed", logger.KeyProcessor, t.Name(), logger.Err(err))
			}
			continue
		}
		if count >= t.threshold {
			return fmt.Errorf("%s from %s: %w", up.Username, ipOrUnknown(ip), ErrThrottled)
		}
	}
	return nil
}

// OnEvent collects credential rejections while a transaction runs, counts
// them when it fails and resets the counters of a successful transaction.
func (t *Throttle) OnEvent(ctx context.Context, ev authn.Event) {
	if ev.Transaction == nil {
		return
	}
	txID := ev.Transaction.ID()

	switch ev.Type {
	case authn.EventHandlerFailed:
		if ev.Failure == nil || !ev.Failure.Kind.IsCredentialRejection() {
			return
		}
		up, ok := authn.AsUsernamePassword(ev.Credential)
		if !ok {
			return
		}
		v, _ := t.pending.LoadOrStore(txID, &sync.Map{})
		v.(*sync.Map).Store(key(up.Username, clientIP(ctx)), struct{}{})
	case authn.EventTransactionFailed:
		v, ok := t.pending.LoadAndDelete(txID)
		if !ok {
			return
		}
		v.(*sync.Map).Range(func(k, _ any) bool {
			t.recordFailure(ctx, k.(string))
			return true
		})
	case authn.EventTransactionSucceeded:
		t.pending.Delete(txID)

		ip := clientIP(ctx)
		var keys []string
		for _, c := range ev.Transaction.Credentials() {
			if up, ok := authn.AsUsernamePassword(c); ok {
				keys = append(keys, key(up.Username, ip))
			}
		}
		if len(keys) == 0 {
			return
		}
		if err := t.client.Del(ctx, keys...).Err(); err != nil {
			logger.WarnCtx(ctx, "throttle reset failed", logger.KeyProcessor, t.Name(), logger.Err(err))
		}
	}
}

func (t *Throttle) recordFailure(ctx context.Context, k string) {
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, t.window)
		return nil
	})
	if err != nil {
		logger.WarnCtx(ctx, "throttle increment failed", logger.KeyProcessor, t.Name(), logger.Err(err))
	}
}

// Failures returns the current failure count of a pair.
func (t *Throttle) Failures(ctx context.Context, username, ip string) (int, error) {
	n, err := t.client.Get(ctx, key(username, ip)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func key(username, ip string) string {
	return keyPrefix + strconv.Quote(username) + ":" + ipOrUnknown(ip)
}

func clientIP(ctx context.Context) string {
	ci, _ := authn.ClientInfoFromContext(ctx)
	return ci.ClientIP
}

func ipOrUnknown(ip string) string {
	if ip == "" {
		return "unknown"
	}
	return ip
}
