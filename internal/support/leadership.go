package support

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL = 45 * time.Second

	leaderPollInterval = time.Second
	minRenewInterval   = 100 * time.Millisecond
	lockCallTimeout    = 5 * time.Second
)

var ErrLeadershipLost = errors.New("support: leader lock lost")

// Both scripts only touch the key while it still carries our token.
var (
	extendLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	dropLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RunWithLeader lets one of several couriergrey instances sharing a redis
// store do the record expiry. It waits until this process holds key, then
// calls run with a context that ends when the lock is lost or ctx is done.
// After run returns the lock is dropped and the wait starts over. It returns
// when ctx is done.
func RunWithLeader(ctx context.Context, client *redis.Client, key string, ttl time.Duration, run func(context.Context)) error {
	if client == nil {
		return errors.New("support: leader lock needs a redis client")
	}
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}

	token := leaderToken()
	for {
		held, err := client.SetNX(ctx, key, token, ttl).Result()
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.Warn("Taking the leader lock failed", "key", key, "error", err)
		case held:
			lead(ctx, client, key, token, ttl, run)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(leaderPollInterval):
		}
	}
}

func lead(ctx context.Context, client *redis.Client, key, token string, ttl time.Duration, run func(context.Context)) {
	log.Debug("Leader lock taken", "key", key)

	leaderCtx, cancel := context.WithCancelCause(ctx)
	renewing := make(chan struct{})
	go func() {
		defer close(renewing)
		keepLock(leaderCtx, client, key, token, ttl, cancel)
	}()

	run(leaderCtx)
	cancel(nil)
	<-renewing

	// ctx may be done already, the lock is dropped regardless
	releaseCtx, done := context.WithTimeout(context.WithoutCancel(ctx), lockCallTimeout)
	defer done()
	if err := dropLock.Run(releaseCtx, client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		log.Warn("Releasing the leader lock failed", "key", key, "error", err)
		return
	}
	log.Debug("Leader lock released", "key", key)
}

// keepLock extends the lock every third of its ttl and calls lost once
// another instance owns the key or redis stops answering.
func keepLock(ctx context.Context, client *redis.Client, key, token string, ttl time.Duration, lost context.CancelCauseFunc) {
	ticker := time.NewTicker(max(ttl/3, minRenewInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		callCtx, done := context.WithTimeout(ctx, lockCallTimeout)
		extended, err := extendLock.Run(callCtx, client, []string{key}, token, ttl.Milliseconds()).Int64()
		done()

		if ctx.Err() != nil {
			return
		}
		switch {
		case err != nil:
			err = fmt.Errorf("%w: %w", ErrLeadershipLost, err)
		case extended == 0:
			err = ErrLeadershipLost
		default:
			continue
		}
		log.Warn("Leader lock lost, stopping expiry on this instance", "key", key, "error", err)
		lost(err)
		return
	}
}

// leaderToken names this process in the lock value, which helps when an
// operator inspects the key.
func leaderToken() string {
	host, _ := os.Hostname()
	var nonce [6]byte
	_, _ = rand.Read(nonce[:])
	return fmt.Sprintf("%s/%d/%x", host, os.Getpid(), nonce)
}
