package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL = 45 * time.Second
	minRenewalInterval   = time.Second
	renewalTimeout       = 5 * time.Second
)

var (
	// ErrLeadershipLost is the cause of a run context cancelled because the
	// lock could not be renewed.
	ErrLeadershipLost = errors.New("support: leadership lost")
	// ErrLockBusy is returned by TryRun when another holder kept the lock for
	// the whole wait.
	ErrLockBusy = errors.New("support: lock held elsewhere")

	holderCounter atomic.Uint64

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
)

// LeaderLock is a Redis lock that lets one process out of several replicas run
// a job. The lock value identifies the holder so only the holder can renew or
// release it.
type LeaderLock struct {
	client     *redis.Client
	key        string
	ttl        time.Duration
	retryDelay time.Duration
}

func NewLeaderLock(client *redis.Client, key string, ttl time.Duration) *LeaderLock {
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}
	return &LeaderLock{
		client:     client,
		key:        key,
		ttl:        ttl,
		retryDelay: time.Second,
	}
}

// Run blocks until the lock is acquired, then calls run with a context that is
// cancelled when the lock is lost or ctx is done. A lost lock cancels it with
// ErrLeadershipLost as the cause. When run returns the lock is released and
// Run returns nil. Run only returns an error when ctx ends before the lock
// could be acquired.
func (l *LeaderLock) Run(ctx context.Context, run func(context.Context)) error {
	if err := l.check(run); err != nil {
		return err
	}

	holder := newHolderID()
	if err := l.acquire(ctx, holder); err != nil {
		return err
	}
	l.hold(ctx, holder, run)
	return nil
}

// TryRun is Run with a bounded wait: if the lock is not acquired within wait
// it returns ErrLockBusy without calling run.
func (l *LeaderLock) TryRun(ctx context.Context, wait time.Duration, run func(context.Context)) error {
	if err := l.check(run); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	holder := newHolderID()
	if err := l.acquire(waitCtx, holder); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrLockBusy
	}
	l.hold(ctx, holder, run)
	return nil
}

func (l *LeaderLock) check(run func(context.Context)) error {
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if l.client == nil {
		return errors.New("support: leader lock redis client is nil")
	}
	return nil
}

func (l *LeaderLock) hold(ctx context.Context, holder string, run func(context.Context)) {
	log.Debug("leader lock: acquired", "key", l.key)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.renewLoop(runCtx, cancel, holder, stop)
	}()

	run(runCtx)

	close(stop)
	wg.Wait()

	if err := l.release(holder); err != nil {
		log.Warn("leader lock: release failed", "key", l.key, "error", err)
	}
	log.Debug("leader lock: released", "key", l.key)
}

func (l *LeaderLock) acquire(ctx context.Context, holder string) error {
	for {
		ok, err := l.client.SetNX(ctx, l.key, holder, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("leader lock: setnx failed", "key", l.key, "error", err)
		} else if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}
}

func (l *LeaderLock) renewLoop(ctx context.Context, lost context.CancelCauseFunc, holder string, stop <-chan struct{}) {
	interval := l.ttl / 3
	if interval < minRenewalInterval {
		interval = minRenewalInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.renew(holder); err != nil {
				log.Warn("leader lock: renewal failed", "key", l.key, "error", err)
				lost(ErrLeadershipLost)
				return
			}
		}
	}
}

func (l *LeaderLock) renew(holder string) error {
	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()

	res, err := renewScript.Run(ctx, l.client, []string{l.key}, holder, l.ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if updated, ok := res.(int64); ok && updated == 0 {
		return errors.New("lock lost")
	}
	return nil
}

func (l *LeaderLock) release(holder string) error {
	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()

	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, holder).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func newHolderID() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d-%d", host, os.Getpid(), time.Now().UnixNano(), holderCounter.Add(1))
}
