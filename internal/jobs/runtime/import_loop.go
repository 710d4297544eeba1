package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"phishlookup/internal/domain"
	"phishlookup/internal/importer"
	"phishlookup/internal/metrics"
	"phishlookup/internal/support"
)

// ImportLockKey is the redis key guarding import cycles.
const ImportLockKey = "phishlookup:leader:import"

type Fetcher interface {
	Next(ctx context.Context) (string, bool)
}

type Importer interface {
	Import(ctx context.Context, path string) (importer.Summary, error)
}

type Recorder interface {
	Record(ctx context.Context, run *domain.ImportRun) error
}

// ImportLoop runs fetch-then-import cycles one after the other, sleeping a
// fixed interval after each cycle completes.
type ImportLoop struct {
	fetcher  Fetcher
	importer Importer
	recorder Recorder
	lock     *support.LeaderLock
	interval time.Duration
	cycles   singleflight.Group
	now      func() time.Time
}

type LoopOption func(*ImportLoop)

// WithRecorder stores the outcome of every cycle.
func WithRecorder(r Recorder) LoopOption {
	return func(l *ImportLoop) {
		l.recorder = r
	}
}

// WithLeaderLock only runs cycles while holding a redis lock, so replicas of
// the importer never import at the same time.
func WithLeaderLock(lock *support.LeaderLock) LoopOption {
	return func(l *ImportLoop) {
		l.lock = lock
	}
}

func NewImportLoop(f Fetcher, imp Importer, interval time.Duration, opts ...LoopOption) *ImportLoop {
	l := &ImportLoop{
		fetcher:  f,
		importer: imp,
		interval: interval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run blocks until ctx is done.
func (l *ImportLoop) Run(ctx context.Context) error {
	if l.lock == nil {
		l.loop(ctx)
		return ctx.Err()
	}

	for {
		err := l.lock.Run(ctx, l.loop)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Error("Import loop lost its lock", "error", err)
		}
	}
}

func (l *ImportLoop) loop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	reason := "startup"
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			l.RunOnce(ctx, reason)
			reason = "scheduled"
			timer.Reset(l.interval)
		}
	}
}

// RunOnce performs one cycle. Concurrent callers share the cycle already in
// flight. Once started, a cycle is not interrupted by ctx cancellation, only
// by the loss of the import lock ctx was issued under.
func (l *ImportLoop) RunOnce(ctx context.Context, reason string) domain.ImportRun {
	result, _, _ := l.cycles.Do("cycle", func() (any, error) {
		cycleCtx, cancel := cycleContext(ctx)
		defer cancel()
		return l.cycle(cycleCtx, reason), nil
	})
	return result.(domain.ImportRun)
}

// RunLocked performs one cycle under the import lock. If another importer
// keeps the lock for longer than wait, no cycle runs and support.ErrLockBusy
// is returned.
func (l *ImportLoop) RunLocked(ctx context.Context, reason string, wait time.Duration) (domain.ImportRun, error) {
	if l.lock == nil {
		return l.RunOnce(ctx, reason), nil
	}

	var run domain.ImportRun
	err := l.lock.TryRun(ctx, wait, func(lockCtx context.Context) {
		run = l.RunOnce(lockCtx, reason)
	})
	return run, err
}

// cycleContext detaches a cycle from ctx except when ctx ends because the
// import lock was lost.
func cycleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	cycleCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		if cause := context.Cause(ctx); errors.Is(cause, support.ErrLeadershipLost) {
			cancel(cause)
		}
	})
	return cycleCtx, func() {
		stop()
		cancel(nil)
	}
}

func (l *ImportLoop) cycle(ctx context.Context, reason string) domain.ImportRun {
	run := domain.ImportRun{StartedAt: l.now().UTC(), Outcome: domain.RunSkipped}

	if path, ok := l.fetcher.Next(ctx); ok {
		run.File = path
		var summary importer.Summary
		err := context.Cause(ctx)
		if err == nil {
			summary, err = l.importer.Import(ctx, path)
		}
		if err != nil {
			run.Outcome = domain.RunFailed
			run.Error = err.Error()
			log.Error("Import failed", "reason", reason, "file", path, "error", err)
		} else {
			run.Outcome = domain.RunImported
			run.Entries = summary.Entries
			run.URLs = summary.URLs
			run.IPs = summary.IPs
			run.ASNs = summary.ASNs
			run.CCs = summary.CCs
			metrics.LastImportTimestamp.Set(float64(l.now().Unix()))
		}
	} else {
		log.Debug("Nothing to import", "reason", reason)
	}
	run.FinishedAt = l.now().UTC()
	metrics.ImportCycles.WithLabelValues(run.Outcome).Inc()

	if l.recorder != nil {
		if err := l.recorder.Record(context.WithoutCancel(ctx), &run); err != nil {
			log.Warn("Failed to record import run", "error", err)
		}
	}
	return run
}
