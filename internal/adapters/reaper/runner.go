// Package reaper runs the stale-submission reaper as a background service. When a
// Redis client is available, replicas share a lease so only one of them sweeps per
// interval.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/target/voice-message-api/config"
	"github.com/target/voice-message-api/internal/core"
	"github.com/target/voice-message-api/internal/data"
	"github.com/target/voice-message-api/internal/observability/statsd"
	"github.com/target/voice-message-api/internal/service"
	"github.com/target/voice-message-api/internal/service/failurenotifier"
)

const defaultLeasePrefix = "{voicemsg}"

// RunnerOptions holds the dependencies for creating a Runner.
// Either Repo or DB must be set; Repo wins when both are.
type RunnerOptions struct {
	DB     *sql.DB
	Repo   core.SubmissionRepository
	Config config.ReaperConfig
	Logger *slog.Logger

	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
	// Nudge wakes the outbox dispatcher after the reaper fails a submission.
	Nudge func()

	// Redis enables the shared lease. Nil lets every replica reap.
	Redis       redis.UniversalClient
	LeasePrefix string
}

// Runner owns a configured ReaperService.
type Runner struct {
	reaper *service.ReaperService
	lease  *Lease
	logger *slog.Logger
}

// NewRunner wires the reaper service, and the lease when Redis is configured.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	repo := opts.Repo
	if repo == nil {
		if opts.DB == nil {
			return nil, errors.New("submission repository or database connection is required")
		}
		repo = data.NewSubmissionRepo(opts.DB)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	cfg.Sanitize()

	r := &Runner{logger: logger.With("component", "reaper_runner")}
	svcOpts := service.ReaperServiceOptions{
		Repo:            repo,
		Config:          cfg,
		Logger:          logger,
		Metrics:         opts.Metrics,
		FailureNotifier: opts.FailureNotifier,
		Nudge:           opts.Nudge,
	}
	if opts.Redis != nil {
		prefix := opts.LeasePrefix
		if prefix == "" {
			prefix = defaultLeasePrefix
		}
		// A lease slightly shorter than the interval lapses before the holder's next
		// tick, so a dead holder is replaced within one interval.
		r.lease = NewLease(opts.Redis, prefix+":reaper:lease", cfg.Interval-cfg.Interval/10)
		svcOpts.Gate = r.lease.Acquire
	}

	svc, err := service.NewReaperService(svcOpts)
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}
	r.reaper = svc
	return r, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner", "shared_lease", r.lease != nil)
	err := r.reaper.Run(ctx)
	if r.lease != nil {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if relErr := r.lease.Release(releaseCtx); relErr != nil {
			r.logger.WarnContext(ctx, "release reaper lease failed", "error", relErr)
		}
	}
	return err
}

// Lease is a Redis key holding the current owner's token with a TTL.
type Lease struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	owner  string
}

// NewLease builds a lease; the owner token is unique per process.
func NewLease(client redis.UniversalClient, key string, ttl time.Duration) *Lease {
	host, _ := os.Hostname()
	return &Lease{client: client, key: key, ttl: max(ttl, time.Second), owner: host + "/" + uuid.NewString()}
}

// renewScript extends the TTL only when the caller still owns the key.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// releaseScript deletes the key only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Acquire takes the lease when it is free or renews it when already held.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}
	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", l.key, err)
	}
	return renewed == 1, nil
}

// Release gives the lease up if this process holds it.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}
