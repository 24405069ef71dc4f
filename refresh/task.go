package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	oauth "github.com/haileyok/atproto-oauth-refresher"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultInterval  = 10 * time.Second
	DefaultBatchSize = 5
)

// TokenRefresher is the part of oauth.Client the scheduler needs.
type TokenRefresher interface {
	FetchAuthServerMetadata(ctx context.Context, server string) (*oauth.OauthAuthorizationMetadata, error)
	RefreshTokenRequest(ctx context.Context, meta *oauth.OauthAuthorizationMetadata, clientKid, refreshToken string, dpopPrivateJwk jwk.Key) (*oauth.TokenResponse, error)
}

type Config struct {
	Interval  time.Duration
	WorkerId  string
	BatchSize int
	// LeaseTimeout is how long a worker may go without a heartbeat before
	// other workers return its claimed items to the shared queue. Zero
	// disables reclaiming.
	LeaseTimeout time.Duration
}

type RefreshTask struct {
	config    Config
	client    redis.UniversalClient
	queue     *Queue
	store     oauth.Store
	refresher TokenRefresher
	logger    *slog.Logger
	now       func() time.Time
}

type RefreshTaskArgs struct {
	Config    Config
	Redis     redis.UniversalClient
	Store     oauth.Store
	Refresher TokenRefresher
	Logger    *slog.Logger
}

func NewRefreshTask(args RefreshTaskArgs) (*RefreshTask, error) {
	if args.Config.WorkerId == "" {
		return nil, fmt.Errorf("refresh task requires a worker id")
	}

	if args.Redis == nil {
		return nil, fmt.Errorf("no redis client provided")
	}

	if args.Store == nil {
		return nil, fmt.Errorf("no store provided")
	}

	if args.Refresher == nil {
		return nil, fmt.Errorf("no token refresher provided")
	}

	if args.Config.Interval <= 0 {
		args.Config.Interval = DefaultInterval
	}

	if args.Config.BatchSize <= 0 {
		args.Config.BatchSize = DefaultBatchSize
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	return &RefreshTask{
		config:    args.Config,
		client:    args.Redis,
		queue:     NewQueue(args.Redis),
		store:     args.Store,
		refresher: args.Refresher,
		logger:    args.Logger.With("component", "refresh-task", "workerId", args.Config.WorkerId),
		now:       time.Now,
	}, nil
}

// Run ticks every Interval until ctx is cancelled. The timer is reset after
// each tick finishes so ticks never overlap. Cancelling ctx stops the loop
// between items; a refresh already in flight runs to completion.
func (t *RefreshTask) Run(ctx context.Context) error {
	t.logger.Info("refresh task started", "interval", t.config.Interval)

	timer := time.NewTimer(t.config.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("refresh task stopped")
			return nil
		case <-timer.C:
			if _, err := t.ProcessWork(ctx); err != nil && !errors.Is(err, context.Canceled) {
				t.logger.Error("refresh task tick failed", "err", err)
			}
			timer.Reset(t.config.Interval)
		}
	}
}

// ProcessWork runs one tick and returns the number of sessions refreshed.
func (t *RefreshTask) ProcessWork(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		tickDuration.Observe(time.Since(start).Seconds())
	}()

	now := t.now()
	nowMs := now.UnixMilli()
	workerQueue := WorkerQueueKey(t.config.WorkerId)

	if err := t.client.HSet(ctx, HeartbeatsKey, t.config.WorkerId, nowMs).Err(); err != nil {
		return 0, fmt.Errorf("failed to write heartbeat: %w", err)
	}

	if t.config.LeaseTimeout > 0 {
		if err := t.reclaim(ctx, now); err != nil {
			t.logger.Warn("failed to reclaim stale worker queues", "err", err)
		}
	}

	dueBy := strconv.FormatInt(nowMs, 10)

	sharedCount, err := t.client.ZCount(ctx, QueueKey, "-inf", dueBy).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count shared queue: %w", err)
	}

	workerCount, err := t.client.ZCount(ctx, workerQueue, "-inf", dueBy).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count worker queue: %w", err)
	}

	t.logger.Debug("queue counts", "shared", sharedCount, "worker", workerCount)

	if workerCount == 0 && sharedCount > 0 {
		moved, err := claimScript.Run(ctx, t.client, []string{QueueKey, workerQueue}, nowMs, t.config.BatchSize).Int64()
		if err != nil {
			return 0, fmt.Errorf("failed to claim work: %w", err)
		}
		claimedItemsCounter.Add(float64(moved))
		workerCount = moved

		t.logger.Debug("claimed work from shared queue", "moved", moved)
	}

	if workerCount == 0 {
		return 0, nil
	}

	groups, err := t.client.ZRangeByScore(ctx, workerQueue, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   dueBy,
		Count: int64(t.config.BatchSize),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read worker queue: %w", err)
	}

	refreshed := 0
	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return refreshed, err
		}

		taken, err := t.client.ZRem(ctx, workerQueue, group).Result()
		if err != nil {
			return refreshed, fmt.Errorf("failed to take work item: %w", err)
		}

		// reclaimed by another worker since the batch was read
		if taken == 0 {
			t.logger.Info("work item no longer in worker queue", "sessionGroup", group)
			continue
		}

		// a taken item is seen through even if ctx is cancelled meanwhile
		itemCtx := context.WithoutCancel(ctx)

		if err := t.refreshSession(itemCtx, group); err != nil {
			if errors.Is(err, context.Canceled) {
				refreshesCounter.WithLabelValues("requeued").Inc()
				t.logger.Warn("oauth session refresh cancelled, requeueing", "sessionGroup", group, "err", err)

				if err := t.queue.Schedule(itemCtx, group, t.now()); err != nil {
					t.logger.Error("failed to requeue oauth session", "sessionGroup", group, "err", err)
				}
				continue
			}

			refreshesCounter.WithLabelValues("failed").Inc()
			t.logger.Error("failed to refresh oauth session", "sessionGroup", group, "err", err)

			if err := t.store.DeleteSession(itemCtx, group); err != nil {
				t.logger.Error("failed to delete oauth session", "sessionGroup", group, "err", err)
			}
			continue
		}

		refreshesCounter.WithLabelValues("refreshed").Inc()
		refreshed++
	}

	return refreshed, nil
}

func (t *RefreshTask) refreshSession(ctx context.Context, sessionGroup string) error {
	sess, err := t.store.GetSession(ctx, sessionGroup, "")
	if err != nil {
		return err
	}

	dpopKey, err := oauth.ParseDpopKey(sess.DpopPrivateJwk)
	if err != nil {
		return err
	}

	meta, err := t.refresher.FetchAuthServerMetadata(ctx, sess.Issuer)
	if err != nil {
		return err
	}

	resp, err := t.refresher.RefreshTokenRequest(ctx, meta, sess.ClientKid, sess.RefreshToken, dpopKey)
	if err != nil {
		return err
	}

	now := t.now()
	expiresAt := now.Add(time.Duration(resp.ExpiresIn) * time.Second)

	if err := t.store.UpdateSessionTokens(ctx, sessionGroup, resp.AccessToken, resp.RefreshToken, expiresAt); err != nil {
		return err
	}

	if err := t.queue.Schedule(ctx, sessionGroup, oauth.NextRefreshAt(now, resp.ExpiresIn)); err != nil {
		return err
	}

	t.logger.Info("refreshed oauth session", "sessionGroup", sessionGroup, "did", sess.Did)

	return nil
}

// reclaim returns the queues of workers with stale heartbeats to the shared
// queue. The heartbeat is checked again inside the script so a worker that
// ticks concurrently keeps its items.
func (t *RefreshTask) reclaim(ctx context.Context, now time.Time) error {
	beats, err := t.client.HGetAll(ctx, HeartbeatsKey).Result()
	if err != nil {
		return err
	}

	cutoff := now.Add(-t.config.LeaseTimeout).UnixMilli()

	for worker, beat := range beats {
		if worker == t.config.WorkerId {
			continue
		}

		ms, err := strconv.ParseInt(beat, 10, 64)
		if err == nil && ms > cutoff {
			continue
		}

		n, err := reclaimScript.Run(ctx, t.client, []string{HeartbeatsKey, WorkerQueueKey(worker), QueueKey}, worker, cutoff).Int64()
		if err != nil {
			return fmt.Errorf("reclaiming %s: %w", worker, err)
		}

		if n >= 0 {
			reclaimedItemsCounter.Add(float64(n))
			t.logger.Info("reclaimed stale worker queue", "staleWorker", worker, "items", n)
		}
	}

	return nil
}
