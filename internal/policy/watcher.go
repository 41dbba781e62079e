package policy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/keithlinneman/linnemanlabs-api/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-api/internal/log"
)

const (
	DefaultPollInterval = 30 * time.Second

	// maxBackoff caps exponential backoff on consecutive SSM errors.
	maxBackoff = 5 * time.Minute
)

type pollResult int

const (
	pollNoChange pollResult = iota
	pollSwapped
	pollSSMError
	pollLoadError
)

// Fetcher is what the Watcher needs from a Loader.
type Fetcher interface {
	FetchCurrentHash(ctx context.Context) (string, error)
	LoadHash(ctx context.Context, hash string) (*Snapshot, error)
}

// WatcherMetrics is implemented by the metrics package.
type WatcherMetrics interface {
	IncPolicyPolls()
	IncPolicySwaps()
	IncPolicyError(stage string)
}

type WatcherOptions struct {
	Logger       log.Logger
	Loader       Fetcher
	Manager      *Manager
	PollInterval time.Duration
	Metrics      WatcherMetrics

	// OnSwap runs on the poll goroutine after every swap.
	OnSwap func(hash string)
}

// Watcher polls SSM and swaps a new document into the Manager when the
// published hash changes. A document that fails to load or verify leaves
// the active one in place.
type Watcher struct {
	loader   Fetcher
	manager  *Manager
	logger   log.Logger
	interval time.Duration
	metrics  WatcherMetrics
	onSwap   func(hash string)

	currentHash     string
	consecutiveErrs int

	pollCount int64
	swapCount int64
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		loader:      opts.Loader,
		manager:     opts.Manager,
		logger:      opts.Logger,
		interval:    interval,
		metrics:     opts.Metrics,
		onSwap:      opts.OnSwap,
		currentHash: opts.Manager.Hash(),
	}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "policy watcher starting",
		"poll_interval", w.interval.String(),
		"current_hash", truncHash(w.currentHash),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "policy watcher stopping",
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()
		case <-ticker.C:
			if w.checkOnce(ctx) == pollSSMError {
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "policy watcher: backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", backoff.String(),
				)
				ticker.Reset(backoff)
			} else if w.consecutiveErrs > 0 {
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}
		}
	}
}

func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	if w.metrics != nil {
		w.metrics.IncPolicyPolls()
	}

	hash, err := w.loader.FetchCurrentHash(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "policy watcher: SSM poll failed")
		if w.metrics != nil {
			w.metrics.IncPolicyError("ssm")
		}
		return pollSSMError
	}

	if cryptoutil.HashEqual(hash, w.currentHash) {
		return pollNoChange
	}

	snap, err := w.loader.LoadHash(ctx, hash)
	if err != nil {
		w.logger.Error(ctx, err, "policy watcher: failed to load document, keeping current policy",
			"rejected_hash", truncHash(hash),
			"current_hash", truncHash(w.currentHash),
		)
		if w.metrics != nil {
			w.metrics.IncPolicyError("load")
		}
		return pollLoadError
	}

	old := w.currentHash
	w.manager.Set(*snap)
	w.currentHash = hash
	w.swapCount++

	w.logger.Info(ctx, "policy watcher: document swapped",
		"old_hash", truncHash(old),
		"new_hash", truncHash(hash),
		"verified", snap.Verified,
	)
	if w.metrics != nil {
		w.metrics.IncPolicySwaps()
	}

	if w.onSwap != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnSwap panic: %v", r), "policy watcher: OnSwap callback panicked")
				}
			}()
			w.onSwap(hash)
		}()
	}
	return pollSwapped
}

// backoffDuration doubles the interval per consecutive error up to maxBackoff.
func (w *Watcher) backoffDuration() time.Duration {
	d := time.Duration(float64(w.interval) * math.Pow(2, float64(w.consecutiveErrs)))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
