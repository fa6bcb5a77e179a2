// Package retry provides the exponential-backoff retry the supervisor
// contract in spec §4.8/§7 implies: recoverable-by-retry exit codes get
// a widening back-off. The delay depends only on the attempt number, so
// timeout-tagged variants back off the same way as their base codes.
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/afd-project/afdsend/pkg/afderrors"
)

// Config defines retry behavior.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool

	// RetryableCodes supplements afderrors' own IsRetryable classification
	// with any codes the caller wants to force-retry regardless of class.
	RetryableCodes []afderrors.Code

	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig mirrors the AFD taxonomy's recoverable-by-retry class.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer executes a function with exponential backoff.
type Retryer struct {
	config Config
}

// New creates a Retryer, filling in zero-valued fields with defaults.
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	return &Retryer{config: config}
}

// Do runs fn with retry logic against a background context.
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext runs fn with retry logic, honoring ctx cancellation.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry: canceled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.shouldRetry(err, attempt) {
			return err
		}

		if attempt < r.config.MaxAttempts {
			delay := r.calculateDelay(attempt)
			if r.config.OnRetry != nil {
				r.config.OnRetry(attempt, err, delay)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry: canceled after %d attempts: %w", attempt, ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("retry: max attempts (%d) exceeded: %w", r.config.MaxAttempts, lastErr)
}

func (r *Retryer) shouldRetry(err error, attempt int) bool {
	if attempt >= r.config.MaxAttempts {
		return false
	}

	var afdErr *afderrors.AFDError
	if stderr.As(err, &afdErr) {
		if afderrors.IsRetryable(afdErr.Code) {
			return true
		}
		for _, code := range r.config.RetryableCodes {
			if afdErr.Code == code {
				return true
			}
		}
	}
	return false
}

func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}
	return time.Duration(delay)
}

// WithMaxAttempts returns a Retryer with a different attempt ceiling.
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	cfg := r.config
	cfg.MaxAttempts = attempts
	return New(cfg)
}

// Stats tracks retry outcomes for observability.
type Stats struct {
	TotalAttempts   int
	SuccessfulRetry int
	FailedRetry     int
	TotalDelay      time.Duration
	MaxAttemptsUsed int
}

// StatsCollector accumulates Stats across many Retryer invocations.
type StatsCollector struct {
	stats Stats
}

func NewStatsCollector() *StatsCollector { return &StatsCollector{} }

func (sc *StatsCollector) RecordAttempt(attempts int, success bool, delay time.Duration) {
	sc.stats.TotalAttempts++
	if success {
		sc.stats.SuccessfulRetry++
	} else {
		sc.stats.FailedRetry++
	}
	sc.stats.TotalDelay += delay
	if attempts > sc.stats.MaxAttemptsUsed {
		sc.stats.MaxAttemptsUsed = attempts
	}
}

func (sc *StatsCollector) GetStats() Stats { return sc.stats }
func (sc *StatsCollector) Reset()          { sc.stats = Stats{} }
