package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/afd-project/afdsend/pkg/afderrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryerSuccess(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryerRetriesRetryableCode(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = 10 * time.Millisecond
	config.Jitter = false
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		if attempts < 3 {
			return afderrors.New(afderrors.CONNECT_ERROR, "dial failed")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryerGivesUpOnNonRetryableCode(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 5
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return afderrors.New(afderrors.OPEN_LOCAL_ERROR, "enoent")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryerExhaustsMaxAttempts(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = 5 * time.Millisecond
	config.Jitter = false
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return afderrors.New(afderrors.CONNECT_ERROR, "still failing")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryerRespectsContextCancellation(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 5
	config.InitialDelay = 50 * time.Millisecond
	retryer := New(config)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return fmt.Errorf("should not run")
	})
	require.Error(t, err)
}

func TestStatsCollector(t *testing.T) {
	sc := NewStatsCollector()
	sc.RecordAttempt(2, true, 20*time.Millisecond)
	sc.RecordAttempt(5, false, 80*time.Millisecond)

	stats := sc.GetStats()
	assert.Equal(t, 2, stats.TotalAttempts)
	assert.Equal(t, 1, stats.SuccessfulRetry)
	assert.Equal(t, 1, stats.FailedRetry)
	assert.Equal(t, 5, stats.MaxAttemptsUsed)

	sc.Reset()
	assert.Equal(t, 0, sc.GetStats().TotalAttempts)
}
