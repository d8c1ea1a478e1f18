package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trimRecorder struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (r *trimRecorder) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	r.cutoffs = append(r.cutoffs, cutoff)
	return 7, nil
}

func (r *trimRecorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cutoffs)
}

func TestRetentionTrimsAllStores(t *testing.T) {
	ticks := &trimRecorder{}
	bars := &trimRecorder{}
	signals := &trimRecorder{}
	r := NewRetention(nil, ticks, bars, signals, 30*24*time.Hour, time.Hour, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	// The first pass runs immediately on start.
	require.Eventually(t, func() bool {
		return ticks.calls() == 1 && bars.calls() == 1 && signals.calls() == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	ticks.mu.Lock()
	cutoff := ticks.cutoffs[0]
	ticks.mu.Unlock()
	assert.WithinDuration(t, time.Now().Add(-30*24*time.Hour), cutoff, time.Minute)
}

func TestRetentionSkipsNilStores(t *testing.T) {
	bars := &trimRecorder{}
	r := NewRetention(nil, nil, bars, nil, time.Hour, time.Hour, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return bars.calls() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestRetentionSurvivesStoreError(t *testing.T) {
	ticks := &trimRecorder{err: errors.New("db down")}
	bars := &trimRecorder{}
	r := NewRetention(nil, ticks, bars, nil, time.Hour, time.Hour, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	// The ticks failure does not block the bars trim.
	require.Eventually(t, func() bool { return bars.calls() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
