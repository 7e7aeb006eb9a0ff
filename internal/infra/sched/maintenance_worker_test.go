package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMaintenance struct {
	reaped, redispatched, purged atomic.Int32
}

func (f *fakeMaintenance) ReapStale(context.Context) (int, error) {
	f.reaped.Add(1)
	return 1, nil
}

func (f *fakeMaintenance) RedispatchPending(context.Context) (int, error) {
	f.redispatched.Add(1)
	return 0, errors.New("queue down")
}

func (f *fakeMaintenance) PurgeExpired(context.Context) (int64, error) {
	f.purged.Add(1)
	return 3, nil
}

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	unlocked int
}

func (l *fakeLocker) TryLock(context.Context, string, time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return "", errors.New("held")
	}
	return "tok", nil
}

func (l *fakeLocker) Unlock(_ context.Context, _, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if token != "tok" {
		return errors.New("bad token")
	}
	l.unlocked++
	return nil
}

func TestReaperWorker_RunsBothPasses(t *testing.T) {
	logger := zerolog.Nop()
	uc := &fakeMaintenance{}
	locker := &fakeLocker{}
	w := NewReaperWorker(5*time.Millisecond, uc, locker, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return uc.reaped.Load() >= 2 && uc.redispatched.Load() >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	locker.mu.Lock()
	defer locker.mu.Unlock()
	assert.GreaterOrEqual(t, locker.unlocked, 2)
}

func TestRetentionWorker_SkipsWhenLockHeld(t *testing.T) {
	logger := zerolog.Nop()
	uc := &fakeMaintenance{}
	locker := &fakeLocker{held: true}
	w := NewRetentionWorker(5*time.Millisecond, uc, locker, &logger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	if n := uc.purged.Load(); n != 0 {
		t.Fatalf("expected no purge while another node holds the lock, got %d", n)
	}
}

func TestRetentionWorker_NilLockerAlwaysRuns(t *testing.T) {
	logger := zerolog.Nop()
	uc := &fakeMaintenance{}
	w := NewRetentionWorker(5*time.Millisecond, uc, nil, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	defer cancel()

	require.Eventually(t, func() bool { return uc.purged.Load() >= 1 }, time.Second, 5*time.Millisecond)
}
