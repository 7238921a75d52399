package main

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeSweeper struct {
	mu        sync.Mutex
	sweeps    int
	collects  int
	signalled chan struct{}
}

func newFakeSweeper() *fakeSweeper {
	return &fakeSweeper{signalled: make(chan struct{}, 16)}
}

func (f *fakeSweeper) SweepExpired(ctx context.Context) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return 1
}

func (f *fakeSweeper) CollectFailed(ctx context.Context) int {
	f.mu.Lock()
	f.collects++
	f.mu.Unlock()
	select {
	case f.signalled <- struct{}{}:
	default:
	}
	return 0
}

func (f *fakeSweeper) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweeps, f.collects
}

type fakeTicker struct {
	ch      chan time.Time
	stopped chan struct{}
}

func newFakeTicker() *fakeTicker {
	return &fakeTicker{ch: make(chan time.Time), stopped: make(chan struct{})}
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }

func (f *fakeTicker) Stop() { close(f.stopped) }

func TestSweepWorkerRunsOnTick(t *testing.T) {
	sweeper := newFakeSweeper()
	ticker := newFakeTicker()

	stop := startSweepWorkerWithTicker(context.Background(), nil, sweeper, time.Minute,
		func(time.Duration) sweepTicker { return ticker })

	for i := 0; i < 3; i++ {
		ticker.ch <- time.Now()
		select {
		case <-sweeper.signalled:
		case <-time.After(2 * time.Second):
			t.Fatalf("tick %d not processed", i)
		}
	}

	stop()

	sweeps, collects := sweeper.counts()
	if sweeps != 3 {
		t.Fatalf("sweeps = %d, want 3", sweeps)
	}
	if collects != 3 {
		t.Fatalf("collects = %d, want 3", collects)
	}

	select {
	case <-ticker.stopped:
	default:
		t.Fatal("ticker not stopped after worker shutdown")
	}
}

func TestSweepWorkerStopIsIdempotent(t *testing.T) {
	sweeper := newFakeSweeper()
	ticker := newFakeTicker()

	stop := startSweepWorkerWithTicker(context.Background(), nil, sweeper, time.Minute,
		func(time.Duration) sweepTicker { return ticker })

	stop()
	stop()
}

func TestSweepWorkerStopsOnContextCancel(t *testing.T) {
	sweeper := newFakeSweeper()
	ticker := newFakeTicker()

	ctx, cancel := context.WithCancel(context.Background())
	stop := startSweepWorkerWithTicker(ctx, nil, sweeper, time.Minute,
		func(time.Duration) sweepTicker { return ticker })
	defer stop()

	cancel()

	select {
	case <-ticker.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after context cancel")
	}
}

func TestSweepWorkerNoopWithoutSweeper(t *testing.T) {
	stop := startSweepWorker(context.Background(), nil, nil, time.Minute)
	stop()

	stop = startSweepWorker(context.Background(), nil, newFakeSweeper(), 0)
	stop()
}
