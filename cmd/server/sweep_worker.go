package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type sessionSweeper interface {
	SweepExpired(ctx context.Context) int
	CollectFailed(ctx context.Context) int
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

func startSweepWorker(ctx context.Context, logger *slog.Logger, sessions sessionSweeper, interval time.Duration) func() {
	return startSweepWorkerWithTicker(ctx, logger, sessions, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startSweepWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	sessions sessionSweeper,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if sessions == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				expired := sessions.SweepExpired(workerCtx)
				collected := sessions.CollectFailed(workerCtx)
				if logger != nil && (expired > 0 || collected > 0) {
					logger.Info("session sweep completed", "expired", expired, "collected", collected)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
