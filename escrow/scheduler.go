/*
scheduler.go - Escrow deadline scheduler

PURPOSE:
  Periodically applies the two soft deadlines that lazy evaluation would
  otherwise only apply when someone touches the escrow:
  - payment deadline: escrows still awaiting funds move to expired
  - release deadline: held escrows are released to the seller

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Each sweep is idempotent; an escrow already moved is skipped
  - Each escrow is handled in its own atomic unit, so one failure does not
    hold back the rest

USAGE:
  scheduler := escrow.NewDeadlineScheduler(svc, log)
  scheduler.CheckInterval = time.Minute
  scheduler.Start()
  // ... later
  scheduler.Stop()

  Or, under an errgroup: g.Go(func() error { return scheduler.Run(ctx) })

SEE ALSO:
  - service.go: ExpireOverdue, AutoRelease
  - api/handlers_escrow.go: manual sweep endpoint
*/
package escrow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper is the part of Service the scheduler drives.
type Sweeper interface {
	ExpireOverdue(ctx context.Context) (int, error)
	AutoRelease(ctx context.Context) (int, error)
}

// SweepResult counts escrows moved by one sweep.
type SweepResult struct {
	Expired      int `json:"expired"`
	AutoReleased int `json:"auto_released"`
}

type DeadlineScheduler struct {
	Sweeper       Sweeper
	CheckInterval time.Duration
	Enabled       bool

	log     zerolog.Logger
	nextRun atomic.Int64 // unix nanos of the next tick; 0 while not running
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
}

func NewDeadlineScheduler(sweeper Sweeper, log zerolog.Logger) *DeadlineScheduler {
	return &DeadlineScheduler{
		Sweeper:       sweeper,
		CheckInterval: time.Minute,
		Enabled:       true,
		log:           log.With().Str("component", "scheduler").Logger(),
	}
}

// Start runs the scheduler in the background until Stop.
func (ds *DeadlineScheduler) Start() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.Enabled {
		ds.log.Info().Msg("disabled, not starting")
		return
	}
	if ds.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ds.cancel = cancel
	ds.wg.Add(1)
	go func() {
		defer ds.wg.Done()
		_ = ds.Run(ctx)
	}()
}

// Stop halts a scheduler started with Start and waits for the running sweep.
func (ds *DeadlineScheduler) Stop() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.cancel != nil {
		ds.cancel()
		ds.wg.Wait()
		ds.cancel = nil
		ds.log.Info().Msg("stopped")
	}
}

// Run sweeps immediately and then on every tick until ctx is done.
// It returns nil on cancellation.
func (ds *DeadlineScheduler) Run(ctx context.Context) error {
	if !ds.Enabled {
		ds.log.Info().Msg("disabled, not starting")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(ds.CheckInterval)
	defer ticker.Stop()
	defer ds.nextRun.Store(0)

	ds.log.Info().Dur("interval", ds.CheckInterval).Msg("started")
	ds.nextRun.Store(time.Now().Add(ds.CheckInterval).UnixNano())
	ds.RunNow(ctx)

	for {
		select {
		case t := <-ticker.C:
			ds.nextRun.Store(t.Add(ds.CheckInterval).UnixNano())
			ds.RunNow(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// RunNow performs one sweep (for testing and the admin endpoint).
func (ds *DeadlineScheduler) RunNow(ctx context.Context) SweepResult {
	var res SweepResult
	var err error

	res.Expired, err = ds.Sweeper.ExpireOverdue(ctx)
	if err != nil {
		ds.log.Error().Err(err).Msg("expiry sweep failed")
	}
	res.AutoReleased, err = ds.Sweeper.AutoRelease(ctx)
	if err != nil {
		ds.log.Error().Err(err).Msg("auto-release sweep failed")
	}

	if res.Expired > 0 || res.AutoReleased > 0 {
		ds.log.Info().
			Int("expired", res.Expired).
			Int("auto_released", res.AutoReleased).
			Msg("deadline sweep completed")
	}
	return res
}

// NextRunTime returns when the next scheduled check will occur, or the zero
// time when the scheduler is not running.
func (ds *DeadlineScheduler) NextRunTime() time.Time {
	n := ds.nextRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
