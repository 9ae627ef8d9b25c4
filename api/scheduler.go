/*
scheduler.go - Automated overdue payment sweep

PURPOSE:
  Periodically scans invoices whose due date has passed while payment is
  still pending or partial and marks them overdue.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each run delegates to Service.SweepOverdue, which re-checks every
    invoice inside its own transaction
  - Sweeps are idempotent: an invoice already marked overdue is skipped

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether the sweeper is active (default: true)

USAGE:
  sweeper := NewOverdueSweeper(svc, log)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: SweepOverdue endpoint (manual trigger)
  - billing/payment.go: Service.SweepOverdue
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dentalab/billing-engine/billing"
)

// OverdueSweeper handles automated overdue payment marking.
type OverdueSweeper struct {
	Service       *billing.Service
	Log           zerolog.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewOverdueSweeper creates a new sweeper.
func NewOverdueSweeper(svc *billing.Service, log zerolog.Logger) *OverdueSweeper {
	return &OverdueSweeper{
		Service:       svc,
		Log:           log,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the sweeper.
func (os *OverdueSweeper) Start() {
	os.mu.Lock()
	defer os.mu.Unlock()

	if !os.Enabled {
		os.Log.Info().Msg("overdue sweeper disabled, not starting")
		return
	}

	os.ticker = time.NewTicker(os.CheckInterval)
	os.wg.Add(1)

	go os.run()

	os.Log.Info().Dur("interval", os.CheckInterval).Msg("overdue sweeper started")
}

// Stop stops the sweeper.
func (os *OverdueSweeper) Stop() {
	os.mu.Lock()
	defer os.mu.Unlock()

	if os.ticker != nil {
		os.ticker.Stop()
		close(os.stop)
		os.wg.Wait()
		os.Log.Info().Msg("overdue sweeper stopped")
	}
}

func (os *OverdueSweeper) run() {
	defer os.wg.Done()

	// Run immediately on start
	os.sweep()

	for {
		select {
		case <-os.ticker.C:
			os.sweep()
		case <-os.stop:
			return
		}
	}
}

func (os *OverdueSweeper) sweep() {
	ctx := context.Background()
	n, err := os.Service.SweepOverdue(ctx, time.Now())
	if err != nil {
		os.Log.Error().Err(err).Msg("overdue sweep failed")
		return
	}
	if n > 0 {
		os.Log.Info().Int("marked_overdue", n).Msg("overdue sweep complete")
	}
}
