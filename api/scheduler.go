/*
scheduler.go - Background expiry sweeper

PURPOSE:
  Periodically flips overdue ACTIVE grants to EXPIRED. Balance and
  consumption already filter expired grants at query time, so the sweep
  is housekeeping: it keeps the status column honest for reporting and
  shrinks the spendable index.

CONFIGURATION:
  - Interval: How often to sweep (default: 1 hour)
  - Enabled:  Whether the sweeper is active (default: true)

USAGE:
  sweeper := NewExpirySweeper(engine)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - ledger/engine.go: ExpireDue
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/credit-engine/ledger"
)

// ExpirySweeper runs Engine.ExpireDue on a timer.
type ExpirySweeper struct {
	Engine   *ledger.Engine
	Interval time.Duration
	Enabled  bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpirySweeper creates a sweeper with default settings.
func NewExpirySweeper(engine *ledger.Engine) *ExpirySweeper {
	return &ExpirySweeper{
		Engine:   engine,
		Interval: 1 * time.Hour,
		Enabled:  true,
	}
}

// Start begins the sweeper. Calling Start on a running sweeper is a no-op.
func (s *ExpirySweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Println("[Sweeper] Disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)
	go s.run()

	log.Printf("[Sweeper] Started with interval: %v", s.Interval)
}

// Stop halts the sweeper and waits for an in-flight sweep to finish.
func (s *ExpirySweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	log.Println("[Sweeper] Stopped")
}

func (s *ExpirySweeper) run() {
	defer s.wg.Done()

	s.Sweep()
	for {
		select {
		case <-s.ticker.C:
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}

// Sweep performs one expiry pass.
func (s *ExpirySweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.Engine.ExpireDue(ctx)
	if err != nil {
		log.Printf("[Sweeper] Sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Sweeper] Expired %d entries", n)
	}
}
