package heartbeat

import (
	"context"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
)

const schedule = "@every 60s"

// Scheduler drives the engine on a fixed cron cadence. The engine's own
// mutex makes a slow cycle skip the overlapping tick instead of stacking.
type Scheduler struct {
	cron   *cron.Cron
	logger *log.Logger
}

// NewScheduler registers the cycle job; call Start to begin ticking.
func NewScheduler(engine *Engine) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(),
		logger: log.New(log.Writer(), "[HEARTBEAT] ", log.LstdFlags),
	}
	if _, err := s.cron.AddFunc(schedule, func() {
		engine.Run(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule heartbeat: %w", err)
	}
	return s, nil
}

// Start begins periodic cycles.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Printf("🚀 Scheduler started (%s)", schedule)
}

// Stop halts scheduling and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Printf("✅ Scheduler stopped")
}
