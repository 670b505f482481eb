package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// ChallengeSweeper runs periodic ledger upkeep: it cancels pending challenges
// older than the configured TTL and refreshes the per-status gauge.
type ChallengeSweeper struct {
	db       *gorm.DB
	ledger   *ChallengeLedger
	metrics  *Metrics
	schedule string
	ttl      time.Duration
	now      func() time.Time
	cron     *cron.Cron
	logger   Logger
}

func NewChallengeSweeper(conf BattleConfig, db *gorm.DB, ledger *ChallengeLedger, metrics *Metrics, logger Logger) *ChallengeSweeper {
	return &ChallengeSweeper{
		db:       db,
		ledger:   ledger,
		metrics:  metrics,
		schedule: conf.SweepSchedule,
		ttl:      conf.PendingChallengeTTL,
		now:      time.Now,
		logger:   logger.NewSystem("challenge-sweeper"),
	}
}

// Start schedules the sweep. The schedule has a seconds field.
func (s *ChallengeSweeper) Start() error {
	s.cron = cron.New(cron.WithSeconds())
	if _, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.Sweep(ctx); err != nil {
			s.logger.Error("challenge sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}

	s.cron.Start()
	s.logger.Info("challenge sweeper started", "schedule", s.schedule, "pendingTTL", s.ttl)
	return nil
}

// Sweep runs one upkeep pass.
func (s *ChallengeSweeper) Sweep(ctx context.Context) error {
	if s.ttl > 0 {
		cutoff := s.now().Add(-s.ttl)
		expired, err := s.ledger.ExpirePending(ctx, cutoff)
		if err != nil {
			return err
		}
		if expired > 0 {
			s.logger.Info("expired stale pending challenges", "count", expired, "cutoff", cutoff)
			if s.metrics != nil {
				s.metrics.ExpiredChallenges.Add(float64(expired))
			}
		}
	}

	if s.metrics != nil {
		if err := s.metrics.UpdateChallengeMetrics(s.db.WithContext(ctx)); err != nil {
			return fmt.Errorf("failed to update challenge metrics: %w", err)
		}
	}
	return nil
}

// Stop waits for a running sweep to finish.
func (s *ChallengeSweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("challenge sweeper stopped")
}
