package relay

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"deaddrop/internal/constants"
)

// Sweeper runs the recurring TTL sweep. No entry outlives the retention
// window, acknowledged or not, which bounds mailbox growth from recipients
// that never come back.
type Sweeper struct {
	service   *Service
	retention time.Duration
	interval  time.Duration
	logger    *logrus.Logger
	stopCh    chan struct{}
}

func NewSweeper(service *Service, retention, interval time.Duration, logger *logrus.Logger) *Sweeper {
	if retention <= 0 {
		retention = constants.DefaultRetentionMinutes * time.Minute
	}
	if interval <= 0 {
		interval = constants.DefaultSweepIntervalMin * time.Minute
	}
	return &Sweeper{
		service:   service,
		retention: retention,
		interval:  interval,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.WithFields(logrus.Fields{
		"retention": s.retention,
		"interval":  s.interval,
	}).Info("Starting TTL sweeper")

	s.runSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Sweeper stop signal received, stopping")
			return
		case <-ticker.C:
			s.runSweep(ctx)
		}
	}
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) runSweep(ctx context.Context) {
	removed, err := s.service.CleanupExpired(ctx, s.retention)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sweep expired entries")
		return
	}
	if removed > 0 {
		s.logger.WithField("removed", removed).Info("Swept expired entries")
	}
}
