package cleanup

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type Sweeper struct {
	processor *Processor
	interval  time.Duration
	logger    zerolog.Logger
}

func NewSweeper(p *Processor, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		processor: p,
		interval:  interval,
		logger:    logger.With().Str("component", "orphan-sweeper").Logger(),
	}
}

// Start runs the sweep on every tick until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("Starting orphan sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Orphan sweeper stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *Sweeper) RunOnce(ctx context.Context) int {
	cleaned, err := s.processor.ProcessOrphanedSessionsCleanup(ctx)
	if err != nil {
		s.logger.Error().Err(err).Int("cleaned", cleaned).Msg("Orphan sweep finished with errors")
		return cleaned
	}
	if cleaned > 0 {
		s.logger.Info().Int("cleaned", cleaned).Msg("Orphan sweep finished")
	}
	return cleaned
}
