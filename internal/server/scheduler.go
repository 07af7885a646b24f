package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"postline/internal/engine"
	"postline/internal/notify"
)

const defaultSweepInterval = time.Minute

// StartBackground runs the webhook dispatcher and the periodic jobs until
// ctx is cancelled: the deadline sweep, approval reminders and the daily
// digest at the configured hour (UTC).
func StartBackground(ctx context.Context, cfg Config) {
	e := cfg.Engine
	if e.Config != nil && len(e.Config.Webhooks) > 0 {
		d := newWebhookDispatcher(e.Repo, e.Config.Webhooks, cfg.Logger)
		go d.run(ctx, defaultWebhookInterval)
	}
	s := &scheduler{engine: e, notify: cfg.Notify, logger: cfg.Logger, digestHour: -1}
	if e.Config != nil {
		s.digestHour = e.Config.Notifications.DigestHour
	}
	go s.run(ctx, defaultSweepInterval)
}

type scheduler struct {
	engine     engine.Engine
	notify     *notify.Dispatcher
	logger     zerolog.Logger
	digestHour int
	lastDigest string
}

func (s *scheduler) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.tick(ctx, time.Now().UTC())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *scheduler) tick(ctx context.Context, now time.Time) {
	approved, err := s.engine.SweepDeadlines(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("deadline sweep failed")
	} else if len(approved) > 0 {
		s.logger.Info().Strs("post_ids", approved).Msg("deadline override applied")
	}
	if s.notify == nil {
		return
	}
	if sent, err := s.notify.Reminders(ctx); err != nil {
		s.logger.Error().Err(err).Msg("approval reminders failed")
	} else if sent > 0 {
		s.logger.Info().Int("sent", sent).Msg("approval reminders sent")
	}
	day := now.Format(time.DateOnly)
	if s.digestHour >= 0 && now.Hour() >= s.digestHour && s.lastDigest != day {
		if _, err := s.notify.DigestAll(ctx, now); err != nil {
			s.logger.Error().Err(err).Msg("daily digest failed")
			return
		}
		s.lastDigest = day
	}
}
