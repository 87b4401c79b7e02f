package plans

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/notify"
)

// Processor reverts lapsed plans to basic on a fixed interval
type Processor struct {
	profiles *auth.Database
	notifier ledger.Notifier
	interval time.Duration
	now      func() time.Time
}

func NewProcessor(profiles *auth.Database, notifier ledger.Notifier, interval time.Duration) *Processor {
	return &Processor{
		profiles: profiles,
		notifier: notifier,
		interval: interval,
		now:      time.Now,
	}
}

// Start runs the expiry loop until ctx is cancelled. A zero interval disables it.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "plan_expiry_processor").Logger()
	if p.interval <= 0 {
		logger.Info().Msg("plan expiry processor disabled")
		return
	}
	logger.Info().Dur("interval", p.interval).Msg("starting plan expiry processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down plan expiry processor")
			return
		case <-ticker.C:
			if _, err := p.ExpireDue(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to expire plans")
			}
		}
	}
}

// ExpireDue reverts every lapsed plan and tells the affected users
func (p *Processor) ExpireDue(ctx context.Context) (int, error) {
	expired, err := p.profiles.ExpirePlans(ctx, p.now())
	if err != nil {
		return 0, err
	}

	for _, profile := range expired {
		log.Info().
			Str("component", "plan_expiry_processor").
			Str("user_id", profile.UserID).
			Str("plan", profile.CurrentPlan).
			Msg("plan expired")
		if p.notifier != nil {
			p.notifier.Notify(ctx, profile.UserID, "Plan Expired",
				"Your "+profile.CurrentPlan+" plan has expired and you are back on basic", notify.TypeWarning)
		}
	}
	return len(expired), nil
}
