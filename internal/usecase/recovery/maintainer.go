package recovery

import (
	"context"
	"log/slog"
)

// Maintainer sweeps the result cache on a ticker, independent of foreground
// recovery calls.
type Maintainer struct {
	svc *Service
}

// NewMaintainer creates a maintainer for svc ticking at svc's SweepInterval.
func NewMaintainer(svc *Service) *Maintainer {
	return &Maintainer{svc: svc}
}

// Run sweeps once at start and then on every tick until ctx is done.
// A failed sweep is logged and retried on the next tick.
func (m *Maintainer) Run(ctx context.Context) error {
	ticker := m.svc.clock.Ticker(m.svc.cfg.SweepInterval)
	defer ticker.Stop()

	m.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Maintainer) sweep(ctx context.Context) {
	if _, _, err := m.svc.Sweep(ctx); err != nil && ctx.Err() == nil {
		m.svc.logger.Error("recovery cache sweep failed", slog.Any("error", err))
	}
}
