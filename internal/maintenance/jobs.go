package maintenance

import (
	"context"

	"autoreply/internal/session"
	logx "autoreply/pkg/logx"
)

const JobReconcileSessions = "session.reconcile"

type Rebuilder interface {
	Rebuild(ctx context.Context) (session.RebuildReport, error)
}

// ReconcileSessions re-derives the session index from the logs and logs any repair.
func ReconcileSessions(store Rebuilder, log logx.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		rep, err := store.Rebuild(ctx)
		if err != nil {
			return err
		}
		if rep.Added+rep.Fixed+rep.Removed > 0 {
			log.Warn("session index drift repaired",
				logx.Int("added", rep.Added),
				logx.Int("fixed", rep.Fixed),
				logx.Int("removed", rep.Removed),
				logx.Int("sessions", rep.Sessions))
			return nil
		}
		log.Debug("session index consistent", logx.Int("sessions", rep.Sessions), logx.Int("logs", rep.Logs))
		return nil
	}
}
