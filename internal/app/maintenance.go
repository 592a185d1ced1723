package app

import (
	"context"
	"time"

	"relaybot/internal/config"
	logx "relaybot/pkg/logx"
)

const (
	jobRelayMaintenance = "relay.maintenance"
	jobAuditCompact     = "storage.audit_compact"
	auditCompactSpec    = "@daily"
)

// registerMaintenance (re)registers the periodic jobs for cfg. Safe to call
// on every reload; AddCron replaces jobs by name.
func (a *App) registerMaintenance(cfg *config.Config) error {
	mc, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return err
	}

	if err := a.sched.AddCron(jobRelayMaintenance, mc.Spec, 30*time.Second, a.relayMaintenance); err != nil {
		return err
	}

	if mc.Retention <= 0 {
		a.sched.Remove(jobAuditCompact)
		return nil
	}
	retention := mc.Retention
	return a.sched.AddCron(jobAuditCompact, auditCompactSpec, time.Minute, func(ctx context.Context) error {
		n, err := a.store.CompactAudit(ctx, a.now().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			a.log.Info("audit journal compacted", logx.Int("removed", n), logx.Duration("retention", retention))
		}
		return nil
	})
}

// relayMaintenance expires idle sessions and prunes elapsed cooldowns.
func (a *App) relayMaintenance(context.Context) error {
	now := a.now()
	expired := a.machine.ExpireSessions(now)
	pruned := a.machine.Cooldown.Prune(now)
	if expired > 0 || pruned > 0 {
		a.log.Debug("relay maintenance", logx.Int("sessions_expired", expired), logx.Int("cooldowns_pruned", pruned))
	}
	return nil
}
