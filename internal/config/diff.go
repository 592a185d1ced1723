package config

import (
	"reflect"
	"sort"
	"strings"

	logx "relaybot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the changed settings that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)
	restart := make([]string, 0, 2)

	// Telegram (never log token)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	tokenChanged := strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)
	if tokenChanged ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		ot.OwnerUserID != nt.OwnerUserID ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Bool("telegram.token_changed", tokenChanged),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
		if tokenChanged {
			restart = append(restart, "telegram.token")
		}
		if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) {
			restart = append(restart, "telegram.poll_timeout")
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
		restart = append(restart, "storage")
	}

	or, nr := oldCfg.Relay, newCfg.Relay
	if !reflect.DeepEqual(or, nr) {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.Int("relay.channel_limit", nr.ChannelLimit),
			logx.String("relay.broadcast_cooldown", strings.TrimSpace(nr.BroadcastCooldown)),
			logx.String("relay.session_ttl", strings.TrimSpace(nr.SessionTTL)),
			logx.Int("relay.max_staged", nr.MaxStaged),
			logx.Bool("relay.clear_after_broadcast", nr.ClearAfterBroadcast),
		)
		if or.QueueSize != nr.QueueSize {
			restart = append(restart, "relay.queue_size")
		}
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.IsEnabled()),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.maintenance", strings.TrimSpace(newCfg.Scheduler.Maintenance)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, restart
}
