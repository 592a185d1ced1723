package config

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var knownDrivers = map[string]bool{"": true, "file": true, "sqlite": true, "sqlite3": true, "memory": true, "mem": true}

// Validate checks a config in isolation and reports every problem found.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add("telegram.token: required")
	}
	if cfg.Telegram.OwnerUserID <= 0 {
		add("telegram.owner_user_id: must be a positive user id")
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			add("telegram.group_log: must be a numeric chat id")
		}
	}
	if cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.GroupLog) == "" {
		add("logging.telegram.enabled: requires telegram.group_log")
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if !knownDrivers[d] {
		add("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	r := cfg.Relay
	if r.ChannelLimit < 0 {
		add("relay.channel_limit: must be >= 0")
	}
	if r.MaxStaged < 0 {
		add("relay.max_staged: must be >= 0")
	}
	if r.DeliveryRatePerSec < 0 {
		add("relay.delivery_rate_per_sec: must be >= 0")
	}
	if r.QueueSize < 0 {
		add("relay.queue_size: must be >= 0")
	}
	dur("relay.broadcast_cooldown", r.BroadcastCooldown)
	dur("relay.session_ttl", r.SessionTTL)
	dur("relay.broadcast_timeout", r.BroadcastTimeout)
	dur("relay.request_timeout", r.RequestTimeout)

	s := cfg.Scheduler
	if spec := strings.TrimSpace(s.Maintenance); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			add("scheduler.maintenance: %v", err)
		}
	}
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("scheduler.timezone: %v", err)
		}
	}
	dur("scheduler.audit_retention", s.AuditRetention)

	return errors.Join(errs...)
}

// ReloadValidator validates a reloaded config against the running one.
// The owner is fixed for the process lifetime.
func ReloadValidator(current func() *Config) func(ctx context.Context, cfg *Config) error {
	return func(_ context.Context, cfg *Config) error {
		if err := Validate(cfg); err != nil {
			return err
		}
		if cur := current(); cur != nil && cur.Telegram.OwnerUserID != cfg.Telegram.OwnerUserID {
			return errors.New("telegram.owner_user_id: changing the owner requires a restart")
		}
		return nil
	}
}
