package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/relay"
	"relaybot/internal/services/scheduler"
	"relaybot/internal/storage"
	"relaybot/internal/transport/telegram/router"
	logx "relaybot/pkg/logx"
)

const (
	defaultStoragePath = "./relaybot_data"
	defaultMaintenance = "@every 1m"
	defaultRetention   = 30 * 24 * time.Hour
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "file":
		if path == "" {
			path = defaultStoragePath
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// lockPath defaults to a sibling of the storage path, so two processes
// sharing a store always contend for the same lock.
func lockPath(cfg *config.Config, sc storage.Config) string {
	if p := strings.TrimSpace(cfg.Storage.LockPath); p != "" {
		return p
	}
	if sc.Path == "" {
		return "./relaybot.lock"
	}
	return strings.TrimRight(sc.Path, "/\\") + ".lock"
}

func mapRelayOptions(cfg *config.Config) (relay.Options, error) {
	def := relay.DefaultOptions()
	r := cfg.Relay
	o := def

	if r.ChannelLimit > 0 {
		o.ChannelLimit = r.ChannelLimit
	}
	o.MaxStaged = r.MaxStaged
	o.ClearAfterBroadcast = r.ClearAfterBroadcast
	o.DeliveryRatePerSec = r.DeliveryRatePerSec
	if r.ConfirmMutations != nil {
		o.ConfirmMutations = *r.ConfirmMutations
	}

	var err error
	if o.BroadcastCooldown, err = config.ParseDurationOrDefault("relay.broadcast_cooldown", r.BroadcastCooldown, def.BroadcastCooldown); err != nil {
		return relay.Options{}, err
	}
	if o.SessionTTL, err = config.ParseDurationField("relay.session_ttl", r.SessionTTL); err != nil {
		return relay.Options{}, err
	}
	if o.BroadcastTimeout, err = config.ParseDurationOrDefault("relay.broadcast_timeout", r.BroadcastTimeout, def.BroadcastTimeout); err != nil {
		return relay.Options{}, err
	}
	return o, nil
}

func mapRouterOptions(cfg *config.Config) (router.Options, error) {
	o := router.DefaultOptions()
	if cfg.Relay.QueueSize > 0 {
		o.QueueSize = cfg.Relay.QueueSize
	}
	t, err := config.ParseDurationOrDefault("relay.request_timeout", cfg.Relay.RequestTimeout, o.Timeout)
	if err != nil {
		return router.Options{}, err
	}
	o.Timeout = t
	return o, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// groupLogChat returns the Telegram log sink chat (0 when unset).
func groupLogChat(cfg *config.Config) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.IsEnabled(),
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

type maintenanceConfig struct {
	Spec      string
	Retention time.Duration
}

func mapMaintenanceConfig(cfg *config.Config) (maintenanceConfig, error) {
	spec := strings.TrimSpace(cfg.Scheduler.Maintenance)
	if spec == "" {
		spec = defaultMaintenance
	}
	ret, err := config.ParseDurationOrDefault("scheduler.audit_retention", cfg.Scheduler.AuditRetention, defaultRetention)
	if err != nil {
		return maintenanceConfig{}, err
	}
	return maintenanceConfig{Spec: spec, Retention: ret}, nil
}
