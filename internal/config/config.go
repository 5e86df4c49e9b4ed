package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-envconfig"
	log "github.com/sirupsen/logrus"
)

type (
	Config struct {
		TelegramAPIToken string `env:"TOKEN,required"`
		LogLevel         int    `env:"LOG_LEVEL,default=4"`
		DotPath          string `env:"DOT_PATH,default=~/.groupguard"`
		MetricsAddr      string `env:"METRICS_ADDR,default=:2112"`
		Moderation       Moderation
	}

	Moderation struct {
		StrikeThreshold  int           `env:"STRIKE_THRESHOLD,default=3"`
		QuarantineWindow time.Duration `env:"QUARANTINE_WINDOW,default=24h"`
		JoinDebounce     time.Duration `env:"JOIN_DEBOUNCE,default=60s"`
		ConfigCacheTTL   time.Duration `env:"CONFIG_CACHE_TTL,default=5m"`
		ClearedCacheTTL  time.Duration `env:"CLEARED_CACHE_TTL,default=1h"`
		FloodWindow      time.Duration `env:"FLOOD_WINDOW,default=10s"`
		FloodThreshold   int           `env:"FLOOD_THRESHOLD,default=7"`
		WarnAutoDelete   time.Duration `env:"WARN_AUTODELETE,default=5s"`
		SendPermits      int64         `env:"SEND_PERMITS,default=25"`
		RaidLockTTL      time.Duration `env:"RAID_LOCK_TTL,default=30m"`
		CustomWordLimit  int           `env:"CUSTOM_WORD_LIMIT,default=200"`
	}
)

var (
	once         sync.Once
	globalConfig = &Config{}
	globalErr    error
)

func Load() (Config, error) {
	once.Do(func() {
		cfg := &Config{}
		envcfg := envconfig.Config{
			Lookuper: envconfig.PrefixLookuper("GG_", envconfig.OsLookuper()),
			Target:   cfg,
		}
		if err := envconfig.ProcessWith(context.Background(), &envcfg); err != nil {
			globalErr = fmt.Errorf("process env config: %w", err)
			return
		}
		home, err := os.UserHomeDir()
		if err != nil {
			globalErr = fmt.Errorf("get user home directory: %w", err)
			return
		}
		cfg.DotPath = strings.Replace(cfg.DotPath, "~", home, 1)
		log.Traceln("loaded config")
		globalConfig = cfg
	})
	return *globalConfig, globalErr
}

func Get() Config {
	cfg, err := Load()
	if err != nil {
		log.WithField("error", err.Error()).Error("cant load config")
	}
	return cfg
}
