package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Game   GameConfig   `mapstructure:"game"`
	Points PointsConfig `mapstructure:"points"`
}

type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	JWTSecret   string `mapstructure:"jwt_secret"`
}

type GameConfig struct {
	BettingWindow time.Duration `mapstructure:"betting_window"`
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
	HouseEdge     float64       `mapstructure:"house_edge"`
	GrowthK       float64       `mapstructure:"growth_k"`
	ClientSeed    string        `mapstructure:"client_seed"`
	HistorySize   int           `mapstructure:"history_size"`
}

type PointsConfig struct {
	StartBalance  int64 `mapstructure:"start_balance"`
	MaxStake      int64 `mapstructure:"max_stake"`
	DailyBonus    int64 `mapstructure:"daily_bonus"`
	ReferralBonus int64 `mapstructure:"referral_bonus"`
}

// Load reads the YAML config file, with CRASHPOINT_* environment variables
// overriding individual keys. A missing file falls back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("crashpoint")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.postgres_dsn", "")
	v.SetDefault("server.jwt_secret", "dev-secret")
	v.SetDefault("game.betting_window", 6*time.Second)
	v.SetDefault("game.tick_interval", 50*time.Millisecond)
	v.SetDefault("game.cooldown", 2*time.Second)
	v.SetDefault("game.house_edge", 0.01)
	v.SetDefault("game.growth_k", 0.08)
	v.SetDefault("game.client_seed", "global-client-seed")
	v.SetDefault("game.history_size", 25)
	v.SetDefault("points.start_balance", 1000)
	v.SetDefault("points.max_stake", 100000)
	v.SetDefault("points.daily_bonus", 500)
	v.SetDefault("points.referral_bonus", 250)

	if _, err := os.Stat(path); err == nil {
		// Defaults are enough for dev; a present-but-broken file is not.
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
