// Package config reads server settings from the environment, after loading
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"

	"github.com/DoyleJ11/tower-duel-backend/internal/engine"
	"github.com/DoyleJ11/tower-duel-backend/internal/round"
	"github.com/DoyleJ11/tower-duel-backend/internal/schedule"
	"github.com/DoyleJ11/tower-duel-backend/internal/shop"
)

type Config struct {
	Addr     string
	AppEnv   string
	LogLevel string

	DBDriver    string // memory | sqlite | postgres
	DatabaseURL string
	RedisURL    string

	MQTTBroker      string
	MQTTTopicPrefix string

	CardsFile           string
	AllowClientEndRound bool
	OriginPatterns      []string

	LockWait   time.Duration
	RoundBase  time.Duration
	RoundStep  time.Duration
	MinDelay   time.Duration
	StaleAfter time.Duration

	Battle   engine.Options
	Shop     shop.Rules
	TowerHP  float64
	TowerDPS float64
}

func (c Config) Development() bool { return c.AppEnv != "production" }

func (c Config) Round() round.Config {
	return round.Config{
		LockWait:  c.LockWait,
		Battle:    c.Battle,
		Shop:      c.Shop,
		Durations: round.Durations{Base: c.RoundBase, Step: c.RoundStep},
		TowerHP:   c.TowerHP,
		TowerDPS:  c.TowerDPS,
	}
}

func (c Config) Schedule() schedule.Config {
	return schedule.Config{
		Durations:  round.Durations{Base: c.RoundBase, Step: c.RoundStep},
		MinDelay:   c.MinDelay,
		StaleAfter: c.StaleAfter,
	}
}

// Load reads files (default ".env") if present and then the environment.
// Variables already set in the environment win over the file.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv()
}

func FromEnv() (Config, error) {
	var p parser
	def := round.DefaultConfig
	c := Config{
		Addr:     p.str("ADDR", ":8080"),
		AppEnv:   p.str("APP_ENV", "development"),
		LogLevel: p.str("LOG_LEVEL", "info"),

		DBDriver:    strings.ToLower(p.str("DB_DRIVER", "memory")),
		DatabaseURL: p.str("DATABASE_URL", ""),
		RedisURL:    p.str("REDIS_URL", ""),

		MQTTBroker:      p.str("MQTT_BROKER", ""),
		MQTTTopicPrefix: p.str("MQTT_TOPIC_PREFIX", "tower-duel"),

		CardsFile:           p.str("CARDS_FILE", ""),
		AllowClientEndRound: p.flag("ALLOW_CLIENT_END_ROUND", false),
		OriginPatterns:      p.list("WS_ORIGIN_PATTERNS"),

		LockWait:   p.duration("LOCK_WAIT", def.LockWait),
		RoundBase:  p.duration("ROUND_BASE_DURATION", def.Durations.Base),
		RoundStep:  p.duration("ROUND_DURATION_STEP", def.Durations.Step),
		MinDelay:   p.duration("ROUND_MIN_DELAY", 2*time.Second),
		StaleAfter: p.duration("STALE_AFTER", 10*time.Minute),

		Battle: engine.Options{
			TicksToReach:   p.integer("TICKS_TO_REACH", def.Battle.TicksToReach),
			MaxTicks:       p.integer("MAX_TICKS", def.Battle.MaxTicks),
			TicksPerSecond: p.integer("TICKS_PER_SECOND", def.Battle.TicksPerSecond),
		},
		Shop: shop.Rules{
			HandSize:  p.integer("HAND_SIZE", def.Shop.HandSize),
			ShopSize:  p.integer("SHOP_SIZE", def.Shop.ShopSize),
			GoldCap:   p.integer("GOLD_CAP", def.Shop.GoldCap),
			BoardSize: p.integer("BOARD_SIZE", def.Shop.BoardSize),
		},
		TowerHP:  p.number("TOWER_HP", def.TowerHP),
		TowerDPS: p.number("TOWER_DPS", def.TowerDPS),
	}

	switch c.DBDriver {
	case "memory", "sqlite", "postgres":
	default:
		p.fail("DB_DRIVER", c.DBDriver, errors.New("want memory, sqlite or postgres"))
	}
	if c.DBDriver != "memory" && c.DatabaseURL == "" {
		p.fail("DATABASE_URL", "", fmt.Errorf("required for DB_DRIVER=%s", c.DBDriver))
	}
	if c.TowerHP <= 0 {
		p.fail("TOWER_HP", fmt.Sprint(c.TowerHP), errors.New("must be positive"))
	}
	return c, p.err
}

// parser collects every bad variable instead of stopping at the first.
type parser struct {
	err error
}

func (p *parser) fail(key, raw string, err error) {
	p.err = multierr.Append(p.err, fmt.Errorf("%s=%q: %w", key, raw, err))
}

func (p *parser) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (p *parser) list(key string) []string {
	var out []string
	for _, s := range strings.Split(p.str(key, ""), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p *parser) integer(key string, def int) int {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return n
}

func (p *parser) number(key string, def float64) float64 {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return f
}

func (p *parser) flag(key string, def bool) bool {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return d
}
