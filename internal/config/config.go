// Package config assembles the application configuration. Values start from
// package defaults, are overlaid by an optional TOML file, then by
// environment variables.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"

	"flock-sim/internal/api"
	"flock-sim/internal/render"
	"flock-sim/internal/sim"
	"flock-sim/internal/spatial"
)

const ErrTypeInvalidFile = "invalid_config_file"

// =============================================================================
// SIMULATION
// =============================================================================

// SimFromEnv overlays FLOCK_* simulation variables onto cfg.
func SimFromEnv(cfg sim.Config) sim.Config {
	if v := os.Getenv("FLOCK_MODE"); v != "" {
		if m, err := spatial.ParseMode(v); err == nil {
			cfg.Mode = m
		} else {
			logs.Warn(errors.New("ignoring FLOCK_MODE").WithTag("value", v).Wrap(err))
		}
	}
	if n := getEnvInt("FLOCK_INITIAL_BOIDS", -1); n >= 0 {
		cfg.InitialCount = n
	}
	if n := getEnvInt("FLOCK_MAX_BOIDS", 0); n > 0 {
		cfg.MaxBoids = n
	}
	if n := getEnvInt("FLOCK_AUTO_THRESHOLD", 0); n > 0 {
		cfg.AutoSwitchThreshold = n
	}
	if n := getEnvInt("FLOCK_TICK_RATE", 0); n > 0 {
		cfg.TickRate = n
	}
	if v := os.Getenv("FLOCK_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Seed = seed
		}
	}
	if f := getEnvFloat("FLOCK_REFRESH_INTERVAL", 0); f > 0 {
		cfg.RefreshInterval = float32(f)
	}
	if f := getEnvFloat("FLOCK_ROOT_SIZE", 0); f > 0 {
		cfg.RootSize = float32(f)
	}
	return cfg
}

// =============================================================================
// HTTP SERVER
// =============================================================================

// ServerFromEnv overlays PORT and FLOCK_* server variables onto cfg.
func ServerFromEnv(cfg api.Config) api.Config {
	if p := getEnvInt("PORT", 0); p > 0 {
		cfg.Addr = ":" + strconv.Itoa(p)
	}
	if v := os.Getenv("FLOCK_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if f := getEnvFloat("FLOCK_RATE_LIMIT", 0); f > 0 {
		cfg.RateLimit.RequestsPerSecond = f
	}
	if n := getEnvInt("FLOCK_RATE_BURST", 0); n > 0 {
		cfg.RateLimit.Burst = n
	}
	cfg.Render = RenderFromEnv(cfg.Render)
	return cfg
}

// RenderFromEnv overlays FLOCK_RENDER_* variables onto opts.
func RenderFromEnv(opts render.Options) render.Options {
	if w := getEnvInt("FLOCK_RENDER_WIDTH", 0); w > 0 {
		opts.Width = w
	}
	if h := getEnvInt("FLOCK_RENDER_HEIGHT", 0); h > 0 {
		opts.Height = h
	}
	if v := os.Getenv("FLOCK_RENDER_PLANE"); v != "" {
		if p, err := render.ParsePlane(v); err == nil {
			opts.Plane = p
		}
	}
	return opts
}

// =============================================================================
// LOGGING & EVENT LOG
// =============================================================================

type LogConfig struct {
	Level  string `json:"level" toml:"level"`
	Indent bool   `json:"indent" toml:"indent"`
}

func DefaultLog() LogConfig {
	return LogConfig{Level: logs.InfoLevel.String()}
}

// EventLogConfig selects where simulation events are appended as JSON
// lines. An empty path keeps them in memory.
type EventLogConfig struct {
	Path string `json:"path" toml:"path"`
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig is everything cmd/flocksim needs.
type AppConfig struct {
	Sim      sim.Config              `json:"sim" toml:"sim"`
	Server   api.Config              `json:"server" toml:"server"`
	Debug    api.ObservabilityConfig `json:"debug" toml:"debug"`
	Log      LogConfig               `json:"log" toml:"log"`
	EventLog EventLogConfig          `json:"eventLog" toml:"event_log"`
	Record   render.RecorderConfig   `json:"record" toml:"record"`
}

func Default() AppConfig {
	return AppConfig{
		Sim:    sim.DefaultConfig(),
		Server: api.DefaultConfig(),
		Debug:  api.DefaultObservabilityConfig(),
		Log:    DefaultLog(),
	}
}

// LoadFile decodes the TOML file at path over the defaults. Keys the
// configuration does not know are reported and ignored.
func LoadFile(path string) (AppConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, errors.New("decoding config file failed").
			WithType(ErrTypeInvalidFile).
			WithTag("path", path).
			Wrap(err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		logs.WithTag("path", path).
			WithTag("keys", strings.Join(keys, ",")).
			Info("unknown config keys ignored")
	}
	return cfg, nil
}

// Load reads path, applies environment overrides and validates the result.
func Load(path string) (AppConfig, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return cfg, err
	}
	cfg.Sim = SimFromEnv(cfg.Sim)
	cfg.Server = ServerFromEnv(cfg.Server)
	if v := os.Getenv("FLOCK_EVENT_LOG"); v != "" {
		cfg.EventLog.Path = v
	}
	if v := os.Getenv("FLOCK_RECORD_DIR"); v != "" {
		cfg.Record.Dir = v
	}
	return cfg, cfg.Validate()
}

func (c AppConfig) Validate() error {
	if err := c.Sim.Validate(); err != nil {
		return err
	}
	if c.Server.Render.Width < 0 || c.Server.Render.Height < 0 {
		return errors.New("render size must not be negative").
			WithType(sim.ErrTypeInvalidConfig).
			WithTag("width", c.Server.Render.Width).
			WithTag("height", c.Server.Render.Height)
	}
	if c.Record.FPS < 0 || c.Record.MaxFrames < 0 {
		return errors.New("recording settings must not be negative").
			WithType(sim.ErrTypeInvalidConfig).
			WithTag("fps", c.Record.FPS).
			WithTag("max_frames", c.Record.MaxFrames)
	}
	if c.Server.RateLimit.RequestsPerSecond <= 0 || c.Server.RateLimit.Burst <= 0 {
		return errors.New("rate limit must be positive").
			WithType(sim.ErrTypeInvalidConfig).
			WithTag("rps", c.Server.RateLimit.RequestsPerSecond).
			WithTag("burst", c.Server.RateLimit.Burst)
	}
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
