package main

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"syscall"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/segmentio/encoding/json"

	"flock-sim/internal/api"
	"flock-sim/internal/config"
	"flock-sim/internal/render"
	"flock-sim/internal/sim"
	"flock-sim/internal/spatial"
)

// Set at build.
var version = "v0.1.0"

var _ = reflect.TypeOf(options{})

type options struct {
	Config     string `cli:""        env:"FLOCK_CONFIG"      help:"TOML configuration file."`
	Addr       string `cli:""        env:"FLOCK_ADDR"        help:"Listening address for the HTTP API."`
	DebugAddr  string `cli:""        env:"FLOCK_DEBUG_ADDR"  help:"Listening address for pprof and metrics."`
	NoDebug    bool   `cli:""        env:"FLOCK_NO_DEBUG"    help:"Disable the debug server."`
	AdminToken string `cli:""        env:"FLOCK_ADMIN_TOKEN" help:"Token required by mutating API routes. Empty leaves them open."`
	LogLevel   string `cli:""        env:"FLOCK_LOG_LEVEL"   help:"Log level (debug|info|warning|error)."`
	LogIndent  bool   `cli:""        env:"FLOCK_LOG_INDENT"  help:"Indent logs."`
	EventLog   string `cli:""        env:"-"                 help:"File where simulation events are appended as JSON lines."`
	RecordDir  string `cli:""        env:"-"                 help:"Directory where PNG frames are recorded."`
	Mode       string `cli:""        env:"-"                 help:"Partitioning mode (octree|cells|bvh|auto)."`
	Boids      int    `cli:""        env:"-"                 help:"Initial boid count."`
	Seed       int    `cli:",hidden" env:"-"                 help:"Random seed. 0 keeps the configured seed."`
	Version    bool   `cli:""        env:"-"                 help:"Show version."`
	Help       bool   `cli:""        env:"-"                 help:"Show help."`
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logs.Warn(errors.New("loading .env failed").Wrap(err))
	}

	opts := options{Boids: -1}

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Runs the flock simulation and serves its HTTP API.").
		Options(&opts)
	cli.Load()

	if opts.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	conf, err := loadConfig(opts)
	if err != nil {
		logs.Fatal(err)
	}

	logs.SetLevel(logs.ParseLevel(conf.Log.Level))
	logs.Encoder = json.Marshal
	if conf.Log.Indent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}
	errors.Encoder = json.Marshal

	runID := uuid.NewString()
	logs.WithTag("version", version).
		WithTag("run_id", runID).
		WithTag("mode", conf.Sim.Mode.String()).
		WithTag("boids", conf.Sim.InitialCount).
		Info("starting flocksim")

	s, err := sim.New(conf.Sim)
	if err != nil {
		logs.Fatal(errors.New("creating simulator failed").Wrap(err))
	}

	if err := s.Events().Start(conf.EventLog.Path); err != nil {
		logs.Warn(errors.New("event log disabled").
			WithTag("path", conf.EventLog.Path).
			Wrap(err))
	}
	defer s.Events().Stop()

	// The hook runs under the simulator lock; Snapshot is lock-free and
	// already holds this tick's index stats.
	var eventMetrics api.EventLogMetrics
	s.OnTick(func(stats sim.TickStats) {
		api.RecordTick(stats)
		api.RecordIndex(s.Snapshot().Index)
		eventMetrics.Update(s.Events().Stats())
	})

	s.Start()
	defer s.Stop()

	if conf.Record.Enabled() {
		rec, err := render.NewRecorder(s, conf.Server.Render, conf.Record)
		if err != nil {
			logs.Fatal(err)
		}
		rec.Start()
		defer rec.Stop()
	}

	server := api.NewServer(s, conf.Server)
	server.Start(ctx, api.NewDebugServer(conf.Debug))

	logs.WithTag("run_id", runID).Info("flocksim stopped")
}

// loadConfig reads the configuration file and environment, then applies
// command-line overrides.
func loadConfig(opts options) (config.AppConfig, error) {
	conf, err := config.Load(opts.Config)
	if err != nil {
		return conf, err
	}

	if opts.Addr != "" {
		conf.Server.Addr = opts.Addr
	}
	if opts.DebugAddr != "" {
		conf.Debug.ListenAddr = opts.DebugAddr
	}
	if opts.NoDebug {
		conf.Debug.Enabled = false
	}
	if opts.AdminToken != "" {
		conf.Server.AdminToken = opts.AdminToken
	}
	if opts.LogLevel != "" {
		conf.Log.Level = opts.LogLevel
	}
	if opts.LogIndent {
		conf.Log.Indent = true
	}
	if opts.EventLog != "" {
		conf.EventLog.Path = opts.EventLog
	}
	if opts.RecordDir != "" {
		conf.Record.Dir = opts.RecordDir
	}
	if opts.Mode != "" {
		mode, err := spatial.ParseMode(opts.Mode)
		if err != nil {
			return conf, err
		}
		conf.Sim.Mode = mode
	}
	if opts.Boids >= 0 {
		conf.Sim.InitialCount = opts.Boids
	}
	if opts.Seed != 0 {
		conf.Sim.Seed = int64(opts.Seed)
	}
	return conf, conf.Validate()
}
