package main

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"syscall"
	"time"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/gdamore/tcell/v2"
	"github.com/joho/godotenv"

	"flock-sim/internal/config"
	"flock-sim/internal/render"
	"flock-sim/internal/sim"
	"flock-sim/internal/spatial"
)

// boidsPerKey is how many boids '+' spawns.
const boidsPerKey = 50

var _ = reflect.TypeOf(options{})

type options struct {
	Config string `cli:"" env:"FLOCK_CONFIG" help:"TOML configuration file."`
	Mode   string `cli:"" env:"-"            help:"Partitioning mode (octree|cells|bvh|auto)."`
	Boids  int    `cli:"" env:"-"            help:"Initial boid count."`
	Plane  string `cli:"" env:"-"            help:"Projection plane (xy|xz|zy)."`
	FPS    int    `cli:"" env:"-"            help:"Redraws per second."`
	Help   bool   `cli:"" env:"-"            help:"Show help."`
}

// viewer runs a local simulation and draws it into a terminal.
type viewer struct {
	screen tcell.Screen
	sim    *sim.Simulator
	view   *render.TerminalView
	snap   sim.Snapshot
}

func newViewer(screen tcell.Screen, s *sim.Simulator, plane render.Plane, palette render.Palette) *viewer {
	return &viewer{
		screen: screen,
		sim:    s,
		view:   render.NewTerminalView(screen, plane, palette),
	}
}

func (v *viewer) draw() {
	v.view.Draw(v.sim.Snapshot().CloneInto(&v.snap), v.sim.ColliderBoxes())
}

// handleEvent applies a key press. It returns false when the viewer should
// exit.
func (v *viewer) handleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlC:
			return false
		case tcell.KeyRune:
		default:
			return true
		}

		switch ev.Rune() {
		case 'q':
			return false
		case 'm':
			v.sim.SetMode(nextMode(v.sim.Mode()))
		case 'v':
			v.sim.ToggleVisualization()
		case 'p':
			v.view.SetPlane(v.view.Plane().Next())
		case 'r':
			v.sim.Restart()
		case '+':
			if _, err := v.sim.AddRandomBoids(boidsPerKey); err != nil {
				logs.WithTag("boids", v.sim.BoidCount()).Debug("boid limit reached")
			}
		case '-':
			for i := 0; i < boidsPerKey && v.sim.BoidCount() > 0; i++ {
				if err := v.sim.RemoveBoid(v.sim.BoidCount() - 1); err != nil {
					break
				}
			}
		}

	case *tcell.EventResize:
		v.screen.Sync()
	}
	return true
}

func (v *viewer) run(ctx context.Context, fps int) {
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	events := make(chan tcell.Event, 100)
	go func() {
		for {
			ev := v.screen.PollEvent()
			if ev == nil {
				return
			}
			events <- ev
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if !v.handleEvent(ev) {
				return
			}
			v.draw()
		case <-ticker.C:
			v.draw()
		}
	}
}

func nextMode(m spatial.Mode) spatial.Mode {
	return (m + 1) % (spatial.ModeAutomatic + 1)
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, err)
	}

	opts := options{Boids: -1, FPS: 30}

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Runs the flock simulation in the terminal.").
		Options(&opts)
	cli.Load()

	// Log lines would tear the screen.
	logs.SetLevel(logs.ParseLevel("error"))

	conf, err := config.Load(opts.Config)
	if err != nil {
		logs.Fatal(err)
	}
	if opts.Mode != "" {
		if conf.Sim.Mode, err = spatial.ParseMode(opts.Mode); err != nil {
			logs.Fatal(err)
		}
	}
	if opts.Boids >= 0 {
		conf.Sim.InitialCount = opts.Boids
	}
	plane := conf.Server.Render.Plane
	if opts.Plane != "" {
		if plane, err = render.ParsePlane(opts.Plane); err != nil {
			logs.Fatal(err)
		}
	}
	if opts.FPS <= 0 {
		opts.FPS = 30
	}

	s, err := sim.New(conf.Sim)
	if err != nil {
		logs.Fatal(errors.New("creating simulator failed").Wrap(err))
	}

	screen, err := tcell.NewScreen()
	if err != nil {
		logs.Fatal(errors.New("opening terminal failed").Wrap(err))
	}
	if err := screen.Init(); err != nil {
		logs.Fatal(errors.New("initializing terminal failed").Wrap(err))
	}

	s.Start()
	newViewer(screen, s, plane, conf.Server.Render.Palette).run(ctx, opts.FPS)
	s.Stop()
	screen.Fini()
}
