// Command feedertest drives the configured feeders: it feeds parts, runs
// calibrations and prints the resulting pick locations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"pnp-feeder/internal/calibration"
	"pnp-feeder/internal/config"
	"pnp-feeder/internal/feeder"
	"pnp-feeder/internal/machine"
	"pnp-feeder/internal/motion"
	"pnp-feeder/internal/version"
	"pnp-feeder/internal/vision"
	"pnp-feeder/internal/vision/cv"
)

// tapeFeeder is what both feeder variants offer beyond feeder.Feeder.
type tapeFeeder interface {
	feeder.Feeder
	State() feeder.State
	Calibrate(ctx context.Context, store calibration.Store) (*calibration.Outcome, error)
	ReadLabel(ctx context.Context) (string, error)
}

func main() {
	configPath := flag.String("config", "", "Path to the feeder configuration (YAML)")
	only := flag.String("feeder", "", "Feeder ID or name (default: all feeders)")
	feeds := flag.Int("feeds", 1, "Number of parts to feed per feeder")
	calibrate := flag.Bool("calibrate", false, "Calibrate before feeding, regardless of the trigger")
	autoSetup := flag.Bool("autosetup", false, "Discover the sprocket holes at the current camera position (push-pull only)")
	images := flag.String("images", "", "Directory of captured frames, overrides camera.image_dir")
	ocr := flag.Bool("ocr", false, "Read the reel label with Tesseract before feeding")
	save := flag.Bool("save", false, "Write the feeder state back to the configuration")
	verbose := flag.Bool("v", false, "Debug logging")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if *configPath == "" {
		fmt.Println("Usage: feedertest -config <path> [-feeder <id|name>] [-feeds 1] [-calibrate] [-autosetup] [-images <dir>] [-ocr] [-save] [-v]")
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	logger.Debug("starting", "version", version.Version, "commit", version.GitCommit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *images != "" {
		cfg.Camera.ImageDir = *images
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mc, cleanup, err := setupMachine(cfg, *ocr, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Machine setup failed: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	feeders := buildFeeders(cfg, mc, logger)
	if err := mc.Resolve(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve feeders: %v\n", err)
		os.Exit(1)
	}
	if err := mc.Home(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Homing failed: %v\n", err)
		os.Exit(1)
	}

	selected := feeders
	if *only != "" {
		fc, ok := cfg.Feeder(*only)
		if !ok {
			fmt.Fprintf(os.Stderr, "No feeder %q\n", *only)
			os.Exit(1)
		}
		selected = nil
		for _, f := range feeders {
			if f.ID() == fc.ID {
				selected = append(selected, f)
			}
		}
	}

	var failed []error
	for _, f := range selected {
		err := mc.Submit(ctx, func(ctx context.Context) error {
			return exercise(ctx, f, *feeds, *calibrate, *autoSetup, *ocr)
		})
		if err != nil {
			logger.Error("feeder failed", "feeder", f.Name(), "error", err)
			failed = append(failed, err)
		}
	}

	printStatus(feeders)

	if *save {
		for _, f := range feeders {
			fc, _ := cfg.Feeder(f.ID())
			fc.State = f.State()
			if pp, ok := f.(*feeder.PushPullFeeder); ok {
				fc.PushPullSettings = pp.Settings()
			}
		}
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nState saved to %s\n", *configPath)
	}

	if err := errors.Join(failed...); err != nil {
		os.Exit(2)
	}
}

// setupMachine wires the motion backend, the actuators and the camera.
func setupMachine(cfg *config.Config, withOCR bool, logger *slog.Logger) (*machine.Context, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var mc *machine.Context
	if cfg.Machine.Simulate {
		sim := motion.NewSimulator(cfg.Machine.SafeZ)
		mc = machine.NewContext(sim, logger)
		for _, name := range actuatorNames(cfg) {
			mc.AddActuator(sim.Actuator(name))
		}
		logger.Info("using simulated machine", "actuators", strings.Join(mc.ActuatorNames(), ","))
	} else {
		grbl, err := motion.OpenGrbl(cfg.Serial, cfg.Grbl, logger)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { grbl.Close() })
		mc = machine.NewContext(grbl, logger)
		for _, a := range grbl.Actuators() {
			mc.AddActuator(a)
		}
		logger.Info("connected to grbl", "device", cfg.Serial.Device, "version", grbl.Version())
	}
	closers = append(closers, mc.Close)

	if cfg.Camera.ImageDir == "" {
		logger.Warn("no camera frames configured, vision calibration disabled")
		return mc, cleanup, nil
	}
	settle := time.Duration(cfg.Camera.SettleMs) * time.Millisecond
	cam, err := vision.NewFileCamera(cfg.Camera.Name, cfg.Camera.ImageDir, cfg.Camera.UnitsPerPixel, settle, mc)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	pipeline := cv.NewHoughPipeline()
	pipeline.Params = cv.HoughParams{
		DP:         cfg.Camera.Hough.DP,
		Param1:     cfg.Camera.Hough.Param1,
		Param2:     cfg.Camera.Hough.Param2,
		BlurKernel: cfg.Camera.Hough.BlurKernel,
	}
	mc.Camera = cam
	mc.Pipeline = pipeline
	mc.Label = cfg.Camera.Label

	if withOCR {
		reader, err := cv.NewOCRReader()
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		closers = append(closers, func() { reader.Close() })
		mc.Reader = reader
	}
	return mc, cleanup, nil
}

// actuatorNames lists every actuator referenced by a feeder.
func actuatorNames(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var names []string
	for _, fc := range cfg.Feeders {
		for _, name := range []string{fc.Actuator, fc.TakeUpActuator} {
			if name != "" && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

func buildFeeders(cfg *config.Config, mc *machine.Context, logger *slog.Logger) []tapeFeeder {
	feeders := make([]tapeFeeder, 0, len(cfg.Feeders))
	for _, fc := range cfg.Feeders {
		switch fc.Type {
		case config.TypeStrip:
			feeders = append(feeders, feeder.NewStripFeeder(fc.StripSettings(), fc.State, mc, logger))
		default:
			feeders = append(feeders, feeder.NewPushPullFeeder(fc.PushPullSettings, fc.State, mc, logger))
		}
	}
	return feeders
}

// exercise runs the requested operations on one feeder. It runs on the
// machine's work queue.
func exercise(ctx context.Context, f tapeFeeder, feeds int, calibrate, autoSetup, readLabel bool) error {
	fmt.Printf("\nFeeder %s (%s)\n", f.Name(), f.Status().Kind)

	if autoSetup {
		pp, ok := f.(*feeder.PushPullFeeder)
		if !ok {
			return fmt.Errorf("feeder %s: auto setup needs a push-pull feeder", f.Name())
		}
		if err := pp.AutoSetup(ctx); err != nil {
			return err
		}
		st := pp.Status()
		fmt.Printf("  Holes:  %s %s\n", st.Hole1, st.Hole2)
		fmt.Printf("  Anchor: %s\n", st.Anchor)
	}

	if readLabel {
		text, err := f.ReadLabel(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("  Label:  %q\n", text)
	}

	if calibrate {
		out, err := f.Calibrate(ctx, calibration.Store{VisionOffset: true})
		if err != nil {
			return err
		}
		fmt.Printf("  Calibrated in %d passes, converged=%v, error %.3fmm, offset %s\n",
			out.Passes, out.Converged, out.ErrorMm, out.VisionOffset)
	}

	fmt.Printf("  %-6s %8s %10s %10s %10s %8s\n", "Feed", "Part", "X", "Y", "Z", "Rot")
	for i := 0; i < feeds; i++ {
		if err := f.Feed(ctx); err != nil {
			return err
		}
		loc, err := f.PickLocation(ctx)
		if err != nil {
			return err
		}
		st := f.Status()
		fmt.Printf("  %-6d %8d %10.3f %10.3f %10.3f %8.2f\n",
			st.FeedCount, st.PartInCycle, loc.X, loc.Y, loc.Z, loc.Rotation)
		if err := f.PostPick(ctx); err != nil {
			return err
		}
	}
	return nil
}

func printStatus(feeders []tapeFeeder) {
	fmt.Printf("\n%-24s %-10s %6s %11s %8s %10s %10s\n",
		"Feeder", "Kind", "Count", "Calibrated", "Samples", "Avg(mm)", "Bound(mm)")
	fmt.Println(strings.Repeat("-", 85))
	for _, f := range feeders {
		st := f.Status()
		fmt.Printf("%-24s %-10s %6d %11v %8d %10.3f %10.3f\n",
			st.Name, st.Kind, st.FeedCount, st.Calibrated,
			st.Statistics.Count, st.Statistics.Average(), st.Statistics.ConfidenceBound())
	}
}
