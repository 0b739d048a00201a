package motion

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"pnp-feeder/internal/machine"
	"pnp-feeder/pkg/geometry"

	"github.com/tarm/serial"
)

// SerialConfig selects the controller port.
type SerialConfig struct {
	Device        string `yaml:"device"`
	Baud          int    `yaml:"baud"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms"`
}

// GrblConfig describes the controller axes and outputs.
type GrblConfig struct {
	MaxFeedRate  float64 `yaml:"max_feed_rate"` // mm/min at speed 1.0
	SafeZ        float64 `yaml:"safe_z"`
	RotationAxis string  `yaml:"rotation_axis"` // G-code letter of the nozzle axis, "" = none

	// ReplyTimeoutMs bounds the wait for an acknowledgement, 0 waits until the
	// context is done. Homing and long moves must fit within it.
	ReplyTimeoutMs int `yaml:"reply_timeout_ms"`

	// Actuators maps an actuator name to its on/off commands, e.g. M8/M9.
	Actuators map[string]GrblOutput `yaml:"actuators"`
}

// GrblOutput is the pair of commands that switch one output.
type GrblOutput struct {
	On  string `yaml:"on"`
	Off string `yaml:"off"`
	// Value is a printf format taking the numeric value, e.g. "M3 S%.0f".
	Value string `yaml:"value"`
}

// DefaultGrblConfig returns a config with coolant outputs as actuators.
func DefaultGrblConfig() GrblConfig {
	return GrblConfig{
		MaxFeedRate:    5000,
		SafeZ:          0,
		RotationAxis:   "A",
		ReplyTimeoutMs: 120000,
		Actuators:      map[string]GrblOutput{},
	}
}

// ControllerError is an error or alarm reported by the controller.
type ControllerError struct {
	Alarm   bool
	Code    string
	Command string
}

func (e *ControllerError) Error() string {
	kind := "error"
	if e.Alarm {
		kind = "alarm"
	}
	return fmt.Sprintf("grbl %s %s on %q", kind, e.Code, e.Command)
}

var (
	// ErrNoGrbl means the port did not announce a GRBL controller.
	ErrNoGrbl = errors.New("unable to detect initialized GRBL")
	// ErrReplyTimeout means no acknowledgement arrived within ReplyTimeoutMs.
	ErrReplyTimeout = errors.New("timed out waiting for grbl")
)

// GrblDriver streams commands to a GRBL controller one line at a time,
// waiting for each acknowledgement.
type GrblDriver struct {
	cfg    GrblConfig
	logger *slog.Logger

	mu       sync.Mutex
	port     io.ReadWriteCloser
	reader   *bufio.Reader
	writer   *bufio.Writer
	location geometry.Location
	version  string
}

var _ machine.Motion = (*GrblDriver)(nil)

// OpenGrbl opens the serial port and waits for the controller banner.
func OpenGrbl(sc SerialConfig, cfg GrblConfig, logger *slog.Logger) (*GrblDriver, error) {
	baud := sc.Baud
	if baud == 0 {
		baud = 115200
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        sc.Device,
		Baud:        baud,
		ReadTimeout: time.Duration(sc.ReadTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", sc.Device, err)
	}
	d, err := NewGrblDriver(port, cfg, logger)
	if err != nil {
		port.Close()
		return nil, err
	}
	return d, nil
}

// NewGrblDriver wraps an open connection and waits for the controller banner.
func NewGrblDriver(port io.ReadWriteCloser, cfg GrblConfig, logger *slog.Logger) (*GrblDriver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &GrblDriver{
		cfg:    cfg,
		logger: logger,
		port:   port,
		reader: bufio.NewReader(port),
		writer: bufio.NewWriter(port),
	}
	for {
		line, err := d.reader.ReadString('\n')
		m := strings.TrimSpace(line)
		if strings.HasPrefix(m, "Grbl ") {
			fields := strings.Fields(m)
			d.version = fields[1]
			logger.Info("grbl initialized", "version", d.version)
			return d, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoGrbl, err)
		}
	}
}

// Version returns the firmware version from the banner.
func (d *GrblDriver) Version() string { return d.version }

// Close soft-resets the controller and closes the port.
func (d *GrblDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, _ = d.port.Write([]byte("\x18\n"))
	return d.port.Close()
}

// MoveTo issues a linear move and then a zero dwell, which GRBL acknowledges
// only once the planner buffer has drained.
func (d *GrblDriver) MoveTo(ctx context.Context, loc geometry.Location, speed float64) error {
	if speed <= 0 || speed > 1 {
		return fmt.Errorf("speed %.3f out of range (0, 1]", speed)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.send(ctx, "G90 "+d.moveBlock(loc, speed)); err != nil {
		return err
	}
	if err := d.send(ctx, "G4 P0"); err != nil {
		return err
	}
	d.location = loc
	return nil
}

func (d *GrblDriver) moveBlock(loc geometry.Location, speed float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "G1 X%.4f Y%.4f Z%.4f", loc.X, loc.Y, loc.Z)
	if d.cfg.RotationAxis != "" {
		fmt.Fprintf(&b, " %s%.4f", d.cfg.RotationAxis, loc.Rotation)
	}
	fmt.Fprintf(&b, " F%.0f", speed*d.cfg.MaxFeedRate)
	return b.String()
}

// MoveToSafeZ raises Z at rapid rate.
func (d *GrblDriver) MoveToSafeZ(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.send(ctx, fmt.Sprintf("G90 G0 Z%.4f", d.cfg.SafeZ)); err != nil {
		return err
	}
	if err := d.send(ctx, "G4 P0"); err != nil {
		return err
	}
	d.location.Z = d.cfg.SafeZ
	return nil
}

// Home runs the $H homing cycle.
func (d *GrblDriver) Home(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.send(ctx, "$H"); err != nil {
		return err
	}
	d.location = geometry.Location{}
	return nil
}

// Location returns the last commanded position.
func (d *GrblDriver) Location() geometry.Location {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.location
}

// Actuators returns one actuator per configured output.
func (d *GrblDriver) Actuators() []machine.Actuator {
	out := make([]machine.Actuator, 0, len(d.cfg.Actuators))
	for name, o := range d.cfg.Actuators {
		out = append(out, &grblActuator{name: name, out: o, d: d})
	}
	return out
}

// send writes one command and waits for its acknowledgement. Informational
// lines in between are logged.
func (d *GrblDriver) send(ctx context.Context, cmd string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := d.writer.WriteString(cmd + "\n"); err != nil {
		return fmt.Errorf("error while sending %q: %w", cmd, err)
	}
	if err := d.writer.Flush(); err != nil {
		return fmt.Errorf("error while flushing %q: %w", cmd, err)
	}
	for {
		res, err := d.readResult(ctx)
		if err != nil {
			return fmt.Errorf("reading reply to %q: %w", cmd, err)
		}
		switch res.level {
		case levelOK:
			return nil
		case levelError:
			return &ControllerError{Code: res.message, Command: cmd}
		case levelAlarm:
			return &ControllerError{Alarm: true, Code: res.message, Command: cmd}
		default:
			d.logger.Debug("grbl info", "message", res.message)
		}
	}
}

// query sends a realtime command and returns the first status report.
func (d *GrblDriver) query(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := d.port.Write([]byte(cmd)); err != nil {
		return "", err
	}
	for {
		res, err := d.readResult(ctx)
		if err != nil {
			return "", fmt.Errorf("reading reply to %q: %w", cmd, err)
		}
		if res.level == levelInfo && strings.HasPrefix(res.message, "<") {
			return res.message, nil
		}
	}
}

type level int

const (
	levelInfo level = iota
	levelOK
	levelError
	levelAlarm
)

type result struct {
	level   level
	message string
}

// readResult reads one reply line. The serial port reports a read timeout
// as io.EOF with no data, so EOF only means "nothing yet": partial lines are
// kept and reading resumes until the reply timeout or ctx ends the wait.
func (d *GrblDriver) readResult(ctx context.Context) (result, error) {
	var deadline time.Time
	if d.cfg.ReplyTimeoutMs > 0 {
		deadline = time.Now().Add(time.Duration(d.cfg.ReplyTimeoutMs) * time.Millisecond)
	}
	var line strings.Builder
	for {
		chunk, err := d.reader.ReadString('\n')
		line.WriteString(chunk)
		if err == nil {
			return parseResult(line.String()), nil
		}
		if !errors.Is(err, io.EOF) {
			return result{}, err
		}
		if err := ctx.Err(); err != nil {
			return result{}, err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return result{}, fmt.Errorf("%w after %dms", ErrReplyTimeout, d.cfg.ReplyTimeoutMs)
		}
	}
}

func parseResult(line string) result {
	b := strings.TrimRight(line, "\r\n")
	lower := strings.ToLower(b)
	switch {
	case lower == "ok":
		return result{level: levelOK}
	case strings.HasPrefix(lower, "error"):
		return result{level: levelError, message: strings.TrimLeft(b[len("error"):], ": ")}
	case strings.HasPrefix(lower, "alarm"):
		return result{level: levelAlarm, message: strings.TrimLeft(b[len("alarm"):], ": ")}
	default:
		return result{level: levelInfo, message: b}
	}
}

type grblActuator struct {
	name string
	out  GrblOutput
	d    *GrblDriver
}

func (a *grblActuator) Name() string { return a.name }

func (a *grblActuator) Actuate(ctx context.Context, on bool) error {
	cmd := a.out.Off
	if on {
		cmd = a.out.On
	}
	if cmd == "" {
		return fmt.Errorf("actuator %s has no command for %v", a.name, on)
	}
	a.d.mu.Lock()
	defer a.d.mu.Unlock()
	return a.d.send(ctx, cmd)
}

func (a *grblActuator) ActuateValue(ctx context.Context, value float64) error {
	if a.out.Value == "" {
		return a.Actuate(ctx, value != 0)
	}
	a.d.mu.Lock()
	defer a.d.mu.Unlock()
	return a.d.send(ctx, fmt.Sprintf(a.out.Value, value))
}

// Read returns the controller status report.
func (a *grblActuator) Read(ctx context.Context) (string, error) {
	a.d.mu.Lock()
	defer a.d.mu.Unlock()
	return a.d.query(ctx, "?")
}
