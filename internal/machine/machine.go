// Package machine holds the context shared by feeders: motion, the camera and
// its pipeline, named actuators, homing state and the work queue that
// serialises machine operations.
package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"pnp-feeder/internal/vision"
	"pnp-feeder/pkg/geometry"
)

var (
	// ErrActuatorNotFound means no actuator is registered under a name.
	ErrActuatorNotFound = errors.New("actuator not found")
	// ErrNotHomed means motion was requested before homing.
	ErrNotHomed = errors.New("machine not homed")
	// ErrClosed means the work queue has been shut down.
	ErrClosed = errors.New("machine context closed")
)

// Motion moves the head. MoveTo blocks until the axes have reached the target.
// Speed is a fraction of the maximum feed rate, 0 < speed <= 1.
type Motion interface {
	MoveTo(ctx context.Context, loc geometry.Location, speed float64) error
	MoveToSafeZ(ctx context.Context) error
	Home(ctx context.Context) error
}

// Actuator is a named output (and optional input) on the machine.
type Actuator interface {
	Name() string
	Actuate(ctx context.Context, on bool) error
	ActuateValue(ctx context.Context, value float64) error
	Read(ctx context.Context) (string, error)
}

// Component is anything configured against the machine that holds
// cross-references (actuator names) to resolve after loading.
type Component interface {
	Name() string
	Resolve(mc *Context) error
}

// Invalidator is implemented by components that drop calibration state when
// the machine loses its position.
type Invalidator interface {
	InvalidateVisionOffset()
}

// Context replaces global registries: every feeder receives one.
type Context struct {
	Motion   Motion
	Camera   vision.Camera
	Pipeline vision.Pipeline
	Reader   vision.TextReader
	Label    vision.OCRRegion // where Reader looks, relative to the camera
	Logger   *slog.Logger

	mu         sync.RWMutex
	actuators  map[string]Actuator
	components []Component
	homed      bool

	queue     chan job
	closeOnce sync.Once
	done      chan struct{}
}

type job struct {
	ctx    context.Context
	fn     func(ctx context.Context) error
	result chan error
}

// NewContext creates a context and starts its work queue. Close stops it.
func NewContext(motion Motion, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	mc := &Context{
		Motion:    motion,
		Logger:    logger,
		actuators: make(map[string]Actuator),
		queue:     make(chan job),
		done:      make(chan struct{}),
	}
	go mc.run()
	return mc
}

// AddActuator registers an actuator under its name, replacing any previous one.
func (mc *Context) AddActuator(a Actuator) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.actuators[a.Name()] = a
}

// Actuator looks up an actuator by name.
func (mc *Context) Actuator(name string) (Actuator, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	a, ok := mc.actuators[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrActuatorNotFound)
	}
	return a, nil
}

// ActuatorNames lists registered actuators, sorted.
func (mc *Context) ActuatorNames() []string {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	names := make([]string, 0, len(mc.actuators))
	for n := range mc.actuators {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Register adds a component. Its references are bound by Resolve.
func (mc *Context) Register(c Component) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.components = append(mc.components, c)
}

// Components returns the registered components in registration order.
func (mc *Context) Components() []Component {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return append([]Component(nil), mc.components...)
}

// Resolve is the second initialisation phase: every registered component
// binds its cross-references. All failures are reported together.
func (mc *Context) Resolve() error {
	var errs []error
	for _, c := range mc.Components() {
		if err := c.Resolve(mc); err != nil {
			errs = append(errs, fmt.Errorf("resolve %s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Homed reports whether the machine position is known.
func (mc *Context) Homed() bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.homed
}

// SetHomed updates the homing state. Losing it invalidates the vision offset
// of every registered component that keeps one.
func (mc *Context) SetHomed(homed bool) {
	mc.mu.Lock()
	was := mc.homed
	mc.homed = homed
	components := append([]Component(nil), mc.components...)
	mc.mu.Unlock()

	if was && !homed {
		for _, c := range components {
			if inv, ok := c.(Invalidator); ok {
				inv.InvalidateVisionOffset()
			}
		}
		mc.Logger.Info("machine unhomed, vision offsets invalidated", "components", len(components))
	}
}

// Home runs the homing cycle and marks the machine homed.
func (mc *Context) Home(ctx context.Context) error {
	if mc.Motion == nil {
		return errors.New("no motion configured")
	}
	if err := mc.Motion.Home(ctx); err != nil {
		mc.SetHomed(false)
		return fmt.Errorf("homing: %w", err)
	}
	mc.SetHomed(true)
	return nil
}

// MoveTo moves the head, refusing to move an unhomed machine.
func (mc *Context) MoveTo(ctx context.Context, loc geometry.Location, speed float64) error {
	if !mc.Homed() {
		return ErrNotHomed
	}
	return mc.Motion.MoveTo(ctx, loc, speed)
}

// MoveToSafeZ raises the head to safe Z.
func (mc *Context) MoveToSafeZ(ctx context.Context) error {
	if !mc.Homed() {
		return ErrNotHomed
	}
	return mc.Motion.MoveToSafeZ(ctx)
}

// Submit runs fn on the work queue and waits for it. Operations submitted
// from different goroutines never overlap.
func (mc *Context) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	j := job{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case mc.queue <- j:
	case <-mc.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// Once started, a job runs to completion.
	return <-j.result
}

// Close stops the work queue after the running job finishes.
func (mc *Context) Close() {
	mc.closeOnce.Do(func() { close(mc.done) })
}

func (mc *Context) run() {
	for {
		select {
		case <-mc.done:
			return
		case j := <-mc.queue:
			j.result <- mc.runJob(j)
		}
	}
}

func (mc *Context) runJob(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("machine job panicked: %v", r)
			mc.Logger.Error("machine job panicked", "panic", r)
		}
	}()
	return j.fn(j.ctx)
}
