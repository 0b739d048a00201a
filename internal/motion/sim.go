// Package motion provides machine.Motion and machine.Actuator implementations:
// a GRBL serial driver and an in-memory simulator for tests and dry runs.
package motion

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"pnp-feeder/internal/machine"
	"pnp-feeder/pkg/geometry"
)

// Move is one recorded motion command.
type Move struct {
	Target geometry.Location
	Speed  float64
}

// Simulator is an in-memory machine. It records every move and actuation.
type Simulator struct {
	SafeZ float64

	mu       sync.Mutex
	location geometry.Location
	moves    []Move
	events   []string
	failAt   map[string]error
}

// NewSimulator returns a simulator at the origin with the given safe Z.
func NewSimulator(safeZ float64) *Simulator {
	return &Simulator{SafeZ: safeZ, failAt: make(map[string]error)}
}

// FailOn makes the named event ("move", "home" or an actuator name) fail
// with err until cleared with a nil error.
func (s *Simulator) FailOn(event string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failAt, event)
		return
	}
	s.failAt[event] = err
}

func (s *Simulator) MoveTo(ctx context.Context, loc geometry.Location, speed float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if speed <= 0 || speed > 1 {
		return fmt.Errorf("speed %.3f out of range (0, 1]", speed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failAt["move"]; err != nil {
		return err
	}
	s.location = loc
	s.moves = append(s.moves, Move{Target: loc, Speed: speed})
	s.events = append(s.events, "move "+loc.String())
	return nil
}

func (s *Simulator) MoveToSafeZ(ctx context.Context) error {
	s.mu.Lock()
	loc := s.location.WithZ(s.SafeZ)
	s.mu.Unlock()
	return s.MoveTo(ctx, loc, 1)
}

func (s *Simulator) Home(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failAt["home"]; err != nil {
		return err
	}
	s.location = geometry.Location{Z: s.SafeZ}
	s.events = append(s.events, "home")
	return nil
}

// Location returns the current head position.
func (s *Simulator) Location() geometry.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

// Moves returns a copy of the recorded moves.
func (s *Simulator) Moves() []Move {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Move(nil), s.moves...)
}

// Events returns the interleaved move and actuator log.
func (s *Simulator) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// Reset clears the recorded moves and events.
func (s *Simulator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moves = nil
	s.events = nil
}

// Actuator returns a simulated actuator that logs into this simulator.
func (s *Simulator) Actuator(name string) *SimActuator {
	return &SimActuator{name: name, sim: s}
}

// SimActuator is a simulated output with a readable state.
type SimActuator struct {
	name string
	sim  *Simulator

	mu    sync.Mutex
	value float64
}

var (
	_ machine.Motion   = (*Simulator)(nil)
	_ machine.Actuator = (*SimActuator)(nil)
)

func (a *SimActuator) Name() string { return a.name }

func (a *SimActuator) Actuate(ctx context.Context, on bool) error {
	v := 0.0
	if on {
		v = 1
	}
	return a.ActuateValue(ctx, v)
}

func (a *SimActuator) ActuateValue(ctx context.Context, value float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.sim.mu.Lock()
	err := a.sim.failAt[a.name]
	if err == nil {
		a.sim.events = append(a.sim.events, fmt.Sprintf("%s=%g", a.name, value))
	}
	a.sim.mu.Unlock()
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.value = value
	a.mu.Unlock()
	return nil
}

func (a *SimActuator) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return strconv.FormatFloat(a.value, 'g', -1, 64), nil
}

// On reports whether the actuator is engaged.
func (a *SimActuator) On() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value != 0
}
