// Package fsm is a small table driven state machine engine.
//
// A [Definition] lists the states, the transitions and the global overrides
// of a machine. Any (state, event) pair that is not listed leaves the state
// unchanged. A [Machine] is one instance of a definition with its own
// current state and enter / exit callbacks.
package fsm

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

var (
	ErrReentrant      = errors.New("event handled from within a state machine callback")
	ErrNoInitial      = errors.New("state machine definition has no initial state")
	ErrUnknownState   = errors.New("state not declared in definition")
	ErrDuplicateState = errors.New("state declared twice")
)

type Definition[S comparable, E comparable] struct {
	states  []S
	known   map[S]bool
	table   map[S]map[E]S
	global  map[E]S
	initial *S
	err     error
}

func NewDefinition[S comparable, E comparable]() *Definition[S, E] {
	return &Definition[S, E]{
		known:  map[S]bool{},
		table:  map[S]map[E]S{},
		global: map[E]S{},
	}
}

func (d *Definition[S, E]) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Definition[S, E]) State(s S) *Definition[S, E] {
	if d.known[s] {
		d.fail(fmt.Errorf("%w : %v", ErrDuplicateState, s))
		return d
	}
	d.known[s] = true
	d.states = append(d.states, s)
	return d
}

func (d *Definition[S, E]) Transition(from S, ev E, to S) *Definition[S, E] {
	if d.table[from] == nil {
		d.table[from] = map[E]S{}
	}
	d.table[from][ev] = to
	return d
}

// Global transition, evaluated ahead of the per state table whatever the current state
func (d *Definition[S, E]) Global(ev E, to S) *Definition[S, E] {
	d.global[ev] = to
	return d
}

func (d *Definition[S, E]) Initial(s S) *Definition[S, E] {
	d.initial = &s
	return d
}

func (d *Definition[S, E]) States() []S {
	return append([]S(nil), d.states...)
}

// Check that every referenced state has been declared
func (d *Definition[S, E]) Validate() error {
	if d.err != nil {
		return d.err
	}
	if d.initial == nil {
		return ErrNoInitial
	}
	if !d.known[*d.initial] {
		return fmt.Errorf("%w : initial %v", ErrUnknownState, *d.initial)
	}
	for from, transitions := range d.table {
		if !d.known[from] {
			return fmt.Errorf("%w : %v", ErrUnknownState, from)
		}
		for ev, to := range transitions {
			if !d.known[to] {
				return fmt.Errorf("%w : %v on %v", ErrUnknownState, to, ev)
			}
		}
	}
	for ev, to := range d.global {
		if !d.known[to] {
			return fmt.Errorf("%w : %v on %v", ErrUnknownState, to, ev)
		}
	}
	return nil
}

// Transition function, returns the current state for unlisted pairs
func (d *Definition[S, E]) Next(state S, ev E) S {
	if to, ok := d.global[ev]; ok {
		return to
	}
	if to, ok := d.table[state][ev]; ok {
		return to
	}
	return state
}

type Machine[S comparable, E comparable] struct {
	def          *Definition[S, E]
	name         string
	state        S
	onEnter      map[S][]func()
	onExit       map[S][]func()
	onTransition []func(from S, to S, ev E)
	handling     bool
}

// Create a machine in the initial state of def. No enter callback fires for the initial state.
func NewMachine[S comparable, E comparable](def *Definition[S, E], name string) (*Machine[S, E], error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("[FSM][%s] %w", name, err)
	}
	return &Machine[S, E]{
		def:     def,
		name:    name,
		state:   *def.initial,
		onEnter: map[S][]func(){},
		onExit:  map[S][]func(){},
	}, nil
}

func (m *Machine[S, E]) OnEnter(s S, fn func()) *Machine[S, E] {
	m.onEnter[s] = append(m.onEnter[s], fn)
	return m
}

func (m *Machine[S, E]) OnExit(s S, fn func()) *Machine[S, E] {
	m.onExit[s] = append(m.onExit[s], fn)
	return m
}

// Instance callback, called after the enter callbacks of every state change
func (m *Machine[S, E]) OnTransition(fn func(from S, to S, ev E)) *Machine[S, E] {
	m.onTransition = append(m.onTransition, fn)
	return m
}

func (m *Machine[S, E]) Name() string {
	return m.name
}

func (m *Machine[S, E]) State() S {
	return m.state
}

func (m *Machine[S, E]) Is(s S) bool {
	return m.state == s
}

// Apply an event. On a state change the exit callbacks of the old state run,
// then the state is assigned, then the enter callbacks of the new state run.
// Returns whether the state changed.
func (m *Machine[S, E]) HandleEvent(ev E) (bool, error) {
	if m.handling {
		log.Errorf("[FSM][%s] %v while in %v : %v", m.name, ev, m.state, ErrReentrant)
		return false, ErrReentrant
	}
	from := m.state
	to := m.def.Next(from, ev)
	if to == from {
		log.Tracef("[FSM][%s] %v ignored in %v", m.name, ev, from)
		return false, nil
	}
	m.handling = true
	defer func() { m.handling = false }()

	for _, fn := range m.onExit[from] {
		fn()
	}
	m.state = to
	log.Debugf("[FSM][%s] %v ==> %v (%v)", m.name, from, to, ev)
	for _, fn := range m.onEnter[to] {
		fn()
	}
	for _, fn := range m.onTransition {
		fn(from, to, ev)
	}
	return true, nil
}
