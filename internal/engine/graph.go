package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var engineTracer = otel.Tracer("rac/internal/engine")

// End is the terminal pseudo-node. Routing to it finishes the run.
const End = "__end__"

// NodeFunc executes one workflow node and returns its partial update.
type NodeFunc func(ctx context.Context, state *State) (Update, error)

// RouterFunc selects the next node from the current state. Routers must be
// pure functions of the state and perform no I/O.
type RouterFunc func(state *State) string

// EventKind labels a node lifecycle notification.
type EventKind string

const (
	EventNodeStart  EventKind = "node_start"
	EventNodeFinish EventKind = "node_finish"
	EventNodeError  EventKind = "node_error"
)

// Event is one node lifecycle notification.
type Event struct {
	Node string
	Kind EventKind
	// Log carries the node's log delta on node_finish.
	Log []string
	// Err is set on node_error.
	Err error
}

// EventHandler observes node lifecycle events. Delivery is fire-and-forget:
// a panicking handler is recovered and never fails the run.
type EventHandler func(Event)

// ErrUnknownNode indicates an edge or router referencing a node that is not
// in the graph.
var ErrUnknownNode = errors.New("unknown node")

// ErrNoEntryPoint indicates Compile was called before SetEntryPoint.
var ErrNoEntryPoint = errors.New("entry point not set")

// ErrDeadEnd indicates a node with no outgoing edge.
var ErrDeadEnd = errors.New("node has no outgoing edge")

// ErrMaxSteps indicates the run exceeded the node execution cap.
var ErrMaxSteps = errors.New("max steps exceeded")

type branch struct {
	router  RouterFunc
	targets map[string]struct{}
}

// Graph is a directed workflow over State: named nodes, static edges, and
// router-driven conditional edges. Build with AddNode/AddEdge/
// AddConditionalEdge/SetEntryPoint, then Compile into a Runnable.
type Graph struct {
	nodes    map[string]NodeFunc
	edges    map[string]string
	branches map[string]branch
	entry    string

	logger   *log.Logger
	handler  EventHandler
	maxSteps int
}

// Option configures graph behaviour.
type Option func(*Graph)

// WithLogger sets the engine logger.
func WithLogger(logger *log.Logger) Option {
	return func(g *Graph) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithEventHandler sets the node lifecycle event handler.
func WithEventHandler(h EventHandler) Option {
	return func(g *Graph) {
		g.handler = h
	}
}

// WithMaxSteps caps the number of node executions in one run.
func WithMaxSteps(n int) Option {
	return func(g *Graph) {
		if n > 0 {
			g.maxSteps = n
		}
	}
}

// NewGraph creates an empty workflow graph.
func NewGraph(opts ...Option) *Graph {
	g := &Graph{
		nodes:    make(map[string]NodeFunc),
		edges:    make(map[string]string),
		branches: make(map[string]branch),
		logger:   log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
		maxSteps: 25,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddNode registers a named node.
func (g *Graph) AddNode(name string, fn NodeFunc) {
	g.nodes[name] = fn
}

// AddEdge wires an unconditional transition from one node to the next.
func (g *Graph) AddEdge(from, to string) {
	g.edges[from] = to
}

// AddConditionalEdge wires a router at from. The router's return value must
// be one of targets or End.
func (g *Graph) AddConditionalEdge(from string, router RouterFunc, targets ...string) {
	set := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		set[t] = struct{}{}
	}
	g.branches[from] = branch{router: router, targets: set}
}

// SetEntryPoint names the first node of every run.
func (g *Graph) SetEntryPoint(name string) {
	g.entry = name
}

// Compile validates the wiring and returns an executable graph.
func (g *Graph) Compile() (*Runnable, error) {
	if g.entry == "" {
		return nil, ErrNoEntryPoint
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return nil, fmt.Errorf("%w: entry point %q", ErrUnknownNode, g.entry)
	}
	for from, to := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return nil, fmt.Errorf("%w: edge from %q", ErrUnknownNode, from)
		}
		if to != End {
			if _, ok := g.nodes[to]; !ok {
				return nil, fmt.Errorf("%w: edge %q -> %q", ErrUnknownNode, from, to)
			}
		}
	}
	for from, br := range g.branches {
		if _, ok := g.nodes[from]; !ok {
			return nil, fmt.Errorf("%w: conditional edge from %q", ErrUnknownNode, from)
		}
		if _, ok := g.edges[from]; ok {
			return nil, fmt.Errorf("node %q has both a static and a conditional edge", from)
		}
		if br.router == nil {
			return nil, fmt.Errorf("conditional edge from %q has no router", from)
		}
		for t := range br.targets {
			if t == End {
				continue
			}
			if _, ok := g.nodes[t]; !ok {
				return nil, fmt.Errorf("%w: conditional target %q -> %q", ErrUnknownNode, from, t)
			}
		}
	}
	for name := range g.nodes {
		if _, ok := g.edges[name]; ok {
			continue
		}
		if _, ok := g.branches[name]; ok {
			continue
		}
		return nil, fmt.Errorf("%w: %q", ErrDeadEnd, name)
	}
	return &Runnable{graph: g}, nil
}

// Runnable is a compiled graph ready to execute.
type Runnable struct {
	graph *Graph
}

// Invoke walks the graph from the entry point until End, mutating state in
// place and returning it. Node errors abort the walk; the state keeps every
// update applied before the failure.
func (r *Runnable) Invoke(ctx context.Context, state *State) (*State, error) {
	g := r.graph
	current := g.entry
	for steps := 0; current != End; steps++ {
		if steps >= g.maxSteps {
			return state, fmt.Errorf("%w: %d", ErrMaxSteps, g.maxSteps)
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}

		r.emit(Event{Node: current, Kind: EventNodeStart})
		started := time.Now()
		update, err := r.runNode(ctx, current, state)
		if err != nil {
			g.logger.Printf("node %s failed after %s: %v", current, time.Since(started).Round(time.Millisecond), err)
			r.emit(Event{Node: current, Kind: EventNodeError, Err: err})
			return state, fmt.Errorf("node %s: %w", current, err)
		}
		state.Apply(update)
		g.logger.Printf("node %s completed in %s", current, time.Since(started).Round(time.Millisecond))
		r.emit(Event{Node: current, Kind: EventNodeFinish, Log: update.Log})

		next, err := r.next(current, state)
		if err != nil {
			return state, err
		}
		current = next
	}
	return state, nil
}

func (r *Runnable) runNode(ctx context.Context, name string, state *State) (update Update, err error) {
	ctx, span := engineTracer.Start(ctx, "engine.node",
		trace.WithAttributes(attribute.String("engine.node", name)))
	defer span.End()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	return r.graph.nodes[name](ctx, state)
}

func (r *Runnable) next(current string, state *State) (string, error) {
	if br, ok := r.graph.branches[current]; ok {
		target := br.router(state)
		if target == End {
			return End, nil
		}
		if _, ok := br.targets[target]; !ok {
			return "", fmt.Errorf("%w: router at %q returned %q", ErrUnknownNode, current, target)
		}
		return target, nil
	}
	return r.graph.edges[current], nil
}

func (r *Runnable) emit(ev Event) {
	if r.graph.handler == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.graph.logger.Printf("event handler panicked on %s/%s: %v", ev.Node, ev.Kind, rec)
		}
	}()
	r.graph.handler(ev)
}
