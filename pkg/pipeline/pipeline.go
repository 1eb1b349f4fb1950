package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/conduit/internal/tracing"
	sdkerrors "github.com/wehubfusion/conduit/pkg/errors"
	"github.com/wehubfusion/conduit/pkg/forward"
	"github.com/wehubfusion/conduit/pkg/message"
)

// DefaultMaxSteps bounds the number of units one run may visit.
const DefaultMaxSteps = 10000

// DefaultExitName is added when a pipeline declares no exits.
const DefaultExitName = "READY"

// ExitState is the final state of a run
type ExitState string

const (
	ExitSuccess ExitState = "success"
	ExitError   ExitState = "error"
)

// Exit is a terminal point of a pipeline.
type Exit struct {
	Name  string
	State ExitState
	Code  int
}

// Config holds pipeline settings
type Config struct {
	// Name identifies the pipeline in logs and spans
	Name string

	// FirstUnit names the entry unit; defaults to the first unit added
	FirstUnit string

	// MaxSteps bounds unit visits per run; defaults to DefaultMaxSteps
	MaxSteps int

	// StrictForwards turns forward diagnostics into configuration faults
	StrictForwards bool

	Logger *zap.Logger
	Tracer trace.Tracer
}

// RunResult describes how a run ended
type RunResult struct {
	Exit     Exit
	Message  *message.Message
	LastUnit string
	Forward  string
	Steps    int
}

// Successful reports whether the run ended in a success exit
func (r *RunResult) Successful() bool {
	return r != nil && r.Exit.State == ExitSuccess
}

// Pipeline is an ordered set of units plus exits and global forwards.
// Units and exits are added before Configure; afterwards the pipeline is
// read-only and safe for concurrent runs.
type Pipeline struct {
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	mu      sync.RWMutex
	units   []Unit
	byName  map[string]Unit
	exits   map[string]Exit
	globals map[string]forward.Forward
	first   Unit
	state   atomic.Int32
}

// New creates an empty pipeline
func New(cfg Config) *Pipeline {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("conduit/pipeline")
	}
	return &Pipeline{
		config:  cfg,
		logger:  logger.With(zap.String("pipeline", cfg.Name)),
		tracer:  tracer,
		byName:  make(map[string]Unit),
		exits:   make(map[string]Exit),
		globals: make(map[string]forward.Forward),
	}
}

// Name returns the pipeline name
func (p *Pipeline) Name() string {
	return p.config.Name
}

// State returns the lifecycle state
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// AddUnit appends a unit. Names must be unique.
func (p *Pipeline) AddUnit(u Unit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byName[u.Name()]; exists {
		return sdkerrors.Configuration(u.Name(), "duplicate unit name", nil)
	}
	p.units = append(p.units, u)
	p.byName[u.Name()] = u
	return nil
}

// AddExit registers a terminal exit
func (p *Pipeline) AddExit(e Exit) {
	if e.State == "" {
		e.State = ExitSuccess
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exits[e.Name] = e
}

// AddGlobalForward registers a forward every unit can resolve
func (p *Pipeline) AddGlobalForward(name string, target forward.Target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.globals[name]; exists {
		p.logger.Warn("Global forward already registered", zap.String("forward", name))
		return
	}
	p.globals[name] = forward.Forward{Name: name, Target: target, Declarer: p.config.Name}
}

// GlobalForward implements forward.Scope
func (p *Pipeline) GlobalForward(name string) (forward.Forward, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, ok := p.globals[name]
	return f, ok
}

// HasUnit implements forward.Scope
func (p *Pipeline) HasUnit(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.byName[name]
	return ok
}

// HasExit implements forward.Scope
func (p *Pipeline) HasExit(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.exits[name]
	return ok
}

// Unit returns the unit with the given name
func (p *Pipeline) Unit(name string) (Unit, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.byName[name]
	return u, ok
}

// Configure wires every unit and validates forward targets. Forward
// diagnostics are logged; with StrictForwards they fail configuration.
func (p *Pipeline) Configure() error {
	p.mu.Lock()
	if len(p.units) == 0 {
		p.mu.Unlock()
		return sdkerrors.Configuration(p.config.Name, "pipeline has no units", nil)
	}
	if len(p.exits) == 0 {
		p.exits[DefaultExitName] = Exit{Name: DefaultExitName, State: ExitSuccess}
	}
	if p.config.FirstUnit == "" {
		p.first = p.units[0]
	} else {
		first, ok := p.byName[p.config.FirstUnit]
		if !ok {
			p.mu.Unlock()
			return sdkerrors.Configuration(p.config.FirstUnit, "first unit not found", nil)
		}
		p.first = first
	}
	units := append([]Unit(nil), p.units...)
	p.mu.Unlock()

	var diagnostics []string
	for _, u := range units {
		if err := u.Configure(p); err != nil {
			return fmt.Errorf("configure unit %s: %w", u.Name(), err)
		}
		for _, f := range u.Table().Forwards() {
			if f.Target.IsExit() && !p.HasExit(f.Target.Name) {
				return sdkerrors.Configuration(u.Name(), fmt.Sprintf("forward [%s] points to unknown exit [%s]", f.Name, f.Target.Name), nil)
			}
			if !f.Target.IsExit() && !p.HasUnit(f.Target.Name) {
				return sdkerrors.Configuration(u.Name(), fmt.Sprintf("forward [%s] points to unknown unit [%s]", f.Name, f.Target.Name), nil)
			}
		}
		diagnostics = append(diagnostics, u.Table().Diagnostics()...)
	}

	if len(diagnostics) > 0 && p.config.StrictForwards {
		return sdkerrors.Configuration(p.config.Name, fmt.Sprintf("forward diagnostics: %v", diagnostics), nil)
	}

	p.state.Store(int32(StateConfigured))
	p.logger.Info("Pipeline configured",
		zap.Int("units", len(units)),
		zap.Int("diagnostics", len(diagnostics)))
	return nil
}

// Start starts every unit in order. On failure the units already started are stopped.
func (p *Pipeline) Start(ctx context.Context) error {
	if st := p.State(); st != StateConfigured && st != StateStopped {
		return sdkerrors.Configuration(p.config.Name, fmt.Sprintf("cannot start pipeline in state %s", st), nil)
	}
	for i, u := range p.units {
		if err := u.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = p.units[j].Stop(ctx)
			}
			return fmt.Errorf("start unit %s: %w", u.Name(), err)
		}
	}
	p.state.Store(int32(StateStarted))
	return nil
}

// Stop stops every unit in reverse order
func (p *Pipeline) Stop(ctx context.Context) error {
	var errs []error
	for i := len(p.units) - 1; i >= 0; i-- {
		if err := p.units[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop unit %s: %w", p.units[i].Name(), err))
		}
	}
	p.state.Store(int32(StateStopped))
	return errors.Join(errs...)
}

// Process runs msg through the pipeline until an exit is reached.
//
// A unit error is routed to the unit's exception forward when one resolves;
// otherwise it ends the run. Configuration and cancellation faults always end
// the run. Messages produced along the way are scheduled for closing on the
// session.
func (p *Pipeline) Process(ctx context.Context, msg *message.Message, session *message.Session) (*RunResult, error) {
	if st := p.State(); st != StateStarted {
		return nil, sdkerrors.Configuration(p.config.Name, fmt.Sprintf("pipeline is %s, not started", st), nil)
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(
			tracing.AttrPipeline.String(p.config.Name),
			tracing.AttrMessageID.String(session.MessageID()),
			tracing.AttrCorrelationID.String(session.CorrelationID()),
		))
	defer span.End()

	current := p.first
	for step := 1; ; step++ {
		if step > p.config.MaxSteps {
			err := sdkerrors.Configuration(p.config.Name, fmt.Sprintf("run exceeded %d steps", p.config.MaxSteps), nil)
			span.RecordError(err)
			span.SetStatus(codes.Error, "max steps exceeded")
			return nil, err
		}
		if err := sdkerrors.FromContext(ctx, current.Name()); err != nil {
			span.SetStatus(codes.Error, "interrupted")
			return &RunResult{LastUnit: current.Name(), Forward: forward.Interrupt, Steps: step - 1, Message: msg}, err
		}

		res, err := current.Process(ctx, msg, session)
		if err != nil {
			res, err = p.handleUnitError(current, err)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "unit failed")
				return &RunResult{LastUnit: current.Name(), Forward: forward.Exception, Steps: step, Message: msg}, err
			}
		}
		if res == nil {
			return nil, sdkerrors.Configuration(current.Name(), "unit returned no result", nil)
		}
		if res.Message != nil && res.Message != msg {
			session.ScheduleClose(res.Message)
			msg = res.Message
		}

		target, err := current.Table().MustResolve(res.Forward)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "unresolved forward")
			return &RunResult{LastUnit: current.Name(), Forward: res.Forward, Steps: step, Message: msg}, err
		}

		p.logger.Debug("Unit completed",
			zap.String("unit", current.Name()),
			zap.String("forward", res.Forward),
			zap.String("target", target.String()))

		if target.IsExit() {
			exit := p.exits[target.Name]
			span.SetAttributes(tracing.AttrExit.String(exit.Name), tracing.AttrSteps.Int(step))
			if exit.State == ExitError {
				span.SetStatus(codes.Error, "error exit")
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return &RunResult{Exit: exit, Message: msg, LastUnit: current.Name(), Forward: res.Forward, Steps: step}, nil
		}

		next, ok := p.Unit(target.Name)
		if !ok {
			return nil, sdkerrors.Configuration(current.Name(), fmt.Sprintf("target unit [%s] not found", target.Name), nil)
		}
		current = next
	}
}

func (p *Pipeline) handleUnitError(u Unit, err error) (*Result, error) {
	if sdkerrors.IsCancelled(err) || sdkerrors.IsConfiguration(err) {
		return nil, err
	}
	if _, ok := u.Table().Resolve(forward.Exception); !ok {
		return nil, err
	}
	p.logger.Warn("Unit failed, following exception forward",
		zap.String("unit", u.Name()),
		zap.Error(err))
	return &Result{Forward: forward.Exception, Message: message.NewStringMessage(FormatError(u.Name(), err))}, nil
}
