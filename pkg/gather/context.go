// Package gather wires the orchestration core together: one event bus,
// one store, one executor, one scheduler, and a registry of named
// circles. Everything is constructed explicitly from configuration —
// there are no package-level singletons.
package gather

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gatherops/gather/pkg/circle"
	"github.com/gatherops/gather/pkg/config"
	"github.com/gatherops/gather/pkg/core"
	"github.com/gatherops/gather/pkg/events"
	"github.com/gatherops/gather/pkg/executor"
	"github.com/gatherops/gather/pkg/sched"
	"github.com/gatherops/gather/pkg/store"
)

// Options carry the external collaborators the core cannot construct
// itself. A nil Store selects the in-memory store.
type Options struct {
	Store      store.Store
	Dispatcher executor.SkillDispatcher
	Resolver   executor.RunnerResolver
}

// Context is the assembled core. Subsystems share the bus and store; the
// circle registry is owned here.
type Context struct {
	Config    *config.Config
	Bus       *events.Bus
	Store     store.Store
	Executor  *executor.Executor
	Scheduler *sched.Scheduler

	mu      sync.Mutex
	circles map[string]*circle.Circle

	unsubscribe func()
	logger      *slog.Logger
}

// New assembles a core from configuration. Event-triggered scheduled
// actions are wired by subscribing the scheduler to every bus event: an
// action whose event_trigger names an event kind fires when that kind is
// published.
func New(cfg *config.Config, opts Options) *Context {
	st := opts.Store
	if st == nil {
		st = store.NewMemoryStore()
	}
	bus := events.NewBusWithHistory(cfg.Events.HistorySize)
	exec := executor.New(st, bus, opts.Dispatcher, opts.Resolver, executor.Options{
		PoolSize:     cfg.Executor.PoolSize,
		StepBackoff:  cfg.Executor.StepBackoff(),
		RetryBackoff: cfg.Executor.RetryBackoff(),
	})
	scheduler := sched.New(st, bus, exec, cfg.Scheduler.Tick())

	c := &Context{
		Config:    cfg,
		Bus:       bus,
		Store:     st,
		Executor:  exec,
		Scheduler: scheduler,
		circles:   make(map[string]*circle.Circle),
		logger:    slog.Default().With("component", "gather"),
	}
	c.unsubscribe = bus.SubscribeAll(func(e events.Event) {
		scheduler.OnEvent(context.Background(), string(e.Kind), e.Payload)
	})
	return c
}

// Start recovers orphaned background tasks and starts the scheduler loop.
func (c *Context) Start(ctx context.Context) error {
	recovered, err := c.Executor.RecoverTasks(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		c.logger.Info("Recovered orphaned background tasks", "count", recovered)
	}
	c.Scheduler.Start()
	return nil
}

// CreateCircle registers and starts a named circle. Circle defaults come
// from configuration; opts overrides apply on top.
func (c *Context) CreateCircle(name string, opts circle.Options) (*circle.Circle, error) {
	if name == "" {
		return nil, core.Errorf(core.KindBadInput, "circle name must not be empty")
	}

	if opts.MaxIterations <= 0 {
		opts.MaxIterations = c.Config.Circle.MaxIterations
	}
	if opts.StopGracePeriod <= 0 {
		opts.StopGracePeriod = c.Config.Circle.StopGracePeriod()
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = c.Config.Circle.TurnTimeout()
	}
	if c.Config.Circle.RequireReview != nil && !*c.Config.Circle.RequireReview {
		opts.DisableReview = true
	}
	if c.Config.Circle.AutoRoute != nil && !*c.Config.Circle.AutoRoute {
		opts.DisableAutoRoute = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.circles[name]; exists {
		return nil, core.Errorf(core.KindConflict, "circle %s already exists", name)
	}
	circ := circle.New(name, c.Bus, opts)
	if err := circ.Start(); err != nil {
		return nil, err
	}
	c.circles[name] = circ
	return circ, nil
}

// Circle returns a registered circle by name.
func (c *Context) Circle(name string) (*circle.Circle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	circ, ok := c.circles[name]
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "circle %s not found", name)
	}
	return circ, nil
}

// Circles returns all registered circles.
func (c *Context) Circles() []*circle.Circle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*circle.Circle, 0, len(c.circles))
	for _, circ := range c.circles {
		out = append(out, circ)
	}
	return out
}

// RemoveCircle stops and unregisters a circle, draining its active tasks
// within the circle's grace period.
func (c *Context) RemoveCircle(ctx context.Context, name string) error {
	c.mu.Lock()
	circ, ok := c.circles[name]
	if ok {
		delete(c.circles, name)
	}
	c.mu.Unlock()
	if !ok {
		return core.Errorf(core.KindNotFound, "circle %s not found", name)
	}
	return circ.Stop(ctx)
}

// Shutdown stops the scheduler, drains the executor, and stops every
// circle. The timeout bounds each draining phase, not their sum.
func (c *Context) Shutdown(ctx context.Context, timeout time.Duration) {
	c.unsubscribe()
	c.Scheduler.Stop(timeout)
	c.Executor.Shutdown(timeout)

	for _, circ := range c.Circles() {
		stopCtx, cancel := context.WithTimeout(ctx, timeout)
		if err := circ.Stop(stopCtx); err != nil {
			c.logger.Warn("Circle did not stop cleanly", "circle", circ.Name(), "error", err)
		}
		cancel()
	}
	c.logger.Info("Core shut down")
}
