// Package registry owns every service controller, keeps the dependency graph
// acyclic and fans start/stop/restart out in dependency order.
package registry

import (
	"context"
	stderrors "errors"
	"runtime"
	"sort"
	"sync"

	"github.com/go-go-golems/svcctl/pkg/service"
	"github.com/go-go-golems/svcctl/pkg/supervise"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	// Parallelism bounds concurrent start/stop tasks. Zero means NumCPU.
	Parallelism int
	Controller  supervise.Options
}

type Status struct {
	Name      string        `json:"name"`
	State     service.State `json:"state"`
	PID       int           `json:"pid,omitempty"`
	Error     string        `json:"error,omitempty"`
	DependsOn []string      `json:"depends_on,omitempty"`
}

type Registry struct {
	opts Options

	mu          sync.RWMutex
	sealed      bool
	controllers map[string]*supervise.Controller
	deps        map[string][]string
}

func New(opts Options) *Registry {
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.NumCPU()
	}
	return &Registry{
		opts:        opts,
		controllers: map[string]*supervise.Controller{},
		deps:        map[string][]string{},
	}
}

// Register adds a service. Dependencies may name services registered later;
// an edge that closes a cycle is rejected and leaves the registry unchanged.
func (r *Registry) Register(desc service.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return service.ErrSealed
	}
	if _, ok := r.controllers[desc.Name]; ok {
		return &service.DuplicateNameError{Name: desc.Name}
	}

	deps := desc.Dependencies()
	r.deps[desc.Name] = deps
	if path := findCycle(r.deps, desc.Name); path != nil {
		delete(r.deps, desc.Name)
		return &service.CycleError{Path: path}
	}
	r.controllers[desc.Name] = supervise.NewController(desc, r.opts.Controller)
	log.Debug().Str("service", desc.Name).Strs("depends_on", deps).Msg("registered service")
	return nil
}

// Validate reports dependencies on services that were never registered.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.namesLocked() {
		for _, dep := range r.deps[name] {
			if _, ok := r.controllers[dep]; !ok {
				return &service.UnknownServiceError{Name: dep, Referrer: name}
			}
		}
	}
	return nil
}

// Order returns the registered services in dependency order.
func (r *Registry) Order() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return topoOrder(r.deps)
}

// OrderFor returns name and everything it transitively depends on, in
// dependency order. service.All yields the full order.
func (r *Registry) OrderFor(name string) ([]string, error) {
	if name == service.All {
		return r.Order()
	}
	if _, err := r.lookup(name); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	keep := closure(r.deps, name)
	sub := make(map[string][]string, len(keep))
	for n := range keep {
		sub[n] = r.deps[n]
	}
	return topoOrder(sub)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.controllers))
	for name := range r.controllers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Controller(name string) (*supervise.Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controllers[name]
	return c, ok
}

func (r *Registry) Status(name string) (service.State, error) {
	c, err := r.lookup(name)
	if err != nil {
		return "", err
	}
	return c.State(), nil
}

// Statuses snapshots every service in dependency order.
func (r *Registry) Statuses() []Status {
	order, err := r.Order()
	if err != nil {
		order = r.Names()
	}
	out := make([]Status, 0, len(order))
	for _, name := range order {
		c, _ := r.Controller(name)
		st := Status{Name: name, State: c.State(), PID: c.PID(), DependsOn: c.Descriptor().Dependencies()}
		if e := c.Err(); e != nil {
			st.Error = e.Error()
		}
		out = append(out, st)
	}
	return out
}

// Adopt attaches the named controller to an already running process.
func (r *Registry) Adopt(name string, pid int) error {
	c, err := r.lookup(name)
	if err != nil {
		return err
	}
	r.seal()
	return c.Adopt(pid)
}

// MarkExited records that the recorded pid of name died unobserved.
func (r *Registry) MarkExited(name string, pid int) error {
	c, err := r.lookup(name)
	if err != nil {
		return err
	}
	r.seal()
	return c.MarkExited(pid)
}

// Release detaches every controller from its process; see
// supervise.Controller.Release.
func (r *Registry) Release() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.controllers {
		c.Release()
	}
}

// Start starts name after making sure its dependencies are Ready. The name
// service.All starts everything.
func (r *Registry) Start(ctx context.Context, name string) error {
	if name == service.All {
		return r.StartAll(ctx)
	}
	if _, err := r.lookup(name); err != nil {
		return err
	}
	if err := r.Validate(); err != nil {
		return err
	}
	r.seal()
	return r.startOne(ctx, name)
}

// Stop stops only name; services depending on it are left alone.
func (r *Registry) Stop(ctx context.Context, name string) error {
	if name == service.All {
		return r.StopAll(ctx)
	}
	c, err := r.lookup(name)
	if err != nil {
		return err
	}
	r.seal()
	return c.Stop(ctx)
}

func (r *Registry) Restart(ctx context.Context, name string) error {
	if name == service.All {
		return r.RestartAll(ctx)
	}
	c, err := r.lookup(name)
	if err != nil {
		return err
	}
	if err := r.Validate(); err != nil {
		return err
	}
	r.seal()
	for _, dep := range r.depsOf(name) {
		if err := r.ensureReady(ctx, name, dep); err != nil {
			return err
		}
	}
	_, err = c.Restart(ctx)
	return err
}

// StartAll starts every service once its dependencies are Ready. Failures
// are collected into a *BulkError; dependents of a failed service fail with
// *service.DependencyNotReadyError without being launched.
func (r *Registry) StartAll(ctx context.Context) error {
	if err := r.Validate(); err != nil {
		return err
	}
	r.seal()
	order, err := r.Order()
	if err != nil {
		return err
	}

	done := make(map[string]chan struct{}, len(order))
	for _, name := range order {
		done[name] = make(chan struct{})
	}
	errs := newCollector("start")

	// Tasks are submitted in dependency order, so a task blocked on its
	// dependencies never holds a slot one of them is waiting for.
	var eg errgroup.Group
	eg.SetLimit(r.opts.Parallelism)
	for _, name := range order {
		eg.Go(func() error {
			defer close(done[name])
			for _, dep := range r.depsOf(name) {
				select {
				case <-done[dep]:
				case <-ctx.Done():
					errs.add(name, &service.CancelledError{Service: name, Err: ctx.Err()})
					return nil
				}
				dc, _ := r.Controller(dep)
				if st := dc.State(); st != service.StateReady {
					errs.add(name, &service.DependencyNotReadyError{Service: name, Dependency: dep, State: st, Err: dc.Err()})
					return nil
				}
			}
			c, _ := r.Controller(name)
			if _, err := c.Start(ctx); err != nil {
				errs.add(name, err)
			}
			return nil
		})
	}
	_ = eg.Wait()
	return errs.err()
}

// StopAll stops dependents strictly before their dependencies. It keeps
// going past failures and reports them together.
func (r *Registry) StopAll(ctx context.Context) error {
	r.seal()
	order, err := r.Order()
	if err != nil {
		return err
	}

	dependents := map[string][]string{}
	done := make(map[string]chan struct{}, len(order))
	for _, name := range order {
		done[name] = make(chan struct{})
		for _, dep := range r.depsOf(name) {
			dependents[dep] = append(dependents[dep], name)
		}
	}
	errs := newCollector("stop")

	var eg errgroup.Group
	eg.SetLimit(r.opts.Parallelism)
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		eg.Go(func() error {
			defer close(done[name])
			for _, d := range dependents[name] {
				<-done[d]
			}
			c, _ := r.Controller(name)
			if err := c.Stop(ctx); err != nil {
				log.Warn().Err(err).Str("service", name).Msg("stop failed")
				errs.add(name, err)
			}
			return nil
		})
	}
	_ = eg.Wait()
	return errs.err()
}

// RestartAll stops everything in reverse order, then starts everything.
// A failed stop of one service does not prevent the start phase.
func (r *Registry) RestartAll(ctx context.Context) error {
	errs := newCollector("restart")
	if err := r.StopAll(ctx); err != nil {
		var be *BulkError
		if !stderrors.As(err, &be) {
			return err
		}
		errs.merge(err)
	}
	errs.merge(r.StartAll(ctx))
	return errs.err()
}

func (r *Registry) startOne(ctx context.Context, name string) error {
	for _, dep := range r.depsOf(name) {
		if err := r.ensureReady(ctx, name, dep); err != nil {
			return err
		}
	}
	c, _ := r.Controller(name)
	_, err := c.Start(ctx)
	return err
}

// ensureReady brings dep to Ready on behalf of requester, starting its own
// dependencies first.
func (r *Registry) ensureReady(ctx context.Context, requester, dep string) error {
	c, ok := r.Controller(dep)
	if !ok {
		return &service.UnknownServiceError{Name: dep, Referrer: requester}
	}
	st, err := c.WaitSettled(ctx)
	if err != nil {
		return &service.DependencyNotReadyError{Service: requester, Dependency: dep, State: st, Err: err}
	}
	switch st {
	case service.StateReady:
		return nil
	case service.StateFailed:
		return &service.DependencyNotReadyError{Service: requester, Dependency: dep, State: st, Err: c.Err()}
	}
	if err := r.startOne(ctx, dep); err != nil {
		return &service.DependencyNotReadyError{Service: requester, Dependency: dep, State: c.State(), Err: err}
	}
	return nil
}

func (r *Registry) depsOf(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deps[name]
}

func (r *Registry) lookup(name string) (*supervise.Controller, error) {
	c, ok := r.Controller(name)
	if !ok {
		return nil, errors.WithStack(&service.UnknownServiceError{Name: name})
	}
	return c, nil
}

func (r *Registry) seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}
