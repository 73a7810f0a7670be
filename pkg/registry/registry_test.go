package registry

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/svcctl/pkg/service"
	"github.com/go-go-golems/svcctl/pkg/supervise"
	"github.com/stretchr/testify/require"
)

type timeline struct {
	mu sync.Mutex
	at map[string]map[service.State]time.Time
}

func newTimeline() *timeline {
	return &timeline{at: map[string]map[service.State]time.Time{}}
}

func (tl *timeline) ServiceTransition(t service.Transition) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.at[t.Service] == nil {
		tl.at[t.Service] = map[service.State]time.Time{}
	}
	tl.at[t.Service][t.To] = t.At
}

func (tl *timeline) get(name string, st service.State) time.Time {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.at[name][st]
}

func sleeper(name string, deps ...string) service.Descriptor {
	return service.Descriptor{
		Name:            name,
		Command:         []string{"bash", "-c", "sleep 30"},
		DependsOn:       deps,
		StartupTimeout:  5 * time.Second,
		ShutdownTimeout: 2 * time.Second,
		PollInterval:    20 * time.Millisecond,
	}
}

func newRegistry(obs service.Observer) *Registry {
	return New(Options{Parallelism: 4, Controller: supervise.Options{Observer: obs}})
}

func TestRegister_DuplicateAndCycleLeaveRegistryUnchanged(t *testing.T) {
	r := newRegistry(nil)
	require.NoError(t, r.Register(sleeper("a", "c")))
	require.NoError(t, r.Register(sleeper("b", "a")))

	var dup *service.DuplicateNameError
	require.True(t, errors.As(r.Register(sleeper("a")), &dup))

	var cyc *service.CycleError
	err := r.Register(sleeper("c", "b"))
	require.True(t, errors.As(err, &cyc))
	require.Equal(t, []string{"c", "b", "a", "c"}, cyc.Path)
	require.Equal(t, []string{"a", "b"}, r.Names())

	require.True(t, errors.As(r.Register(sleeper("self", "self")), &cyc))

	var unknown *service.UnknownServiceError
	require.True(t, errors.As(r.Validate(), &unknown))
	require.Equal(t, "c", unknown.Name)
	require.Equal(t, "a", unknown.Referrer)

	require.NoError(t, r.Register(sleeper("c")))
	require.NoError(t, r.Validate())
	order, err := r.Order()
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "b"}, order)

	require.NoError(t, r.Register(sleeper("d")))
	order, err = r.OrderFor("a")
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a"}, order)
	order, err = r.OrderFor(service.All)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "b", "d"}, order)
	_, err = r.OrderFor("nope")
	require.True(t, errors.As(err, &unknown))
}

func TestRegister_RejectsReservedNameAndSealed(t *testing.T) {
	r := newRegistry(nil)
	require.Error(t, r.Register(sleeper(service.All)))
	require.NoError(t, r.Register(sleeper("a")))

	require.NoError(t, r.StopAll(context.Background()))
	require.ErrorIs(t, r.Register(sleeper("b")), service.ErrSealed)
}

func TestStartAll_DependencyReadyBeforeDependentLaunches(t *testing.T) {
	tl := newTimeline()
	r := newRegistry(tl)

	db := sleeper("db")
	db.Readiness = service.FixedDelay(300 * time.Millisecond)
	require.NoError(t, r.Register(db))
	require.NoError(t, r.Register(sleeper("api", "db")))
	require.NoError(t, r.Register(sleeper("web", "api")))
	require.NoError(t, r.Register(sleeper("worker")))
	defer func() { _ = r.StopAll(context.Background()) }()

	require.NoError(t, r.Start(context.Background(), service.All))

	for _, s := range r.Statuses() {
		require.Equal(t, service.StateReady, s.State, s.Name)
		require.NotZero(t, s.PID)
	}
	require.False(t, tl.get("api", service.StateStarting).Before(tl.get("db", service.StateReady)))
	require.False(t, tl.get("web", service.StateStarting).Before(tl.get("api", service.StateReady)))
	// Independent branch runs concurrently with db's readiness wait.
	require.True(t, tl.get("worker", service.StateReady).Before(tl.get("db", service.StateReady)))
}

func TestStopAll_StopsDependentsFirst(t *testing.T) {
	tl := newTimeline()
	r := newRegistry(tl)
	require.NoError(t, r.Register(sleeper("db")))
	require.NoError(t, r.Register(sleeper("cache")))
	require.NoError(t, r.Register(sleeper("api", "db", "cache")))
	require.NoError(t, r.Register(sleeper("web", "api")))

	require.NoError(t, r.StartAll(context.Background()))
	require.NoError(t, r.StopAll(context.Background()))

	for _, s := range r.Statuses() {
		require.Equal(t, service.StateStopped, s.State)
	}
	stopped := func(name string) time.Time { return tl.get(name, service.StateStopped) }
	stopping := func(name string) time.Time { return tl.get(name, service.StateStopping) }
	require.False(t, stopping("api").Before(stopped("web")))
	require.False(t, stopping("db").Before(stopped("api")))
	require.False(t, stopping("cache").Before(stopped("api")))
}

func TestStartAll_PartialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	r := newRegistry(nil)
	broken := sleeper("broken")
	broken.Readiness = service.PortOpen("127.0.0.1", port)
	broken.StartupTimeout = 200 * time.Millisecond
	require.NoError(t, r.Register(broken))
	require.NoError(t, r.Register(sleeper("dependent", "broken")))
	require.NoError(t, r.Register(sleeper("transitive", "dependent")))
	require.NoError(t, r.Register(sleeper("independent")))
	defer func() { _ = r.StopAll(context.Background()) }()

	err = r.StartAll(context.Background())
	var be *BulkError
	require.True(t, errors.As(err, &be))
	require.Equal(t, []string{"broken", "dependent", "transitive"}, be.Names())

	var rt *service.ReadinessTimeoutError
	require.True(t, errors.As(be.Errors["broken"], &rt))
	var dnr *service.DependencyNotReadyError
	require.True(t, errors.As(be.Errors["dependent"], &dnr))
	require.Equal(t, "broken", dnr.Dependency)
	require.Equal(t, service.StateFailed, dnr.State)
	require.True(t, errors.As(be.Errors["transitive"], &dnr))
	require.Equal(t, "dependent", dnr.Dependency)

	st, err := r.Status("independent")
	require.NoError(t, err)
	require.Equal(t, service.StateReady, st)
	st, err = r.Status("dependent")
	require.NoError(t, err)
	require.Equal(t, service.StateStopped, st)
}

func TestStart_EnsuresDependenciesRecursively(t *testing.T) {
	r := newRegistry(nil)
	require.NoError(t, r.Register(sleeper("db")))
	require.NoError(t, r.Register(sleeper("api", "db")))
	require.NoError(t, r.Register(sleeper("web", "api")))
	require.NoError(t, r.Register(sleeper("other")))
	defer func() { _ = r.StopAll(context.Background()) }()

	require.NoError(t, r.Start(context.Background(), "web"))
	for _, name := range []string{"db", "api", "web"} {
		st, err := r.Status(name)
		require.NoError(t, err)
		require.Equal(t, service.StateReady, st, name)
	}
	st, err := r.Status("other")
	require.NoError(t, err)
	require.Equal(t, service.StateStopped, st)

	require.NoError(t, r.Stop(context.Background(), "web"))
	st, _ = r.Status("web")
	require.Equal(t, service.StateStopped, st)
	st, _ = r.Status("api")
	require.Equal(t, service.StateReady, st)
}

func TestStart_FailedDependency(t *testing.T) {
	r := newRegistry(nil)
	bad := sleeper("bad")
	bad.Command = []string{"bash", "-c", "exit 1"}
	bad.Readiness = service.FixedDelay(time.Second)
	require.NoError(t, r.Register(bad))
	require.NoError(t, r.Register(sleeper("api", "bad")))

	err := r.Start(context.Background(), "api")
	var dnr *service.DependencyNotReadyError
	require.True(t, errors.As(err, &dnr))
	var le *service.LaunchError
	require.True(t, errors.As(err, &le))

	err = r.Start(context.Background(), "api")
	require.True(t, errors.As(err, &dnr))
	require.Equal(t, service.StateFailed, dnr.State)
}

func TestRegistry_UnknownNames(t *testing.T) {
	r := newRegistry(nil)
	require.NoError(t, r.Register(sleeper("api", "db")))

	var unknown *service.UnknownServiceError
	require.True(t, errors.As(r.Start(context.Background(), "nope"), &unknown))
	_, err := r.Status("nope")
	require.True(t, errors.As(err, &unknown))

	err = r.StartAll(context.Background())
	require.True(t, errors.As(err, &unknown))
	require.Equal(t, "db", unknown.Name)
}

func TestMarkExited_FailsServiceAndBlocksDependents(t *testing.T) {
	r := newRegistry(nil)
	require.NoError(t, r.Register(sleeper("api", "db")))
	require.NoError(t, r.Register(sleeper("db")))

	require.NoError(t, r.MarkExited("db", 4242))
	st, err := r.Status("db")
	require.NoError(t, err)
	require.Equal(t, service.StateFailed, st)
	require.Contains(t, r.Statuses()[0].Error, "unsupervised")

	var notReady *service.DependencyNotReadyError
	require.True(t, errors.As(r.Start(context.Background(), "api"), &notReady))

	var unknown *service.UnknownServiceError
	require.True(t, errors.As(r.MarkExited("nope", 1), &unknown))

	r.Release()
	require.NoError(t, r.StopAll(context.Background()))
	st, err = r.Status("db")
	require.NoError(t, err)
	require.Equal(t, service.StateStopped, st)
}

func TestRestartAll_ReplacesProcesses(t *testing.T) {
	r := newRegistry(nil)
	require.NoError(t, r.Register(sleeper("db")))
	require.NoError(t, r.Register(sleeper("api", "db")))
	defer func() { _ = r.StopAll(context.Background()) }()

	require.NoError(t, r.StartAll(context.Background()))
	before := map[string]int{}
	for _, s := range r.Statuses() {
		before[s.Name] = s.PID
	}

	require.NoError(t, r.Restart(context.Background(), service.All))
	for _, s := range r.Statuses() {
		require.Equal(t, service.StateReady, s.State)
		require.NotEqual(t, before[s.Name], s.PID, s.Name+" pid "+strconv.Itoa(s.PID))
	}
}

func TestBulkError_Message(t *testing.T) {
	be := &BulkError{Op: "stop", Errors: map[string]error{
		"web": errors.New("boom"),
		"api": &service.ShutdownTimeoutError{Service: "api", Timeout: time.Second},
	}}
	require.Equal(t, []string{"api", "web"}, be.Names())
	require.Contains(t, be.Error(), "stop: 2 service(s) failed")
	var ste *service.ShutdownTimeoutError
	require.True(t, errors.As(be, &ste))
}
