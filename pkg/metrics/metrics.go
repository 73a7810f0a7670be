package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-go-golems/svcctl/pkg/events"
	"github.com/go-go-golems/svcctl/pkg/service"
)

var (
	ServiceState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "svcctl_service_state",
		Help: "1 if the service is in the given state",
	}, []string{"service", "state"})

	ServiceTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "svcctl_service_transitions_total",
		Help: "State transitions per service and target state",
	}, []string{"service", "to"})

	ServiceFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "svcctl_service_failures_total",
		Help: "Transitions to failed per service and error kind",
	}, []string{"service", "kind"})

	ServiceStartSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "svcctl_service_start_seconds",
		Help: "Seconds from launch to ready for the last successful start",
	}, []string{"service"})
)

func init() {
	prometheus.MustRegister(
		ServiceState,
		ServiceTransitionsTotal,
		ServiceFailuresTotal,
		ServiceStartSeconds,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

var (
	startedMu sync.Mutex
	startedAt = map[string]time.Time{}
)

func setServiceState(name string, st service.State) {
	for _, s := range service.AllStates {
		v := float64(0)
		if s == st {
			v = 1
		}
		ServiceState.WithLabelValues(name, string(s)).Set(v)
	}
}

// Observe updates every collector for one transition.
func Observe(t service.Transition) {
	setServiceState(t.Service, t.To)
	ServiceTransitionsTotal.WithLabelValues(t.Service, string(t.To)).Inc()

	switch t.To {
	case service.StateStarting:
		startedMu.Lock()
		startedAt[t.Service] = t.At
		startedMu.Unlock()
	case service.StateReady:
		startedMu.Lock()
		began, ok := startedAt[t.Service]
		delete(startedAt, t.Service)
		startedMu.Unlock()
		if ok {
			ServiceStartSeconds.WithLabelValues(t.Service).Set(t.At.Sub(began).Seconds())
		}
	case service.StateFailed:
		kind := t.ErrorKind
		if kind == "" {
			kind = "other"
		}
		ServiceFailuresTotal.WithLabelValues(t.Service, kind).Inc()
	}
}

// RegisterEventHandler wires metric updates to the transition bus.
func RegisterEventHandler(bus *events.Bus) {
	bus.OnTransition("svcctl-metrics", Observe)
}
