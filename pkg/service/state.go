package service

import "time"

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

var AllStates = []State{StateStopped, StateStarting, StateReady, StateStopping, StateFailed}

// HasProcess reports whether a controller in this state owns a process handle.
func (s State) HasProcess() bool {
	return s == StateStarting || s == StateReady || s == StateStopping
}

// Settled is false while an operation is moving the service between states.
func (s State) Settled() bool {
	return s != StateStarting && s != StateStopping
}

type Transition struct {
	Service string `json:"service"`
	From    State  `json:"from"`
	To      State  `json:"to"`
	PID     int    `json:"pid,omitempty"`
	Error   string `json:"error,omitempty"`
	// ErrorKind classifies Error, see ErrorKind.
	ErrorKind string    `json:"error_kind,omitempty"`
	At        time.Time `json:"at"`

	err error
}

func NewTransition(name string, from, to State, pid int, err error) Transition {
	t := Transition{Service: name, From: from, To: to, PID: pid, At: time.Now(), err: err}
	if err != nil {
		t.Error = err.Error()
		t.ErrorKind = ErrorKind(err)
	}
	return t
}

// Err returns the error that caused the transition, if any. It is not
// serialized; use Error for the message.
func (t Transition) Err() error { return t.err }

// Observer receives every state transition of every controller. Calls happen
// synchronously on the goroutine performing the transition, so
// implementations must not block.
type Observer interface {
	ServiceTransition(t Transition)
}

type ObserverFunc func(Transition)

func (f ObserverFunc) ServiceTransition(t Transition) { f(t) }

// Observers fans a transition out to several observers in order.
type Observers []Observer

func (os Observers) ServiceTransition(t Transition) {
	for _, o := range os {
		if o != nil {
			o.ServiceTransition(t)
		}
	}
}
