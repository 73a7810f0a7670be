// Package state persists what a detached svcctl run started: a run record
// (state.json), per-service PID files and exit information.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	StateDirName  = ".svcctl"
	StateFilename = "state.json"
	ExitDirName   = "exits"
)

type State struct {
	RunID     string          `json:"run_id"`
	Root      string          `json:"root"`
	CreatedAt time.Time       `json:"created_at"`
	Services  []ServiceRecord `json:"services"`
}

type ServiceRecord struct {
	Name      string            `json:"name"`
	PID       int               `json:"pid"`
	Command   []string          `json:"command"`
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env,omitempty"`
	StdoutLog string            `json:"stdout_log,omitempty"`
	StderrLog string            `json:"stderr_log,omitempty"`
	PidFile   string            `json:"pid_file,omitempty"`
	DependsOn []string          `json:"depends_on,omitempty"`
	Readiness string            `json:"readiness,omitempty"`
	StartedAt time.Time         `json:"started_at,omitempty"`
}

func New(root string) *State {
	return &State{
		RunID:     uuid.NewString(),
		Root:      root,
		CreatedAt: time.Now(),
		Services:  []ServiceRecord{},
	}
}

// Upsert replaces the record with the same name, or appends it.
func (s *State) Upsert(rec ServiceRecord) {
	for i := range s.Services {
		if s.Services[i].Name == rec.Name {
			s.Services[i] = rec
			return
		}
	}
	s.Services = append(s.Services, rec)
	sort.SliceStable(s.Services, func(i, j int) bool { return s.Services[i].Name < s.Services[j].Name })
}

func (s *State) Remove(name string) {
	out := s.Services[:0]
	for _, rec := range s.Services {
		if rec.Name != name {
			out = append(out, rec)
		}
	}
	s.Services = out
}

func (s *State) Find(name string) (ServiceRecord, bool) {
	for _, rec := range s.Services {
		if rec.Name == name {
			return rec, true
		}
	}
	return ServiceRecord{}, false
}

func StateDir(root string) string {
	return filepath.Join(root, StateDirName)
}

func StatePath(root string) string {
	return filepath.Join(root, StateDirName, StateFilename)
}

func ExitInfoPath(root, service string) string {
	return filepath.Join(root, StateDirName, ExitDirName, service+".exit.json")
}

func Load(root string) (*State, error) {
	b, err := os.ReadFile(StatePath(root))
	if err != nil {
		return nil, errors.Wrap(err, "read state")
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrap(err, "parse state json")
	}
	return &s, nil
}

// LoadOptional returns a fresh State when none has been saved yet.
func LoadOptional(root string) (*State, error) {
	s, err := Load(root)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return New(root), nil
		}
		return nil, err
	}
	return s, nil
}

func Save(root string, s *State) error {
	if s == nil {
		return errors.New("nil state")
	}
	return writeJSONFile(StatePath(root), s, "state")
}

// writeJSONFile replaces path atomically so readers never see a partial
// document.
func writeJSONFile(path string, v interface{}, what string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "mkdir %s dir", what)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshal %s", what)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", what)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "rename %s", what)
	}
	return nil
}

func Remove(root string) error {
	if err := os.Remove(StatePath(root)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "remove state")
	}
	return nil
}
