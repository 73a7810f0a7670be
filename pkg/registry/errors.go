package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-go-golems/svcctl/pkg/service"
)

// BulkError collects the per-service failures of an operation on several
// services. errors.As and errors.Is see every wrapped error.
type BulkError struct {
	Op     string
	Errors map[string]error
}

func (e *BulkError) Error() string {
	names := e.Names()
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Errors[name]))
	}
	return fmt.Sprintf("%s: %d service(s) failed: %s", e.Op, len(names), strings.Join(parts, "; "))
}

// Names returns the failed services in alphabetical order.
func (e *BulkError) Names() []string {
	names := make([]string, 0, len(e.Errors))
	for name := range e.Errors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *BulkError) Unwrap() []error {
	out := make([]error, 0, len(e.Errors))
	for _, name := range e.Names() {
		out = append(out, e.Errors[name])
	}
	return out
}

type collector struct {
	op   string
	mu   sync.Mutex
	errs map[string]error
}

func newCollector(op string) *collector {
	return &collector{op: op, errs: map[string]error{}}
}

func (c *collector) add(name string, err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[name] = err
}

func (c *collector) merge(err error) {
	if err == nil {
		return
	}
	if be, ok := err.(*BulkError); ok {
		for name, e := range be.Errors {
			c.add(name, e)
		}
		return
	}
	c.add(service.All, err)
}

func (c *collector) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) == 0 {
		return nil
	}
	return &BulkError{Op: c.op, Errors: c.errs}
}
