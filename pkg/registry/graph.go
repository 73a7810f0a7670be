package registry

import (
	"sort"

	"github.com/go-go-golems/svcctl/pkg/service"
)

// findCycle returns the cycle through start, if any, as a path that begins
// and ends with start. Edges to unregistered names are ignored.
func findCycle(deps map[string][]string, start string) []string {
	visited := map[string]bool{}
	var path []string

	var visit func(name string) bool
	visit = func(name string) bool {
		path = append(path, name)
		for _, dep := range deps[name] {
			if dep == start {
				path = append(path, dep)
				return true
			}
			if visited[dep] {
				continue
			}
			visited[dep] = true
			if _, ok := deps[dep]; ok && visit(dep) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}

	if visit(start) {
		return path
	}
	return nil
}

// topoOrder sorts names so every service comes after its dependencies.
// Ties are broken alphabetically for a stable order.
func topoOrder(deps map[string][]string) ([]string, error) {
	indegree := make(map[string]int, len(deps))
	dependents := map[string][]string{}
	for name, ds := range deps {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range ds {
			if _, ok := deps[dep]; !ok {
				return nil, &service.UnknownServiceError{Name: dep, Referrer: name}
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	out := make([]string, 0, len(deps))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		out = append(out, name)

		var next []string
		for _, d := range dependents[name] {
			indegree[d]--
			if indegree[d] == 0 {
				next = append(next, d)
			}
		}
		if len(next) > 0 {
			ready = append(ready, next...)
			sort.Strings(ready)
		}
	}

	if len(out) != len(deps) {
		// Unreachable while Register rejects cycles.
		for name, n := range indegree {
			if n > 0 {
				return nil, &service.CycleError{Path: findCycle(deps, name)}
			}
		}
	}
	return out, nil
}

// closure returns name and everything it transitively depends on.
func closure(deps map[string][]string, name string) map[string]bool {
	out := map[string]bool{}
	var walk func(string)
	walk = func(n string) {
		if out[n] {
			return
		}
		out[n] = true
		for _, d := range deps[n] {
			walk(d)
		}
	}
	walk(name)
	return out
}
