// Package graph orders declared agents by their startup dependencies.
//
// Configuration may declare that one agent must be running before another
// is instantiated. The graph groups agents into levels: level 0 has no
// dependencies, level N depends only on earlier levels. Agents within one
// level are independent and can be brought up concurrently.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrCycle reports that the declared dependencies loop back on themselves.
	ErrCycle = errors.New("dependency cycle detected")

	// ErrUnknownDependency reports a dependency on an agent nobody declared.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// CycleError carries the offending path for error messages. errors.Is
// matches it against ErrCycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCycle
}

// Graph is a set of named agents and their declared dependencies.
// The zero value is not usable; construct with New.
type Graph struct {
	mu   sync.RWMutex
	deps map[string][]string
}

func New() *Graph {
	return &Graph{deps: make(map[string][]string)}
}

// Add declares an agent and the agents that must come up before it.
// Re-adding a name replaces its dependency list.
func (g *Graph) Add(name string, deps ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deps[name] = append([]string(nil), deps...)
}

// Len returns the number of declared agents.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.deps)
}

// Deps returns a copy of the declared dependencies of name, nil if name
// was never declared.
func (g *Graph) Deps(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	deps, ok := g.deps[name]
	if !ok {
		return nil
	}
	return append([]string(nil), deps...)
}

// Validate rejects dependencies on undeclared agents and dependency cycles.
// Cycles are reported as a *CycleError naming the path.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.validateLocked()
}

func (g *Graph) validateLocked() error {
	for name, deps := range g.deps {
		for _, dep := range deps {
			if _, ok := g.deps[dep]; !ok {
				return fmt.Errorf("%w: agent %q depends on undeclared agent %q",
					ErrUnknownDependency, name, dep)
			}
		}
	}

	// Depth-first search with three colors: unvisited, on the current
	// path, done. Hitting an on-path node means a cycle.
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.deps))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			start := 0
			for i, n := range path {
				if n == name {
					start = i
					break
				}
			}
			return &CycleError{Path: append(append([]string(nil), path[start:]...), name)}
		case black:
			return nil
		}

		color[name] = gray
		path = append(path, name)
		for _, dep := range g.deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		path = path[:len(path)-1]
		return nil
	}

	for name := range g.deps {
		if color[name] == white {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Levels groups agents into startup phases using Kahn's algorithm. Each
// level is sorted so the order is stable run to run. Returns nil for an
// empty graph.
func (g *Graph) Levels() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if err := g.validateLocked(); err != nil {
		return nil, err
	}
	if len(g.deps) == 0 {
		return nil, nil
	}

	inDeg := make(map[string]int, len(g.deps))
	dependents := make(map[string][]string)
	for name, deps := range g.deps {
		inDeg[name] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var current []string
	for name, deg := range inDeg {
		if deg == 0 {
			current = append(current, name)
		}
	}
	sort.Strings(current)

	var levels [][]string
	placed := 0
	for len(current) > 0 {
		levels = append(levels, current)
		placed += len(current)

		var next []string
		for _, name := range current {
			for _, dep := range dependents[name] {
				inDeg[dep]--
				if inDeg[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	// validateLocked already rejected cycles, so every agent gets placed.
	if placed != len(g.deps) {
		return nil, ErrCycle
	}
	return levels, nil
}
