package lifecycle

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/core-tools/hsu-users/pkg/errors"
)

type node struct {
	unit Unit
	deps []*node

	once sync.Once
	err  error
}

const (
	unvisited = iota
	visiting
	visited
)

// isNilUnit reports whether u is nil or an interface holding a nil pointer.
func isNilUnit(u Unit) bool {
	if u == nil {
		return true
	}
	v := reflect.ValueOf(u)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// sameUnit reports whether a and b, already known to share a name, are one
// unit. Units of a non-comparable type are identified by type and name.
func sameUnit(a, b Unit) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if !ta.Comparable() {
		return true
	}
	return a == b
}

// buildGraph walks the closure of root, rejecting nil units, invalid or
// duplicate names and cycles. A unit reachable through several parents
// maps to a single node. Names are unique, so the walk is keyed by name.
func buildGraph(root Unit) (*node, error) {
	if isNilUnit(root) {
		return nil, errors.NewValidationError("root unit cannot be nil", nil)
	}

	nodes := make(map[string]*node)
	colors := make(map[string]int)
	units := make(map[string]Unit)

	var visit func(u Unit, path []string) (*node, error)
	visit = func(u Unit, path []string) (*node, error) {
		name := u.Name()

		if other, exists := units[name]; exists && !sameUnit(other, u) {
			return nil, errors.NewValidationError("duplicate unit name: "+name, nil).WithContext("unit", name)
		}

		switch colors[name] {
		case visited:
			return nodes[name], nil
		case visiting:
			return nil, errors.NewValidationError(
				fmt.Sprintf("dependency cycle detected: %s -> %s", strings.Join(path, " -> "), name), nil,
			).WithContext("unit", name)
		}

		if err := ValidateUnitName(name); err != nil {
			return nil, err
		}
		units[name] = u
		colors[name] = visiting

		n := &node{unit: u}
		path = append(path[:len(path):len(path)], name)
		for i, dep := range u.Dependencies() {
			if isNilUnit(dep) {
				return nil, errors.NewValidationError(
					fmt.Sprintf("unit %s has a nil dependency at index %d", name, i), nil,
				).WithContext("unit", name)
			}
			depNode, err := visit(dep, path)
			if err != nil {
				return nil, err
			}
			n.deps = append(n.deps, depNode)
		}

		colors[name] = visited
		nodes[name] = n
		return n, nil
	}

	return visit(root, nil)
}

// Plan returns the unit names of root's closure in sequential start order:
// post-order, dependencies in declared order, each unit once. It is the
// realized order of a runner with StartConcurrency 1.
func Plan(root Unit) ([]string, error) {
	rootNode, err := buildGraph(root)
	if err != nil {
		return nil, err
	}

	seen := make(map[*node]bool)
	order := make([]string, 0)
	var walk func(n *node)
	walk = func(n *node) {
		if seen[n] {
			return
		}
		seen[n] = true
		for _, dep := range n.deps {
			walk(dep)
		}
		order = append(order, n.unit.Name())
	}
	walk(rootNode)

	return order, nil
}

// Describe renders the tree under root as an indented outline. Units that
// appear again under another parent are marked with "(shared)".
func Describe(root Unit) (string, error) {
	if _, err := buildGraph(root); err != nil {
		return "", err
	}

	var b strings.Builder
	printed := make(map[string]bool)
	var walk func(u Unit, depth int)
	walk = func(u Unit, depth int) {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(u.Name())
		if printed[u.Name()] {
			b.WriteString(" (shared)\n")
			return
		}
		b.WriteString("\n")
		printed[u.Name()] = true
		for _, dep := range u.Dependencies() {
			walk(dep, depth+1)
		}
	}
	walk(root, 0)

	return b.String(), nil
}
