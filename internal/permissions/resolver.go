package permissions

import "cosync/internal/covalue"

// Graph exposes the direct dependencies of CoValues. The boolean is false
// when the CoValue's header is not available yet.
type Graph interface {
	Dependencies(id covalue.ID) ([]covalue.ID, bool)
}

// Closure is the transitive dependency set of a CoValue.
type Closure struct {
	// Order lists every reachable CoValue with dependencies before their
	// dependents. The root is last.
	Order []covalue.ID
	// Missing lists reachable CoValues whose header is not available.
	Missing []covalue.ID
}

// Ready reports whether every dependency is available.
func (c Closure) Ready() bool { return len(c.Missing) == 0 }

// Resolve walks the dependency graph from root without recursion. A node
// that is reached again while it is still in progress closes a cycle and
// is treated as satisfied; its own availability is checked when its walk
// completes.
func Resolve(g Graph, root covalue.ID) Closure {
	const (
		unseen = iota
		inProgress
		done
	)
	type frame struct {
		id   covalue.ID
		deps []covalue.ID
		next int
	}

	var c Closure
	state := map[covalue.ID]int{}
	push := func(stack []frame, id covalue.ID) []frame {
		state[id] = inProgress
		deps, ok := g.Dependencies(id)
		if !ok {
			c.Missing = append(c.Missing, id)
		}
		return append(stack, frame{id: id, deps: deps})
	}

	stack := push(nil, root)
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.deps) {
			dep := top.deps[top.next]
			top.next++
			if state[dep] == unseen {
				stack = push(stack, dep)
			}
			continue
		}
		state[top.id] = done
		c.Order = append(c.Order, top.id)
		stack = stack[:len(stack)-1]
	}
	return c
}
