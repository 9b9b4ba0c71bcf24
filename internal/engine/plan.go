package engine

import (
	"strings"

	"github.com/spf13/cast"

	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// Plan is a validated, ordered detection plan. Nodes feeding a ForkJoin root
// form a sub-plan that only runs through that ForkJoin.
type Plan struct {
	nodes    map[string]models.PlanNode
	levels   [][]string
	terminal []string
	subPlans map[string]*Plan
}

// BuildPlan validates nodes and computes their execution order. It rejects
// duplicate or empty names, inputs from unknown nodes, and cycles.
func BuildPlan(nodes []models.PlanNode) (*Plan, error) {
	const op = "build plan"

	byName := make(map[string]models.PlanNode, len(nodes))
	order := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if strings.TrimSpace(n.Name) == "" {
			return nil, utils.InvalidArgument(op, "plan node without name (type %q)", n.Type)
		}
		if _, dup := byName[n.Name]; dup {
			return nil, utils.InvalidArgument(op, "duplicate plan node %q", n.Name)
		}
		byName[n.Name] = n
		order = append(order, n.Name)
	}
	if len(byName) == 0 {
		return nil, utils.InvalidArgument(op, "plan has no nodes")
	}

	for _, name := range order {
		for _, in := range byName[name].Inputs {
			if _, ok := byName[in.SourcePlanNode]; !ok {
				return nil, utils.NotFound(op, "node %q input %q references unknown node %q",
					name, in.TargetProperty, in.SourcePlanNode)
			}
		}
	}

	if cycle := findCycle(byName, order); cycle != nil {
		return nil, utils.InvalidArgument(op, "plan contains a cycle: %s", strings.Join(cycle, " -> "))
	}

	subPlans := make(map[string]*Plan)
	inSub := make(map[string]bool)
	for _, name := range order {
		n := byName[name]
		if n.Type != TypeForkJoin {
			continue
		}
		root := cast.ToString(n.Params[ParamRoot])
		if _, ok := byName[root]; !ok {
			return nil, utils.NotFound(op, "fork-join %q root %q is not a plan node", name, root)
		}
		members := ancestors(byName, root)
		for member := range members {
			if byName[member].Type == TypeForkJoin {
				return nil, utils.InvalidArgument(op, "fork-join %q nests fork-join %q", name, member)
			}
			if member == name {
				return nil, utils.InvalidArgument(op, "fork-join %q is part of its own sub-plan", name)
			}
			inSub[member] = true
		}
		subPlans[root] = newPlan(byName, filter(order, func(s string) bool { return members[s] }), []string{root})
	}

	main := filter(order, func(s string) bool { return !inSub[s] })
	for _, name := range main {
		for _, in := range byName[name].Inputs {
			if inSub[in.SourcePlanNode] {
				return nil, utils.InvalidArgument(op, "node %q consumes %q which only runs inside a fork-join",
					name, in.SourcePlanNode)
			}
		}
	}

	p := newPlan(byName, main, nil)
	p.subPlans = subPlans
	return p, nil
}

// newPlan orders members into dependency levels. When terminal is nil, the
// terminal nodes are the members no other member consumes.
func newPlan(all map[string]models.PlanNode, members []string, terminal []string) *Plan {
	nodes := make(map[string]models.PlanNode, len(members))
	for _, m := range members {
		nodes[m] = all[m]
	}

	indegree := make(map[string]int, len(members))
	consumers := make(map[string][]string)
	for _, m := range members {
		seen := make(map[string]bool)
		for _, in := range nodes[m].Inputs {
			if seen[in.SourcePlanNode] {
				continue
			}
			seen[in.SourcePlanNode] = true
			indegree[m]++
			consumers[in.SourcePlanNode] = append(consumers[in.SourcePlanNode], m)
		}
	}

	var levels [][]string
	ready := filter(members, func(s string) bool { return indegree[s] == 0 })
	for len(ready) > 0 {
		levels = append(levels, ready)
		next := make(map[string]bool)
		for _, n := range ready {
			for _, c := range consumers[n] {
				indegree[c]--
				if indegree[c] == 0 {
					next[c] = true
				}
			}
		}
		ready = filter(members, func(s string) bool { return next[s] })
	}

	if terminal == nil {
		terminal = filter(members, func(s string) bool { return len(consumers[s]) == 0 })
	}
	return &Plan{nodes: nodes, levels: levels, terminal: terminal}
}

// Levels returns node names grouped so every node only depends on earlier levels.
func (p *Plan) Levels() [][]string {
	out := make([][]string, len(p.levels))
	for i, l := range p.levels {
		out[i] = append([]string(nil), l...)
	}
	return out
}

// Terminal returns the nodes whose outputs a run returns.
func (p *Plan) Terminal() []string {
	return append([]string(nil), p.terminal...)
}

// SubPlan returns the sub-plan rooted at root, if a ForkJoin declared one.
func (p *Plan) SubPlan(root string) (*Plan, bool) {
	sp, ok := p.subPlans[root]
	return sp, ok
}

// findCycle runs a depth-first search over input edges and returns the first
// cycle found as a path that starts and ends on the same node.
func findCycle(nodes map[string]models.PlanNode, order []string) []string {
	const (
		unvisited = iota
		inStack
		done
	)
	state := make(map[string]int, len(nodes))
	var path []string

	var visit func(string) []string
	visit = func(name string) []string {
		state[name] = inStack
		path = append(path, name)
		for _, in := range nodes[name].Inputs {
			src := in.SourcePlanNode
			switch state[src] {
			case inStack:
				for i, p := range path {
					if p == src {
						return append(append([]string(nil), path[i:]...), src)
					}
				}
			case unvisited:
				if cycle := visit(src); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		return nil
	}

	for _, name := range order {
		if state[name] == unvisited {
			if cycle := visit(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// ancestors returns root and every node it transitively consumes.
func ancestors(nodes map[string]models.PlanNode, root string) map[string]bool {
	seen := map[string]bool{root: true}
	stack := []string{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, in := range nodes[n].Inputs {
			if !seen[in.SourcePlanNode] {
				seen[in.SourcePlanNode] = true
				stack = append(stack, in.SourcePlanNode)
			}
		}
	}
	return seen
}

func filter(names []string, keep func(string) bool) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if keep(n) {
			out = append(out, n)
		}
	}
	return out
}
