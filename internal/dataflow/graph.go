// Package dataflow implements the dataflow orchestrator of spec §4.7: graph
// construction, a ready-queue/step state machine, concurrency-bounded
// dispatch to the external executor, memoization via the execution cache,
// and crash-recoverable execution state.
//
// Graph construction is built on github.com/pyr-sh/dag's AcyclicGraph, the
// exact dependency turbo's internal/core.Engine uses for its task graph
// (there: package-task dependency edges derived from turbo.json; here: task
// dependency edges derived from matching declared input/output paths
// against the workspace's data tree).
package dataflow

import (
	"fmt"

	"github.com/pyr-sh/dag"

	"github.com/beastrepo/beast/internal/beast"
	"github.com/beastrepo/beast/internal/pkgstore"
)

// Graph is the dependency graph for one dataflow execution: which tasks
// depend on which other tasks' outputs, built by matching each task's
// declared input paths against the paths every other task declares as its
// output (spec §4.7 "Startup").
type Graph struct {
	TaskGraph *dag.AcyclicGraph

	Tasks        map[string]pkgstore.Task
	TaskOrder    []string
	TaskHashes   map[string]beast.TaskHash
	Dependencies map[string][]string // task -> tasks it depends on
	Dependents   map[string][]string // task -> tasks that depend on it
}

// BuildGraph constructs the task dependency graph for pkg, restricted to
// filter if non-empty (spec §4.7 opts.filter).
func BuildGraph(pkg pkgstore.Package, tasks *pkgstore.Store, filter []string) (*Graph, error) {
	g := &Graph{
		TaskGraph:    &dag.AcyclicGraph{},
		Tasks:        make(map[string]pkgstore.Task, len(pkg.TaskOrder)),
		TaskHashes:   make(map[string]beast.TaskHash, len(pkg.TaskOrder)),
		Dependencies: make(map[string][]string, len(pkg.TaskOrder)),
		Dependents:   make(map[string][]string, len(pkg.TaskOrder)),
	}

	allowed := make(map[string]bool)
	if len(filter) > 0 {
		for _, name := range filter {
			allowed[name] = true
		}
	}

	outputOwner := make(map[string]string, len(pkg.TaskOrder)) // output path key -> task name
	for _, name := range pkg.TaskOrder {
		if len(allowed) > 0 && !allowed[name] {
			continue
		}
		taskHash := beast.TaskHash(pkg.Tasks[name])
		task, err := tasks.ReadTask(taskHash)
		if err != nil {
			return nil, err
		}
		g.Tasks[name] = task
		g.TaskHashes[name] = taskHash
		g.TaskOrder = append(g.TaskOrder, name)
		outputOwner[task.Output.Key()] = name
		g.TaskGraph.Add(name)
	}

	for _, name := range g.TaskOrder {
		task := g.Tasks[name]
		for _, in := range task.Inputs {
			dep, isTaskOutput := outputOwner[in.Key()]
			if !isTaskOutput || dep == name {
				continue
			}
			g.Dependencies[name] = append(g.Dependencies[name], dep)
			g.Dependents[dep] = append(g.Dependents[dep], name)
			g.TaskGraph.Connect(dag.BasicEdge(name, dep))
		}
	}

	if err := g.TaskGraph.Validate(); err != nil {
		return nil, fmt.Errorf("dataflow: task graph has a cycle: %w", err)
	}
	return g, nil
}
