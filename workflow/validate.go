package workflow

import (
	"errors"
	"strings"

	"github.com/dominikbraun/graph"
)

var knownEvents = map[string]struct{}{
	TriggerKindPush:        {},
	TriggerKindPullRequest: {},
	TriggerKindManual:      {},
}

// compile validates the definition and builds its derived state: the
// job dependency graph and the branch matchers. A compiled definition
// never fails these checks again at run time.
func (d *Definition) compile() error {
	if len(d.Jobs) == 0 {
		return &ValidationError{Name: d.Name, Reason: "definition has no jobs"}
	}

	seen := make(map[string]struct{}, len(d.Jobs))
	for i := range d.Jobs {
		j := &d.Jobs[i]

		if strings.TrimSpace(j.Name) == "" {
			return &ValidationError{Name: d.Name, Reason: "job with empty name"}
		}
		if _, ok := seen[j.Name]; ok {
			return &ValidationError{Name: d.Name, Job: j.Name, Reason: "duplicate job name"}
		}
		seen[j.Name] = struct{}{}

		if err := j.compile(d.Name); err != nil {
			return err
		}
	}

	if err := d.checkDependencies(); err != nil {
		return err
	}

	d.compiled = true
	return nil
}

func (j *Job) compile(defName string) error {
	if len(j.Steps) == 0 {
		return &ValidationError{Name: defName, Job: j.Name, Reason: "job has no steps"}
	}

	for i := range j.Steps {
		if strings.TrimSpace(j.Steps[i].Command) == "" {
			return &ValidationError{Name: defName, Job: j.Name, Reason: "step with empty command"}
		}
	}

	for i := range j.When {
		c := &j.When[i]

		for _, e := range c.Event {
			if _, ok := knownEvents[e]; !ok {
				return &ValidationError{Name: defName, Job: j.Name, Reason: "unknown event kind: " + e}
			}
		}

		m, err := CompileBranchPatterns(c.Branch)
		if err != nil {
			return &ValidationError{Name: defName, Job: j.Name, Reason: err.Error()}
		}
		c.matcher = m
	}

	return nil
}

// checkDependencies resolves "needs" edges and rejects cycles.
func (d *Definition) checkDependencies() error {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())

	for _, j := range d.Jobs {
		_ = g.AddVertex(j.Name)
	}

	for _, j := range d.Jobs {
		for _, need := range j.Needs {
			if need == j.Name {
				return &ValidationError{Name: d.Name, Job: j.Name, Reason: "job depends on itself"}
			}
			if d.Job(need) == nil {
				return &ValidationError{Name: d.Name, Job: j.Name, Reason: "needs unknown job: " + need}
			}

			err := g.AddEdge(need, j.Name)
			if errors.Is(err, graph.ErrEdgeCreatesCycle) {
				return &ValidationError{Name: d.Name, Job: j.Name, Reason: "dependency cycle through: " + need}
			}
			if err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
				return &ValidationError{Name: d.Name, Job: j.Name, Reason: "bad dependency edge: " + err.Error()}
			}
		}
	}

	return nil
}

// Order returns job names in a valid execution order, dependencies
// first. Only meaningful on a compiled definition.
func (d *Definition) Order() ([]string, error) {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())

	for _, j := range d.Jobs {
		_ = g.AddVertex(j.Name)
	}
	for _, j := range d.Jobs {
		for _, need := range j.Needs {
			_ = g.AddEdge(need, j.Name)
		}
	}

	return graph.StableTopologicalSort(g, func(a, b string) bool { return a < b })
}
