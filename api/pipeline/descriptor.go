package pipeline

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Well-known stage identifiers for the built-in topology.
const (
	StageExtract         = "extract"
	StageLinkCheck       = "link_check"
	StageContentAnalysis = "content_analysis"
	StageDecision        = "decision"
	StageSummarize       = "summarize"
	StageTranslate       = "translate"
	StagePersist         = "persist"
)

// RetryPolicy bounds the attempts made for one stage before its failure is
// recorded as terminal.
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// StageDescriptor is the static definition of one pipeline stage.  The
// descriptor list is configuration, not code - the adapter is bound by ID
// after the topology is loaded.
type StageDescriptor struct {
	ID        string        `yaml:"id"`
	DependsOn []string      `yaml:"depends_on"`
	Mandatory bool          `yaml:"mandatory"`
	Timeout   time.Duration `yaml:"timeout"`
	Retry     RetryPolicy   `yaml:"retry"`

	Adapter StageAdapter `yaml:"-"`
}

// Topology is the validated stage graph for the pipeline.  Declaration
// order is the dispatch tie-break when multiple stages are eligible, but
// only dependency edges are authoritative for correctness.
type Topology struct {
	Stages []StageDescriptor `yaml:"stages"`
}

// DefaultTopology returns the built-in seven stage graph: extraction feeds
// link checking and content analysis (which run concurrently), the decision
// feeds summarization, and translation and persistence hang off the summary.
func DefaultTopology(stageTimeout time.Duration) *Topology {
	retry := RetryPolicy{MaxAttempts: 3, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second}
	oneShot := RetryPolicy{MaxAttempts: 1}
	return &Topology{
		Stages: []StageDescriptor{
			{ID: StageExtract, Timeout: stageTimeout, Retry: retry},
			{ID: StageLinkCheck, DependsOn: []string{StageExtract}, Timeout: stageTimeout, Retry: retry},
			{ID: StageContentAnalysis, DependsOn: []string{StageExtract}, Timeout: stageTimeout, Retry: retry},
			{ID: StageDecision, DependsOn: []string{StageContentAnalysis}, Mandatory: true, Timeout: stageTimeout, Retry: retry},
			{ID: StageSummarize, DependsOn: []string{StageDecision}, Mandatory: true, Timeout: stageTimeout, Retry: retry},
			{ID: StageTranslate, DependsOn: []string{StageSummarize}, Timeout: stageTimeout, Retry: retry},
			{ID: StagePersist, DependsOn: []string{StageSummarize}, Timeout: stageTimeout, Retry: oneShot},
		},
	}
}

// LoadTopology reads a stage topology from a YAML file.  Stages without an
// explicit timeout or retry policy inherit the supplied defaults.
func LoadTopology(path string, stageTimeout time.Duration) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read topology file %s", path)
	}
	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, errors.Wrapf(err, "failed to parse topology file %s", path)
	}
	for i := range topo.Stages {
		if topo.Stages[i].Timeout == 0 {
			topo.Stages[i].Timeout = stageTimeout
		}
		if topo.Stages[i].Retry.MaxAttempts == 0 {
			topo.Stages[i].Retry.MaxAttempts = 1
		}
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return &topo, nil
}

// Validate checks the graph for duplicate IDs, unknown dependencies and
// cycles.  It must pass before any run starts.
func (t *Topology) Validate() error {
	if len(t.Stages) == 0 {
		return errors.New("topology declares no stages")
	}

	index := make(map[string]int, len(t.Stages))
	for i, s := range t.Stages {
		if s.ID == "" {
			return errors.Errorf("stage %d has an empty id", i)
		}
		if _, ok := index[s.ID]; ok {
			return errors.Errorf("duplicate stage id %q", s.ID)
		}
		index[s.ID] = i
	}

	// Kahn's algorithm: consume stages with no unresolved dependencies and
	// fail if anything remains, which indicates a cycle.
	indegree := make(map[string]int, len(t.Stages))
	dependents := make(map[string][]string, len(t.Stages))
	for _, s := range t.Stages {
		for _, dep := range s.DependsOn {
			if _, ok := index[dep]; !ok {
				return errors.Errorf("stage %q depends on unknown stage %q", s.ID, dep)
			}
			if dep == s.ID {
				return errors.Errorf("stage %q depends on itself", s.ID)
			}
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	ready := []string{}
	for _, s := range t.Stages {
		if indegree[s.ID] == 0 {
			ready = append(ready, s.ID)
		}
	}
	resolved := 0
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		resolved++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if resolved != len(t.Stages) {
		return errors.New("topology contains a dependency cycle")
	}
	return nil
}

// Bind attaches capability adapters to the stage descriptors by ID.  Every
// stage must end up with an adapter.
func (t *Topology) Bind(adapters map[string]StageAdapter) error {
	for i := range t.Stages {
		adapter, ok := adapters[t.Stages[i].ID]
		if !ok {
			return errors.Errorf("no adapter bound for stage %q", t.Stages[i].ID)
		}
		t.Stages[i].Adapter = adapter
	}
	return nil
}

// stage returns the descriptor for the given ID.
func (t *Topology) stage(id string) *StageDescriptor {
	for i := range t.Stages {
		if t.Stages[i].ID == id {
			return &t.Stages[i]
		}
	}
	return nil
}
