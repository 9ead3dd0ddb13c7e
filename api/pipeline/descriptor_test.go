package pipeline

import (
	"context"
	"os"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultTopologyValid(t *testing.T) {
	topo := DefaultTopology(10 * time.Second)
	assert.NoError(t, topo.Validate())
	assert.Len(t, topo.Stages, 7)

	// the two analysis stages fan out from extraction
	linkCheck := topo.stage(StageLinkCheck)
	analysis := topo.stage(StageContentAnalysis)
	assert.Equal(t, []string{StageExtract}, linkCheck.DependsOn)
	assert.Equal(t, []string{StageExtract}, analysis.DependsOn)

	// only the decision and the summary are mandatory
	for _, s := range topo.Stages {
		mandatory := s.ID == StageDecision || s.ID == StageSummarize
		assert.Equal(t, mandatory, s.Mandatory, s.ID)
	}
}

func TestValidateDuplicateID(t *testing.T) {
	topo := &Topology{Stages: []StageDescriptor{
		{ID: "a"},
		{ID: "a"},
	}}
	assert.Error(t, topo.Validate())
}

func TestValidateUnknownDependency(t *testing.T) {
	topo := &Topology{Stages: []StageDescriptor{
		{ID: "a", DependsOn: []string{"missing"}},
	}}
	assert.Error(t, topo.Validate())
}

func TestValidateSelfDependency(t *testing.T) {
	topo := &Topology{Stages: []StageDescriptor{
		{ID: "a", DependsOn: []string{"a"}},
	}}
	assert.Error(t, topo.Validate())
}

func TestValidateCycle(t *testing.T) {
	topo := &Topology{Stages: []StageDescriptor{
		{ID: "a", DependsOn: []string{"c"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	}}
	assert.Error(t, topo.Validate())
}

func TestValidateEmpty(t *testing.T) {
	topo := &Topology{}
	assert.Error(t, topo.Validate())
}

func TestBind(t *testing.T) {
	topo := &Topology{Stages: []StageDescriptor{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
	}}
	noop := AdapterFunc(func(ctx context.Context, in StageInput) (StagePayload, error) {
		return ExtractionPayload{}, nil
	})

	err := topo.Bind(map[string]StageAdapter{"a": noop})
	assert.Error(t, err)

	err = topo.Bind(map[string]StageAdapter{"a": noop, "b": noop})
	assert.NoError(t, err)
	assert.NotNil(t, topo.stage("a").Adapter)
	assert.NotNil(t, topo.stage("b").Adapter)
}

func TestLoadTopology(t *testing.T) {
	dir := t.TempDir()
	file := path.Join(dir, "topology.yaml")
	content := `stages:
  - id: extract
    timeout: 5s
    retry:
      max_attempts: 2
      initial_backoff: 100ms
  - id: decision
    depends_on: [extract]
    mandatory: true
`
	assert.NoError(t, os.WriteFile(file, []byte(content), 0644))

	topo, err := LoadTopology(file, 30*time.Second)
	assert.NoError(t, err)
	assert.Len(t, topo.Stages, 2)

	extract := topo.stage("extract")
	assert.Equal(t, 5*time.Second, extract.Timeout)
	assert.Equal(t, 2, extract.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, extract.Retry.InitialBackoff)

	// unset fields inherit the defaults
	decision := topo.stage("decision")
	assert.True(t, decision.Mandatory)
	assert.Equal(t, 30*time.Second, decision.Timeout)
	assert.Equal(t, 1, decision.Retry.MaxAttempts)
}

func TestLoadTopologyInvalid(t *testing.T) {
	dir := t.TempDir()
	file := path.Join(dir, "topology.yaml")
	content := `stages:
  - id: a
    depends_on: [b]
  - id: b
    depends_on: [a]
`
	assert.NoError(t, os.WriteFile(file, []byte(content), 0644))

	_, err := LoadTopology(file, 30*time.Second)
	assert.Error(t, err)

	_, err = LoadTopology(path.Join(dir, "nope.yaml"), 30*time.Second)
	assert.Error(t, err)
}
