package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load("test.yml", []byte("jobs: [unclosed"))

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "test.yml", perr.Name)
}

func TestLoadRejectsZeroJobs(t *testing.T) {
	_, err := Load("test.yml", []byte("jobs: []"))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "no jobs")
}

func TestLoadRejectsEmptyJob(t *testing.T) {
	yamlData := `
jobs:
  - name: build
    steps: []
`
	_, err := Load("test.yml", []byte(yamlData))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "build", verr.Job)
	assert.Contains(t, verr.Reason, "no steps")
}

func TestLoadRejectsEmptyCommand(t *testing.T) {
	yamlData := `
jobs:
  - name: build
    steps:
      - name: nop
        command: "  "
`
	_, err := Load("test.yml", []byte(yamlData))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "empty command")
}

func TestLoadRejectsDuplicateJobNames(t *testing.T) {
	yamlData := `
jobs:
  - name: build
    steps: [{command: "true"}]
  - name: build
    steps: [{command: "true"}]
`
	_, err := Load("test.yml", []byte(yamlData))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "duplicate")
}

func TestLoadRejectsUnknownEventKind(t *testing.T) {
	yamlData := `
jobs:
  - name: build
    when:
      - event: teleport
    steps: [{command: "true"}]
`
	_, err := Load("test.yml", []byte(yamlData))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "unknown event kind")
}

func TestLoadRejectsUnknownNeeds(t *testing.T) {
	yamlData := `
jobs:
  - name: build
    needs: [lint]
    steps: [{command: "true"}]
`
	_, err := Load("test.yml", []byte(yamlData))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "unknown job")
}

func TestLoadRejectsDependencyCycle(t *testing.T) {
	yamlData := `
jobs:
  - name: a
    needs: [b]
    steps: [{command: "true"}]
  - name: b
    needs: [a]
    steps: [{command: "true"}]
`
	_, err := Load("test.yml", []byte(yamlData))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "cycle")
}

func TestLoadRejectsSelfDependency(t *testing.T) {
	yamlData := `
jobs:
  - name: a
    needs: [a]
    steps: [{command: "true"}]
`
	_, err := Load("test.yml", []byte(yamlData))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "depends on itself")
}

func TestOrderRespectsNeeds(t *testing.T) {
	yamlData := `
jobs:
  - name: publish
    needs: [build, test]
    steps: [{command: "./publish.sh"}]
  - name: test
    needs: [build]
    steps: [{command: "go test ./..."}]
  - name: build
    steps: [{command: "go build ./..."}]
`
	def, err := Load("test.yml", []byte(yamlData))
	require.NoError(t, err)

	order, err := def.Order()
	require.NoError(t, err)
	require.Equal(t, []string{"build", "test", "publish"}, order)
}

func TestHandConstructedDefinitionIsNotCompiled(t *testing.T) {
	def := &Definition{Jobs: []Job{{Name: "x"}}}
	assert.False(t, def.Compiled())
}
