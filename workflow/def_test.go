package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalDefinition(t *testing.T) {
	yamlData := `
jobs:
  - name: build
    when:
      - event: ["push", "pull_request"]
        branch: ["main", "develop"]
    timeout: 10m
    environment:
      CGO_ENABLED: "0"
    steps:
      - name: compile
        command: go build ./...
`

	def, err := Load("test.yml", []byte(yamlData))
	require.NoError(t, err, "YAML should load without error")
	assert.True(t, def.Compiled())

	require.Len(t, def.Jobs, 1)
	job := def.Jobs[0]

	assert.Len(t, job.When, 1, "Should have one constraint")
	assert.ElementsMatch(t, []string{"main", "develop"}, job.When[0].Branch)
	assert.ElementsMatch(t, []string{"push", "pull_request"}, job.When[0].Event)

	assert.Equal(t, 10*time.Minute, job.Timeout.Std())
	assert.Equal(t, "0", job.Environment["CGO_ENABLED"])
	require.Len(t, job.Steps, 1)
	assert.Equal(t, "go build ./...", job.Steps[0].Command)
}

func TestUnmarshalScalarStringList(t *testing.T) {
	yamlData := `
jobs:
  - name: test
    when:
      - event: push
        branch: main
    steps:
      - command: go test ./...
`

	def, err := Load("test.yml", []byte(yamlData))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"push"}, def.Jobs[0].When[0].Event)
	assert.ElementsMatch(t, []string{"main"}, def.Jobs[0].When[0].Branch)
}

func TestMatchByEvent(t *testing.T) {
	yamlData := `
jobs:
  - name: test
    when:
      - event: push
    steps:
      - command: go test ./...
  - name: publish
    when:
      - event: pull_request
    steps:
      - command: ./publish.sh
`

	def, err := Load("test.yml", []byte(yamlData))
	require.NoError(t, err)

	matched := def.Match(TriggerEvent{Kind: TriggerKindPush, Branch: "main"})
	require.Len(t, matched, 1)
	assert.Equal(t, "test", matched[0].Name)
}

func TestMatchBranchGlob(t *testing.T) {
	yamlData := `
jobs:
  - name: release
    when:
      - event: push
        branch: ["main", "release/*"]
    steps:
      - command: make release
`

	def, err := Load("test.yml", []byte(yamlData))
	require.NoError(t, err)

	job := def.Jobs[0]
	assert.True(t, job.Match(TriggerEvent{Kind: TriggerKindPush, Branch: "main"}))
	assert.True(t, job.Match(TriggerEvent{Kind: TriggerKindPush, Branch: "release/1.2"}))
	assert.False(t, job.Match(TriggerEvent{Kind: TriggerKindPush, Branch: "release/1.2/hotfix"}), "single star should not cross segments")
	assert.False(t, job.Match(TriggerEvent{Kind: TriggerKindPush, Branch: "develop"}))
	assert.False(t, job.Match(TriggerEvent{Kind: TriggerKindPullRequest, Branch: "main"}))
}

func TestMatchDoubleStar(t *testing.T) {
	m, err := CompileBranchPatterns([]string{"feature/**"})
	require.NoError(t, err)

	assert.True(t, m.Match("feature/a"))
	assert.True(t, m.Match("feature/a/b"))
	assert.False(t, m.Match("main"))
}

func TestManualAlwaysMatches(t *testing.T) {
	yamlData := `
jobs:
  - name: deploy
    when:
      - event: push
        branch: main
    steps:
      - command: ./deploy.sh
`

	def, err := Load("test.yml", []byte(yamlData))
	require.NoError(t, err)

	assert.True(t, def.Jobs[0].Match(TriggerEvent{Kind: TriggerKindManual, Branch: "whatever"}))
}

func TestNoConstraintsAlwaysMatches(t *testing.T) {
	yamlData := `
jobs:
  - name: test
    steps:
      - command: go test ./...
`

	def, err := Load("test.yml", []byte(yamlData))
	require.NoError(t, err)

	assert.True(t, def.Jobs[0].Match(TriggerEvent{Kind: TriggerKindPush, Branch: "any"}))
}

func TestNormalizeRef(t *testing.T) {
	assert.Equal(t, "main", NormalizeRef("refs/heads/main"))
	assert.Equal(t, "release/1.0", NormalizeRef("refs/heads/release/1.0"))
	assert.Equal(t, "main", NormalizeRef("main"))
}
