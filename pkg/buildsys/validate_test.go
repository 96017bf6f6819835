package buildsys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateGraph(t *testing.T) {
	root := t.TempDir()
	tasks := parseScript(t, root, `
def configure():
    task(short = "a")
    task(short = "b", deps = ["a"])
    task(short = "c", deps = ["a", "b"])
`)
	assert.NoError(t, ValidateGraph(tasks))
}

func TestValidateGraphCycle(t *testing.T) {
	tasks := TaskList{
		"a": {Short: "a", Deps: []string{"b"}},
		"b": {Short: "b", Deps: []string{"c"}},
		"c": {Short: "c", Deps: []string{"a"}},
		"d": {Short: "d"},
	}

	err := ValidateGraph(tasks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle: a -> b -> c -> a")

	// same result on every call
	for i := 0; i < 5; i++ {
		assert.Equal(t, err.Error(), ValidateGraph(tasks).Error())
	}
}

func TestValidateGraphSelfReference(t *testing.T) {
	a := &Task{Short: "a"}
	a.Cmds = []TaskCmd{TaskCmdTaskRef{Task: a}}

	err := ValidateGraph(TaskList{"a": a})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a -> a")
}

func TestValidateGraphUnknown(t *testing.T) {
	tasks := TaskList{
		"a": {Short: "a", Deps: []string{"ghost"}},
	}

	err := ValidateGraph(tasks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task ghost")

	tasks = TaskList{
		"a": {Short: "a", Cmds: []TaskCmd{TaskCmdStep{Step: &WatchStep{Tasks: []string{"ghost"}}}}},
	}
	assert.Error(t, ValidateGraph(tasks))
}

func TestParseRejectsCycles(t *testing.T) {
	root := t.TempDir()
	_, err := ParseSource(testCtx(), root+"/tasks.star", []byte(`
def configure():
    task(short = "a", deps = ["b"])
    task(short = "b", deps = ["a"])
`), root, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a -> b -> a")
}
