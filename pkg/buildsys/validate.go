package buildsys

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

const (
	unvisited = iota
	visiting
	visited
)

// edges returns the tasks a task needs: its deps followed by the tasks it references in cmds.
func edges(tasks TaskList, task *Task) ([]*Task, error) {
	result := make([]*Task, 0, len(task.Deps))
	for _, dep := range task.Deps {
		depTask, ok := tasks[dep]
		if !ok {
			return nil, eris.Errorf("task %s depends on unknown task %s", task.Short, dep)
		}
		result = append(result, depTask)
	}

	for _, cmd := range task.Cmds {
		switch cmd := cmd.(type) {
		case TaskCmdTaskRef:
			if cmd.Task != nil {
				result = append(result, cmd.Task)
			}
		case TaskCmdStep:
			// watchers only trigger their tasks later so they don't add edges
			if watch, ok := cmd.Step.(*WatchStep); ok {
				for _, name := range watch.Tasks {
					if _, found := tasks[name]; !found {
						return nil, eris.Errorf("task %s reruns unknown task %s", task.Short, name)
					}
				}
			}
		}
	}

	return result, nil
}

// ValidateGraph makes sure that every dependency exists and that there are no cycles. Tasks are visited in name
// order so the reported cycle is the same on every run.
func ValidateGraph(tasks TaskList) error {
	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	state := make(map[*Task]int)
	stack := make([]*Task, 0)

	var visit func(task *Task) error
	visit = func(task *Task) error {
		switch state[task] {
		case visited:
			return nil
		case visiting:
			for idx, item := range stack {
				if item == task {
					path := make([]string, 0, len(stack)-idx+1)
					for _, entry := range stack[idx:] {
						path = append(path, entry.Short)
					}
					path = append(path, task.Short)
					return eris.Errorf("dependency cycle: %s", strings.Join(path, " -> "))
				}
			}
			return eris.Errorf("dependency cycle through %s", task.Short)
		}

		state[task] = visiting
		stack = append(stack, task)

		next, err := edges(tasks, task)
		if err != nil {
			return err
		}
		for _, dep := range next {
			err = visit(dep)
			if err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		state[task] = visited
		return nil
	}

	for _, name := range names {
		err := visit(tasks[name])
		if err != nil {
			return err
		}
	}

	return nil
}
