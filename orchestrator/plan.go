package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PlannedTask is one node of the execution DAG produced by the planning loop.
type PlannedTask struct {
	Index      int    `json:"index"`
	WorkerRole string `json:"worker_role"`
	Task       string `json:"task"`
	DependsOn  []int  `json:"depends_on"`
}

// PlanError reports a structurally or referentially invalid plan. It is fatal
// to the orchestration before any task starts, and distinct from per-task
// execution failures.
type PlanError struct {
	Reason string
	Raw    string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("invalid plan: %s", e.Reason)
}

// ParsePlan extracts and validates the task list from planner output. The
// planner replies with a JSON array, possibly wrapped in a fenced code block
// or surrounded by prose; everything outside the outermost brackets is
// ignored.
//
// Validation rules:
//   - indices are 0..n-1 in order
//   - every worker_role is a configured role
//   - every depends_on entry references an earlier task
func ParsePlan(raw string, roles map[string]WorkerRole) ([]PlannedTask, error) {
	jsonText, err := extractArray(raw)
	if err != nil {
		return nil, &PlanError{Reason: err.Error(), Raw: raw}
	}

	var tasks []PlannedTask
	if err := json.Unmarshal([]byte(jsonText), &tasks); err != nil {
		return nil, &PlanError{Reason: fmt.Sprintf("malformed task list: %v", err), Raw: raw}
	}
	if len(tasks) == 0 {
		return nil, &PlanError{Reason: "plan contains no tasks", Raw: raw}
	}

	for i, task := range tasks {
		if task.Index != i {
			return nil, &PlanError{
				Reason: fmt.Sprintf("task at position %d has index %d, expected %d", i, task.Index, i),
				Raw:    raw,
			}
		}
		if _, ok := roles[task.WorkerRole]; !ok {
			return nil, &PlanError{
				Reason: fmt.Sprintf("task %d references unknown worker role %q", i, task.WorkerRole),
				Raw:    raw,
			}
		}
		if strings.TrimSpace(task.Task) == "" {
			return nil, &PlanError{Reason: fmt.Sprintf("task %d has an empty instruction", i), Raw: raw}
		}
		for _, dep := range task.DependsOn {
			if dep < 0 || dep >= task.Index {
				return nil, &PlanError{
					Reason: fmt.Sprintf("task %d depends on %d, which is not an earlier task", i, dep),
					Raw:    raw,
				}
			}
		}
	}

	return tasks, nil
}

func extractArray(raw string) (string, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON array found in planner output")
	}
	return raw[start : end+1], nil
}
