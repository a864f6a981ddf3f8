package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/logging"
	"github.com/hupe1980/agentcore/loop"
	"github.com/hupe1980/agentcore/model"
	"github.com/hupe1980/agentcore/tool"
	"github.com/hupe1980/agentcore/toolexec"
)

// ErrDeadlock reports a DAG that can make no further progress while
// unfinished tasks remain. It is fatal to the orchestration and distinct
// from individual task failures.
var ErrDeadlock = errors.New("orchestrator: no runnable tasks remain but work is unfinished")

// TaskStatus is the terminal (or pending) state of one DAG node.
type TaskStatus string

const (
	// StatusPending marks a task that has not started.
	StatusPending TaskStatus = "pending"
	// StatusDone marks a successfully completed task.
	StatusDone TaskStatus = "done"
	// StatusError marks a task that failed during execution.
	StatusError TaskStatus = "error"
	// StatusUnreachable marks a task blocked by a failed dependency.
	StatusUnreachable TaskStatus = "unreachable"
)

// TaskResult is the terminal outcome of one planned task.
type TaskResult struct {
	Index    int        `json:"index"`
	Role     string     `json:"role"`
	Status   TaskStatus `json:"status"`
	Output   string     `json:"output,omitempty"`
	Err      string     `json:"error,omitempty"`
	Started  time.Time  `json:"started,omitempty"`
	Finished time.Time  `json:"finished,omitempty"`
}

// Result is the outcome of a full orchestration run.
type Result struct {
	Plan    []PlannedTask `json:"plan"`
	Tasks   []TaskResult  `json:"tasks"`
	Summary string        `json:"summary,omitempty"`
}

// WorkerRole configures one reusable worker agent type.
type WorkerRole struct {
	// Name is the role identifier referenced by planned tasks.
	Name string
	// Description tells the planner what this role is good at.
	Description string
	// SystemPrompt opens the role's first task prompt.
	SystemPrompt string
	// AllowedTools / DisallowedTools filter the registry for this role.
	AllowedTools    []string
	DisallowedTools []string
	// Model overrides the orchestrator's default model for this role.
	Model model.Model
	// MaxTurns bounds each task's loop; 0 means unbounded.
	MaxTurns int
}

// workerSession is the persistent per-role state. The session mutex
// serializes same-role tasks that land in one wave, preserving the
// one-in-flight-turn-per-conversation discipline.
type workerSession struct {
	mu      sync.Mutex
	role    WorkerRole
	mdl     model.Model
	conv    *core.Conversation
	started bool
}

// Options configure an Orchestrator.
type Options struct {
	// Planner runs the planning loop. Defaults to the orchestrator's model.
	Planner model.Model
	// Synthesizer runs the final summary loop. Defaults to the planner.
	Synthesizer model.Model
	// Logger receives per-task telemetry.
	Logger logging.Logger
}

// Orchestrator plans and executes a DAG of worker tasks.
type Orchestrator struct {
	roles    map[string]WorkerRole
	tools    *tool.Registry
	engine   *toolexec.Engine
	defModel model.Model
	opts     Options

	// completed and sessions are the only state touched by concurrent task
	// goroutines; every access holds mu.
	mu        sync.Mutex
	completed map[int]TaskResult
	sessions  map[string]*workerSession
}

// New creates an orchestrator over the given worker roles.
func New(defModel model.Model, tools *tool.Registry, engine *toolexec.Engine, roles []WorkerRole, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{Logger: logging.NewNoOpLogger()}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Planner == nil {
		opts.Planner = defModel
	}
	if opts.Synthesizer == nil {
		opts.Synthesizer = opts.Planner
	}

	roleMap := make(map[string]WorkerRole, len(roles))
	for _, role := range roles {
		roleMap[role.Name] = role
	}

	return &Orchestrator{
		roles:    roleMap,
		tools:    tools,
		engine:   engine,
		defModel: defModel,
		opts:     opts,
	}
}

// Run plans, executes and synthesizes. Partial results are returned alongside
// the error when execution aborts midway.
func (o *Orchestrator) Run(ctx context.Context, goal string) (*Result, error) {
	plan, err := o.plan(ctx, goal)
	if err != nil {
		return nil, err
	}

	result := &Result{Plan: plan}

	o.mu.Lock()
	o.completed = make(map[int]TaskResult, len(plan))
	o.sessions = make(map[string]*workerSession)
	o.mu.Unlock()

	if err := o.execute(ctx, plan); err != nil {
		result.Tasks = o.results(plan)
		return result, err
	}

	result.Tasks = o.results(plan)
	result.Summary, err = o.synthesize(ctx, goal, result.Tasks)
	if err != nil {
		return result, err
	}

	return result, nil
}

// Execute runs a pre-validated plan without a planning phase. Useful when the
// caller supplies the task list directly.
func (o *Orchestrator) Execute(ctx context.Context, plan []PlannedTask) ([]TaskResult, error) {
	o.mu.Lock()
	o.completed = make(map[int]TaskResult, len(plan))
	o.sessions = make(map[string]*workerSession)
	o.mu.Unlock()

	err := o.execute(ctx, plan)
	return o.results(plan), err
}

// plan runs one lightweight non-delegating loop whose sole output is the task
// list, then validates it.
func (o *Orchestrator) plan(ctx context.Context, goal string) ([]PlannedTask, error) {
	prompt := o.planPrompt(goal)

	l := loop.New(o.opts.Planner, o.engine, nil, core.NewConversation(), func(lo *loop.Options) {
		lo.MaxTurns = 1
		lo.Author = "planner"
		lo.Logger = o.opts.Logger
	})

	last, text := loop.FinalText(l.Run(ctx, prompt))
	switch last.Kind {
	case core.EventDone:
	case core.EventInterrupted:
		return nil, context.Canceled
	default:
		return nil, fmt.Errorf("planning failed: %s", last.Err)
	}

	return ParsePlan(text, o.roles)
}

func (o *Orchestrator) planPrompt(goal string) string {
	names := make([]string, 0, len(o.roles))
	for name := range o.roles {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("Break the following goal into tasks for the available workers.\n\nWorkers:\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "- %s: %s\n", name, o.roles[name].Description)
	}
	sb.WriteString("\nReply with only a JSON array of objects ")
	sb.WriteString(`{"index": <0-based position>, "worker_role": "<worker>", "task": "<instruction>", "depends_on": [<indices>]}. `)
	sb.WriteString("A task may only depend on earlier indices.\n\nGoal: ")
	sb.WriteString(goal)

	return sb.String()
}

// execute drives coarse-grained wavefront scheduling: launch every ready
// task, await the whole wave, recompute readiness.
func (o *Orchestrator) execute(ctx context.Context, plan []PlannedTask) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		o.mu.Lock()
		remaining := len(plan) - len(o.completed)
		o.mu.Unlock()
		if remaining == 0 {
			return nil
		}

		ready, blocked := o.readiness(plan)

		if len(ready) == 0 {
			if len(blocked) > 0 {
				// Dependencies failed; cascade unreachability and continue so
				// deeper dependents resolve too.
				o.mu.Lock()
				for _, task := range blocked {
					o.completed[task.Index] = TaskResult{
						Index:  task.Index,
						Role:   task.WorkerRole,
						Status: StatusUnreachable,
						Err:    "blocked by failed dependency",
					}
				}
				o.mu.Unlock()
				continue
			}
			return ErrDeadlock
		}

		var wg sync.WaitGroup
		for _, task := range ready {
			wg.Add(1)
			go func(task PlannedTask) {
				defer wg.Done()
				o.runTask(ctx, task)
			}(task)
		}
		wg.Wait()
	}
}

// readiness partitions unfinished tasks into ready (all dependencies done)
// and blocked (some dependency terminally failed or unreachable).
func (o *Orchestrator) readiness(plan []PlannedTask) (ready, blocked []PlannedTask) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, task := range plan {
		if _, terminal := o.completed[task.Index]; terminal {
			continue
		}

		allDone := true
		anyFailed := false
		for _, dep := range task.DependsOn {
			res, ok := o.completed[dep]
			if !ok {
				allDone = false
				break
			}
			if res.Status != StatusDone {
				anyFailed = true
			}
		}

		switch {
		case allDone && anyFailed:
			blocked = append(blocked, task)
		case allDone:
			ready = append(ready, task)
		}
	}

	return ready, blocked
}

// runTask executes one DAG node on its role's persistent session. Errors are
// absorbed into the task result; siblings keep running.
func (o *Orchestrator) runTask(ctx context.Context, task PlannedTask) {
	session := o.session(task.WorkerRole)

	session.mu.Lock()
	defer session.mu.Unlock()

	prompt := o.taskPrompt(session, task)
	tools := o.tools.Resolve(session.role.AllowedTools, session.role.DisallowedTools)

	l := loop.New(session.mdl, o.engine, tools, session.conv, func(lo *loop.Options) {
		lo.MaxTurns = session.role.MaxTurns
		lo.Author = task.WorkerRole
		lo.Logger = o.opts.Logger
	})

	result := TaskResult{
		Index:   task.Index,
		Role:    task.WorkerRole,
		Started: time.Now(),
	}

	last, text := loop.FinalText(l.Run(ctx, prompt))
	result.Finished = time.Now()

	switch last.Kind {
	case core.EventDone:
		result.Status = StatusDone
		result.Output = text
	case core.EventMaxTurns:
		result.Status = StatusError
		result.Err = fmt.Sprintf("turn bound reached after %d turns", last.Turn)
	case core.EventInterrupted:
		result.Status = StatusError
		result.Err = "interrupted"
	default:
		result.Status = StatusError
		result.Err = last.Err
	}

	session.started = true

	o.opts.Logger.Debug(fmt.Sprintf("task %d (%s) finished with status %s", task.Index, task.WorkerRole, result.Status))

	o.mu.Lock()
	o.completed[task.Index] = result
	o.mu.Unlock()
}

// session returns the persistent session for a role, creating it on first use.
func (o *Orchestrator) session(role string) *workerSession {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s, ok := o.sessions[role]; ok {
		return s
	}

	cfg := o.roles[role]
	mdl := cfg.Model
	if mdl == nil {
		mdl = o.defModel
	}

	s := &workerSession{role: cfg, mdl: mdl, conv: core.NewConversation()}
	o.sessions[role] = s

	return s
}

// taskPrompt assembles the per-task prompt: role instructions on the role's
// first task only, a tool-restriction notice when the role's tool set is
// filtered, a dependency-context block from completed dependency outputs, and
// the instruction itself.
func (o *Orchestrator) taskPrompt(session *workerSession, task PlannedTask) string {
	var sb strings.Builder

	if !session.started && session.role.SystemPrompt != "" {
		sb.WriteString(session.role.SystemPrompt)
		sb.WriteString("\n\n")
	}

	if !session.role.AllowsAllTools() {
		fmt.Fprintf(&sb, "You may only use these tools: %s.\n\n", strings.Join(session.role.AllowedTools, ", "))
	}

	if len(task.DependsOn) > 0 {
		o.mu.Lock()
		deps := make([]TaskResult, 0, len(task.DependsOn))
		for _, dep := range task.DependsOn {
			if res, ok := o.completed[dep]; ok && res.Status == StatusDone {
				deps = append(deps, res)
			}
		}
		o.mu.Unlock()

		if len(deps) > 0 {
			sb.WriteString("Results from earlier tasks you depend on:\n")
			for _, dep := range deps {
				fmt.Fprintf(&sb, "--- task %d (%s) ---\n%s\n", dep.Index, dep.Role, dep.Output)
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString(task.Task)

	return sb.String()
}

// AllowsAllTools reports whether the role exposes the unfiltered registry.
func (r WorkerRole) AllowsAllTools() bool {
	if len(r.DisallowedTools) > 0 {
		return false
	}
	if len(r.AllowedTools) == 0 {
		return true
	}
	return len(r.AllowedTools) == 1 && r.AllowedTools[0] == core.AllToolsWildcard
}

// results orders terminal task results by index, padding tasks that never
// reached a terminal state (cancellation mid-run) as pending.
func (o *Orchestrator) results(plan []PlannedTask) []TaskResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]TaskResult, len(plan))
	for i, task := range plan {
		if res, ok := o.completed[task.Index]; ok {
			out[i] = res
			continue
		}
		out[i] = TaskResult{Index: task.Index, Role: task.WorkerRole, Status: StatusPending}
	}

	return out
}

// synthesize runs one final loop over all task results to produce the
// human-readable summary.
func (o *Orchestrator) synthesize(ctx context.Context, goal string, tasks []TaskResult) (string, error) {
	var sb strings.Builder
	sb.WriteString("Summarize the outcome of this orchestrated run for the user.\n\nGoal: ")
	sb.WriteString(goal)
	sb.WriteString("\n\nTask results:\n")
	for _, task := range tasks {
		fmt.Fprintf(&sb, "--- task %d (%s, %s) ---\n", task.Index, task.Role, task.Status)
		if task.Output != "" {
			sb.WriteString(task.Output)
			sb.WriteString("\n")
		}
		if task.Err != "" {
			fmt.Fprintf(&sb, "error: %s\n", task.Err)
		}
	}

	l := loop.New(o.opts.Synthesizer, o.engine, nil, core.NewConversation(), func(lo *loop.Options) {
		lo.MaxTurns = 1
		lo.Author = "synthesizer"
		lo.Logger = o.opts.Logger
	})

	last, text := loop.FinalText(l.Run(ctx, sb.String()))
	switch last.Kind {
	case core.EventDone:
		return text, nil
	case core.EventInterrupted:
		return "", context.Canceled
	default:
		return "", fmt.Errorf("synthesis failed: %s", last.Err)
	}
}
