// Package orchestrator coordinates a DAG of worker agents in three phases:
// plan, execute, synthesize.
//
// A planning loop turns the goal into a structured task list with dependency
// edges, validated before any work starts. Execution proceeds in waves: all
// tasks whose dependencies are complete launch concurrently, each on the
// persistent session of its worker role so sequential tasks for one role keep
// conversational context. A failed task never cancels its siblings; its
// dependents are reported unreachable. A final synthesis loop condenses all
// task results into a human-readable summary.
package orchestrator
