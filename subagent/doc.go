// Package subagent spawns isolated child loops from agent definitions.
//
// A runner resolves the effective model and tool set for a definition, builds
// an isolated conversation (optionally forked from the caller's history) and
// drives a loop to completion, forwarding every event upward. The delegation
// tool exposes this to models; it is always excluded from a spawned agent's
// own tool set so subagents cannot nest.
package subagent
