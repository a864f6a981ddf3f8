// Package core contains the shared data model of the execution core: messages
// and their content blocks, conversations, agent definitions, loop events and
// hook contracts. Higher level packages (loop, toolexec, subagent,
// orchestrator, mailbox) build on these types; core itself depends only on
// logging and the id helper.
package core
