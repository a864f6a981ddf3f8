// Package loop drives the turn-based conversation cycle between a model and
// the tool execution engine.
//
// One Loop instance owns one conversation. Each turn streams a model reply,
// executes any requested tools and feeds the results back into the history
// until the model stops on its own, a policy bound fires (max turns, call
// limit) or the caller cancels. Progress is reported through a single typed
// event channel that the caller drains; the last event is always terminal.
package loop
