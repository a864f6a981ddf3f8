// Package toolexec executes the tool-use batches emitted by model turns.
//
// A batch runs sequentially unless every requested tool declares itself
// concurrency safe, in which case the engine fans out with a bounded worker
// pool. Every tool-use id yields exactly one result block, including the
// failure paths (unknown tool, hook veto, panic, cancellation), so the
// conversation history always pairs each tool_use with a tool_result.
package toolexec
