// Package mailbox implements team-style messaging between persistent worker
// agents.
//
// A worker alternates between executing its current prompt and polling its
// mailbox in strict priority order: direct caller messages, shutdown
// requests, messages from the coordinator, messages from anyone else, then
// unclaimed entries on the shared task list. Stores are pluggable; the
// in-memory store serves single-process teams and the nats subpackage backs
// the same interface with JetStream for multi-process deployments.
package mailbox
