// Package transport multiplexes many concurrent conversations over a single
// duplex JSON-RPC-like connection to a language-server-style model endpoint.
//
// A Conn correlates responses to outstanding requests by id, routes
// out-of-band progress notifications to the listener registered for their
// token and routes server-initiated requests (tool invocations) to a
// dispatch handler. Endpoint builds on Conn to expose a remote conversation
// as a model.Model.
package transport
