// Package model defines the unified streaming interface the execution core
// uses to drive language models, together with the normalized request and
// response shapes shared by all provider adapters. Concrete adapters live in
// the model/anthropic and model/openai subpackages; the transport package
// provides an adapter speaking the multiplexed RPC surface.
package model
