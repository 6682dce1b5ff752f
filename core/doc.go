// Package core provides the foundational domain types and collaborator
// interfaces used by PromptMesh. It defines:
//
//   - Commands (inbound requests: prompt, answer-question, interrupt, cancel)
//   - Events (outbound records: response chunks, finished responses, logs,
//     questions, context updates)
//   - Task lifecycle states and their legal transitions
//   - The Coder execution context, its IO callback surface and the Forker
//     derivation operation
//   - The reflection limiter bounding follow-up rounds
//
// The package keeps implementation concerns (loop, registry, streaming,
// transport) out of scope, exposing small interfaces so that generation
// backends and transports can be swapped independently.
package core
