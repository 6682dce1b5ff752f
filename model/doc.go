// Package model defines the provider‑agnostic abstractions for talking to
// language models inside PromptMesh.
//
// Core goals:
//   - Unify streaming + non‑streaming generation behind a single interface
//   - Keep request/response shapes minimal and transport independent
//   - Report token usage so coders can compute cost
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (OpenAI, Anthropic) implement the Model interface from this
// package so higher layers (coders, the orchestrator) remain decoupled from
// vendor SDKs.
package model
