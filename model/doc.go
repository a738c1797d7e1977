// Package model defines the provider‑agnostic abstractions for interacting
// with language models inside Ingenious.
//
// Core goals:
//   - Unify streaming + non‑streaming generation behind a single interface
//   - Normalize tool / function call representation (ToolDefinition)
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (OpenAI, Azure OpenAI, Anthropic) implement Model in sub-packages
// so agents remain decoupled from vendor SDKs.
package model
