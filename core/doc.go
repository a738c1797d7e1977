// Package core provides the foundational domain types and interfaces shared by
// every Ingenious component:
//
//   - Conversations and Messages (the append-only state owned by a store)
//   - Actions (the closed set of structured requests an agent may emit)
//   - Agents (single-turn actors invoked by the orchestrator)
//   - Retrieval (passages, results and the Retriever/Indexer contracts)
//   - Errors (a small Kind taxonomy shared across packages)
//
// Implementation concerns (persistence backends, model adapters, workflow
// routing) live in sibling packages and depend on core, never the reverse.
package core
