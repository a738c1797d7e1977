// Package store groups the ConversationStore backends:
//
//   - memory: process local, for tests and single-process deployments
//   - redis: shared state via go-redis with optimistic transactions
//   - sqlite: durable single-file storage via modernc.org/sqlite
//
// The storetest sub-package holds a conformance suite every backend runs.
package store
