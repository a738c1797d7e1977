// Package retrieval holds the backend independent parts of the retrieval
// index: result normalisation, a Guard enforcing the ranking contract for any
// core.Retriever, and an Aggregator fanning a query out to several indexes.
//
// Backends live in sub packages:
//
//   - lexical: in-process term overlap scoring
//   - vector: embeddings with cosine similarity
//   - sqlite: SQLite FTS5 with bm25 ranking
package retrieval
