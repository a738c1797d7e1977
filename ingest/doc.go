// Package ingest turns files into retrieval passages.
//
// A Pipeline loads documents (plain text, Markdown, JSON and JSON Lines),
// splits them into overlapping chunks, assigns every chunk a stable id and
// hands the result to a core.Indexer.
//
// Config.Strategy selects the splitter. "recursive" (the default) cuts on
// paragraph, line and word separators within a character budget,
// "markdown" additionally keeps headings with their sections and "token"
// budgets chunks in tiktoken tokens. Further strategies can be added with
// RegisterStrategy.
//
// Chunk ids have the form
//
//	<source>#p<page>.<position>-<digest>
//
// where source is derived from the file path according to the configured
// IDPathMode, page is the record index inside the file, position counts the
// chunks of that page and digest is a truncated SHA-256 of the chunk text.
// Re-running the pipeline over unchanged input yields the same ids, so
// indexers replace passages instead of duplicating them.
package ingest
