// Package query is a small predicate IR for source-chain queries.
//
// Predicates are a sealed set (HeaderTypeIs, EntryTypeIs, AuthorIs,
// SeqRange, And). Compile turns a predicate into parameterized SQL over
// one scope of the element store. Values are never interpolated, and every
// compiled query carries a deterministic ORDER BY:
//
//	author ASC COLLATE BINARY, header_seq ASC, header_hash ASC COLLATE BINARY
//
// so that two nodes holding the same data answer a query identically.
package query
