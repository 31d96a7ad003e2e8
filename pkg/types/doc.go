// Package types defines the core data types for factmemory.
//
// This package contains the fundamental types shared by every layer:
//   - CachedEmbedding: a vector computed once for an exact text string
//   - Fact: an atomic statement extracted from a chapter, bound to one embedding
//   - FactWithContext: a fact enriched with its embedding and chapter/book context
//   - SearchCursor / SearchResultPage: keyset pagination over ranked facts
//   - Book / Chapter: the owners that give facts their context
//
// # Identity
//
// Fact IDs are monotonically increasing integers assigned by the store and
// double as the pagination tie-break. Embedding IDs are opaque strings.
//
// # Cursors
//
// A SearchCursor is the (id, similarity) pair of the last fact on a page.
// Encode turns it into an opaque URL-safe token:
//
//	token := page.NextCursor.Encode()
//	cursor, err := types.DecodeCursor(token)
package types
