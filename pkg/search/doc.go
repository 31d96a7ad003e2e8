// Package search ranks facts against a query vector with stable keyset
// pagination.
//
// # Ranking
//
// Similarity is cosine similarity quantized to utils.SimilarityDecimals
// places. The same quantized value is used to apply the threshold, to order
// rows and to compare against a cursor, so ties stay ties across pages.
//
// Rows are ordered by (similarity DESC, id DESC). The threshold is inclusive.
// A cursor (lastId, lastSimilarity) admits a row iff
//
//	similarity < lastSimilarity OR (similarity = lastSimilarity AND id < lastId)
//
// # Pagination
//
// The Engine asks its Backend for limit+1 rows. If the extra row arrives the
// page is truncated to limit, HasMore is set and NextCursor points at the
// last retained row; otherwise no cursor is returned.
//
// # Backends
//
// A Backend either pushes the ranking into SQL (pgvector) or loads candidate
// vectors and calls Rank, the in-memory ranker shared by every store.
//
// # Failures
//
// A failed search returns an empty, non-nil page together with an error that
// wraps ErrSearchFailed, so callers can tell "no matches" from "search failed"
// and still render the page.
package search
