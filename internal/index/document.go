package index

// Document is the indexed projection of a note. A segment stores every
// document's id three times: as a stored field returned with the document,
// as a point used for exact and range matching, and as a doc value used for
// ordering. The body is stored and analyzed for full-text search.
type Document struct {
	ID   uint64
	Body string
}
