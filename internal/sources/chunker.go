// Package sources implements the ingestion pipeline: a three-node graph
// (extract → persist+embed → transform) that turns an upload, link, or
// raw text into searchable, enriched content. Each node is idempotent on
// re-entry so a retry replaces rather than appends.
package sources

// Default chunking geometry: ~1000-character windows sliding by 800, so
// consecutive chunks share 200 characters of context.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// ChunkText splits text into overlapping windows of size runes with
// overlap runes shared between neighbours. The last chunk may be
// shorter. Text at or under size comes back as a single chunk; for
// longer text of rune length L the count is ceil((L-overlap)/(size-overlap)).
func ChunkText(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	step := size - overlap
	var chunks []string
	for start := 0; ; start += step {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			return chunks
		}
		chunks = append(chunks, string(runes[start:end]))
	}
}
