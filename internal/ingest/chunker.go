// Package ingest turns raw documents into embedding records: a sliding-window
// chunker with overlap, and a pipeline that embeds each chunk and writes it
// to a retrieval store under a deterministic id.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ChunkPolicy controls how a document is split. Boundaries are a
// configuration concern, not hardcoded in the pipeline.
type ChunkPolicy struct {
	// MaxChunkSize is the window size in runes. Must be > 0.
	MaxChunkSize int

	// Overlap is how many runes consecutive chunks share. Must be >= 0 and
	// < MaxChunkSize.
	Overlap int
}

// Validate checks the policy parameters.
func (p ChunkPolicy) Validate() error {
	if p.MaxChunkSize <= 0 {
		return fmt.Errorf("maxChunkSize must be > 0, got %d", p.MaxChunkSize)
	}
	if p.Overlap < 0 {
		return fmt.Errorf("overlap must be >= 0, got %d", p.Overlap)
	}
	if p.Overlap >= p.MaxChunkSize {
		return fmt.Errorf("overlap %d must be smaller than maxChunkSize %d", p.Overlap, p.MaxChunkSize)
	}
	return nil
}

// Chunk is one bounded slice of a source document.
type Chunk struct {
	ID    string // Deterministic: derived from (sourceID, Index)
	Index int    // 0-based position within the document
	Text  string
}

// Split cuts text into overlapping windows. For a text longer than the
// window, consecutive windows advance by MaxChunkSize-Overlap runes, so the
// chunk count is ceil((len-overlap)/(maxChunkSize-overlap)). Shorter texts
// produce a single chunk; empty text produces none.
//
// Chunk ids depend only on (sourceID, index), so re-splitting the same
// document yields the same ids and re-ingestion is idempotent.
func Split(sourceID, text string, policy ChunkPolicy) ([]Chunk, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}

	runes := []rune(text)
	step := policy.MaxChunkSize - policy.Overlap

	var chunks []Chunk
	for i := 0; ; i++ {
		start := i * step
		end := start + policy.MaxChunkSize
		if end >= len(runes) {
			chunks = append(chunks, Chunk{
				ID:    ChunkID(sourceID, i),
				Index: i,
				Text:  string(runes[start:]),
			})
			break
		}
		chunks = append(chunks, Chunk{
			ID:    ChunkID(sourceID, i),
			Index: i,
			Text:  string(runes[start:end]),
		})
	}
	return chunks, nil
}

// ChunkID derives the deterministic record id for a chunk.
func ChunkID(sourceID string, index int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%d", sourceID, index))
	return "chunk_" + hex.EncodeToString(sum[:16])
}
