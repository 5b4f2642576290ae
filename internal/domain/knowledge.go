package domain

import "time"

// Passage is one pre-chunked piece of a brand's knowledge base as stored
// in the index. Embedding is optional; lexical scoring ignores it.
type Passage struct {
	BrandID    string    `json:"brandId" yaml:"brand_id"`
	DocumentID string    `json:"documentId" yaml:"document_id"`
	ChunkIndex int       `json:"chunkIndex" yaml:"chunk_index"`
	Text       string    `json:"text" yaml:"text"`
	Embedding  []float32 `json:"embedding,omitempty" yaml:"embedding,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt" yaml:"updated_at"`
}
