package domain

import "time"

// Role identifies who produced a turn.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleSystem   Role = "system"
)

// Turn is one immutable entry of a session's turn log. Seq is the sole
// ordering authority within a session.
type Turn struct {
	Seq       int               `json:"seq"`
	Role      Role              `json:"role"`
	Text      string            `json:"text"`
	Emotion   *EmotionReading   `json:"emotion,omitempty"`
	ToolCalls []ToolCall        `json:"toolCalls,omitempty"`
	Passages  []RetrievalResult `json:"passages,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// EmotionLabel is the closed set of emotions the classifier may report.
type EmotionLabel string

const (
	EmotionFrustrated EmotionLabel = "frustrated"
	EmotionConfused   EmotionLabel = "confused"
	EmotionUrgent     EmotionLabel = "urgent"
	EmotionHappy      EmotionLabel = "happy"
	EmotionNeutral    EmotionLabel = "neutral"
)

// Valid reports whether l is one of the known labels.
func (l EmotionLabel) Valid() bool {
	switch l {
	case EmotionFrustrated, EmotionConfused, EmotionUrgent, EmotionHappy, EmotionNeutral:
		return true
	}
	return false
}

// EmotionReading is a classifier verdict recorded on a customer turn.
type EmotionReading struct {
	Label      EmotionLabel `json:"label"`
	Confidence float64      `json:"confidence"`
}

// RetrievalResult is a ranked knowledge passage with provenance.
type RetrievalResult struct {
	Text              string    `json:"text"`
	DocumentID        string    `json:"documentId"`
	ChunkIndex        int       `json:"chunkIndex"`
	Score             float64   `json:"score"`
	BrandID           string    `json:"brandId"`
	DocumentUpdatedAt time.Time `json:"documentUpdatedAt"`
}
