package semantic

// VectorRecord represents a single vector to store in Qdrant.
type VectorRecord struct {
	ID        string
	Embedding []float32
	Payload   map[string]any // question, answer, main_category, category, importance, keywords, resources, ...
}

// SearchResult represents a single vector search hit. Payload values are
// decoded to string, int64, float64, bool, []any, map[string]any or nil.
type SearchResult struct {
	ID      string         `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// SearchOptions narrows a similarity search.
type SearchOptions struct {
	TopK           int
	Category       string   // exact match on the category payload field
	MinImportance  *float64 // importance >= MinImportance
	ScoreThreshold float32  // drop hits scoring below this; 0 disables
}

// Payload field names that carry filters and get payload indexes.
const (
	FieldCategory     = "category"
	FieldMainCategory = "main_category"
	FieldImportance   = "importance"
	FieldRecordID     = "record_id"
)
