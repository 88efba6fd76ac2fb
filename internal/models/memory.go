package models

import "time"

// Memory layer constants
const (
	MemoryLayerEpisodic  = "episodic"  // raw exchange traces
	MemoryLayerSemantic  = "semantic"  // extracted facts
	MemoryLayerStrategic = "strategic" // extracted policies and preferences
)

// Memory source types
const (
	MemorySourceChat       = "chat"
	MemorySourceExtraction = "extraction"
)

// MemoryEntry is a single long-term memory. Content is write-once;
// AccessCount and LastAccessedAt mutate on recall.
type MemoryEntry struct {
	ID             string     `json:"id"`
	Layer          string     `json:"layer"` // episodic, semantic, strategic
	Content        string     `json:"content"`
	Summary        string     `json:"summary"`
	Embedding      []float32  `json:"-"` // owned by the memory service
	EntityType     string     `json:"entity_type,omitempty"`
	EntityID       string     `json:"entity_id,omitempty"`
	SourceType     string     `json:"source_type"`
	Importance     float64    `json:"importance"` // 0.0-1.0
	AccessCount    int64      `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ExtractedMemoryItem is one candidate memory in the extraction LLM's JSON
// output. Treated as untrusted input: items that fail validation are dropped.
type ExtractedMemoryItem struct {
	Summary    string  `json:"summary"`
	Content    string  `json:"content"`
	Layer      string  `json:"layer"`
	Importance float64 `json:"importance"`
	EntityType string  `json:"entity_type,omitempty"`
	EntityID   string  `json:"entity_id,omitempty"`
}

// ValidLayer reports whether layer is one of the known memory layers.
func ValidLayer(layer string) bool {
	switch layer {
	case MemoryLayerEpisodic, MemoryLayerSemantic, MemoryLayerStrategic:
		return true
	}
	return false
}
