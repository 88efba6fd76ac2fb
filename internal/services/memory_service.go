package services

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"mira/internal/database"
	"mira/internal/embedding"
	"mira/internal/models"
)

// Hybrid recall score weights
const (
	recallSimilarityWeight = 0.6
	recallRecencyWeight    = 0.2
	recallImportanceWeight = 0.2

	// DefaultRecallLimit caps recall result sets unless the caller overrides it
	DefaultRecallLimit = 5
)

// MemoryService handles layered long-term memory over the SQLite store.
// Writes are fire-and-forget from the chat path: callers log failures and
// never propagate them into the user-visible response.
type MemoryService struct {
	db *database.DB
}

// NewMemoryService creates a new memory service
func NewMemoryService(db *database.DB) *MemoryService {
	return &MemoryService{db: db}
}

// StoreMemoryInput describes one memory to persist.
type StoreMemoryInput struct {
	Layer      string
	Content    string
	Summary    string
	Importance float64
	EntityType string
	EntityID   string
	SourceType string
}

// RecallInput describes one recall query.
type RecallInput struct {
	Query         string
	Layers        []string
	EntityType    string
	EntityID      string
	Limit         int
	MinImportance float64
}

// ScoredMemory is a recalled entry with its hybrid score.
type ScoredMemory struct {
	models.MemoryEntry
	Score float64
}

// Store persists one memory entry with its embedding.
func (s *MemoryService) Store(ctx context.Context, input StoreMemoryInput) error {
	if input.Content == "" {
		return fmt.Errorf("memory content is required")
	}
	if !models.ValidLayer(input.Layer) {
		return fmt.Errorf("invalid memory layer: %q", input.Layer)
	}
	if input.Importance < 0 || input.Importance > 1 {
		return fmt.Errorf("importance %v outside [0,1]", input.Importance)
	}
	if input.SourceType == "" {
		input.SourceType = models.MemorySourceChat
	}

	embedText := input.Content
	if input.Summary != "" {
		embedText = input.Summary + "\n" + input.Content
	}
	vec := embedding.Embed(embedText)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, layer, content, summary, embedding, entity_type, entity_id,
		                      source_type, importance, access_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, uuid.NewString(), input.Layer, input.Content, input.Summary, encodeVector(vec),
		nullable(input.EntityType), nullable(input.EntityID), input.SourceType,
		input.Importance, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}

	GetMetrics().RecordMemoryWrite(input.Layer)
	log.Printf("🧠 [MEMORY] Stored %s memory (importance %.2f): %s",
		input.Layer, input.Importance, truncateForLog(input.Summary, 60))
	return nil
}

// Recall returns memories ranked by the hybrid score
// 0.6*similarity + 0.2*recency + 0.2*importance.
// Entries without an embedding or below MinImportance are excluded.
func (s *MemoryService) Recall(ctx context.Context, input RecallInput) ([]ScoredMemory, error) {
	if input.Limit <= 0 {
		input.Limit = DefaultRecallLimit
	}
	queryVec := embedding.Embed(input.Query)

	candidates, err := s.loadCandidates(ctx, input)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	scored := make([]ScoredMemory, 0, len(candidates))
	for _, entry := range candidates {
		sim := embedding.Similarity(queryVec, entry.Embedding)
		scored = append(scored, ScoredMemory{
			MemoryEntry: entry,
			Score: recallSimilarityWeight*sim +
				recallRecencyWeight*recencyDecay(entry.CreatedAt, now) +
				recallImportanceWeight*entry.Importance,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Importance != scored[j].Importance {
			return scored[i].Importance > scored[j].Importance
		}
		return scored[i].CreatedAt.After(scored[j].CreatedAt)
	})

	if len(scored) > input.Limit {
		scored = scored[:input.Limit]
	}

	s.touchAsync(scored)
	return scored, nil
}

// RecallForPrompt merges an entity-scoped recall with a general recall over
// the semantic and strategic layers. The union is deduplicated by entry ID;
// on score ties the entity-scoped result orders first.
func (s *MemoryService) RecallForPrompt(ctx context.Context, query, entityType, entityID string) ([]ScoredMemory, error) {
	general, err := s.Recall(ctx, RecallInput{
		Query:  query,
		Layers: []string{models.MemoryLayerSemantic, models.MemoryLayerStrategic},
	})
	if err != nil {
		return nil, err
	}

	if entityType == "" || entityID == "" {
		return general, nil
	}

	scoped, err := s.Recall(ctx, RecallInput{
		Query:      query,
		EntityType: entityType,
		EntityID:   entityID,
	})
	if err != nil {
		return nil, err
	}

	merged := make([]ScoredMemory, 0, len(scoped)+len(general))
	seen := make(map[string]bool, len(scoped))
	for _, m := range scoped {
		merged = append(merged, m)
		seen[m.ID] = true
	}
	for _, m := range general {
		if !seen[m.ID] {
			merged = append(merged, m)
		}
	}

	// Stable sort keeps entity-scoped entries ahead of equal-scored general ones.
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	return merged, nil
}

// loadCandidates fetches entries matching the structural filters; scoring is
// done in process over the decoded embeddings.
func (s *MemoryService) loadCandidates(ctx context.Context, input RecallInput) ([]models.MemoryEntry, error) {
	query := `
		SELECT id, layer, content, summary, embedding, entity_type, entity_id,
		       source_type, importance, access_count, last_accessed_at, created_at
		FROM memories
		WHERE embedding IS NOT NULL AND importance >= ?`
	args := []interface{}{input.MinImportance}

	if len(input.Layers) > 0 {
		query += " AND layer IN (?" + strings.Repeat(",?", len(input.Layers)-1) + ")"
		for _, l := range input.Layers {
			args = append(args, l)
		}
	}
	if input.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, input.EntityType)
	}
	if input.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, input.EntityID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	var entries []models.MemoryEntry
	for rows.Next() {
		var e models.MemoryEntry
		var blob []byte
		var entityType, entityID sql.NullString
		var lastAccessed sql.NullTime
		if err := rows.Scan(&e.ID, &e.Layer, &e.Content, &e.Summary, &blob,
			&entityType, &entityID, &e.SourceType, &e.Importance,
			&e.AccessCount, &lastAccessed, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		e.Embedding = decodeVector(blob)
		if e.Embedding == nil {
			continue
		}
		if entityType.Valid {
			e.EntityType = entityType.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if lastAccessed.Valid {
			t := lastAccessed.Time
			e.LastAccessedAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// touchAsync bumps access counters for recalled entries in the background.
// Best-effort: a failed bump never affects the recall result.
func (s *MemoryService) touchAsync(recalled []ScoredMemory) {
	if len(recalled) == 0 {
		return
	}
	ids := make([]interface{}, 0, len(recalled))
	for _, m := range recalled {
		ids = append(ids, m.ID)
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("⚠️ [MEMORY] Recovered from panic during access update: %v", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		query := `UPDATE memories
			SET access_count = access_count + 1, last_accessed_at = ?
			WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + ")"
		args := append([]interface{}{time.Now().UTC()}, ids...)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			log.Printf("⚠️ [MEMORY] Failed to update access counters: %v", err)
		}
	}()
}

// recencyDecay maps an entry age to (0,1]: 1 for brand new, 1/(1+days) after.
func recencyDecay(createdAt, now time.Time) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return 1 / (1 + ageDays)
}

// encodeVector packs a float32 vector as a little-endian BLOB.
func encodeVector(vec embedding.Vector) []byte {
	if vec == nil {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a BLOB written by encodeVector; returns nil on any
// malformed input.
func decodeVector(blob []byte) embedding.Vector {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vec := make(embedding.Vector, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
