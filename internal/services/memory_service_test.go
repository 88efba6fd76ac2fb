package services

import (
	"context"
	"strings"
	"testing"

	"mira/internal/models"
)

func TestStoreValidation(t *testing.T) {
	svc := NewMemoryService(newTestDB(t))
	ctx := context.Background()

	if err := svc.Store(ctx, StoreMemoryInput{Layer: models.MemoryLayerSemantic, Importance: 0.5}); err == nil {
		t.Error("empty content accepted")
	}
	if err := svc.Store(ctx, StoreMemoryInput{Layer: "procedural", Content: "x", Importance: 0.5}); err == nil {
		t.Error("unknown layer accepted")
	}
	if err := svc.Store(ctx, StoreMemoryInput{Layer: models.MemoryLayerSemantic, Content: "x", Importance: 1.5}); err == nil {
		t.Error("importance above 1 accepted")
	}
	if err := svc.Store(ctx, StoreMemoryInput{Layer: models.MemoryLayerEpisodic, Content: "x", Importance: 0.5}); err != nil {
		t.Errorf("valid memory rejected: %v", err)
	}
}

func TestRecallRanksBySimilarity(t *testing.T) {
	svc := NewMemoryService(newTestDB(t))
	ctx := context.Background()

	entries := []StoreMemoryInput{
		{Layer: models.MemoryLayerSemantic, Content: "The engineering department budget review happens every quarter", Importance: 0.5},
		{Layer: models.MemoryLayerSemantic, Content: "Parental leave requests need manager approval before HR sign-off", Importance: 0.5},
		{Layer: models.MemoryLayerSemantic, Content: "The office coffee machine is on the third floor", Importance: 0.5},
	}
	for _, e := range entries {
		if err := svc.Store(ctx, e); err != nil {
			t.Fatalf("store failed: %v", err)
		}
	}

	got, err := svc.Recall(ctx, RecallInput{Query: "how do I approve a parental leave request", Limit: 3})
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	if !strings.Contains(got[0].Content, "Parental leave") {
		t.Fatalf("most similar memory not ranked first: %q", got[0].Content)
	}
}

func TestRecallImportanceBreaksSimilarityTies(t *testing.T) {
	svc := NewMemoryService(newTestDB(t))
	ctx := context.Background()

	// Identical content, so similarity and (near enough) recency match;
	// importance must decide the order.
	low := StoreMemoryInput{Layer: models.MemoryLayerSemantic, Content: "Salary bands were updated in March", Importance: 0.2}
	high := StoreMemoryInput{Layer: models.MemoryLayerSemantic, Content: "Salary bands were updated in March", Importance: 0.9}
	if err := svc.Store(ctx, low); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if err := svc.Store(ctx, high); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	got, err := svc.Recall(ctx, RecallInput{Query: "salary bands", Limit: 2})
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].Importance <= got[1].Importance {
		t.Fatalf("higher-importance entry not first: %v then %v", got[0].Importance, got[1].Importance)
	}
}

func TestRecallMinImportanceExcludes(t *testing.T) {
	svc := NewMemoryService(newTestDB(t))
	ctx := context.Background()

	if err := svc.Store(ctx, StoreMemoryInput{Layer: models.MemoryLayerEpisodic, Content: "trivial chit-chat", Importance: 0.1}); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if err := svc.Store(ctx, StoreMemoryInput{Layer: models.MemoryLayerEpisodic, Content: "important policy detail", Importance: 0.8}); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	got, err := svc.Recall(ctx, RecallInput{Query: "anything", MinImportance: 0.5})
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	if len(got) != 1 || !strings.Contains(got[0].Content, "important") {
		t.Fatalf("min-importance filter failed: %+v", got)
	}
}

func TestRecallLayerFilter(t *testing.T) {
	svc := NewMemoryService(newTestDB(t))
	ctx := context.Background()

	if err := svc.Store(ctx, StoreMemoryInput{Layer: models.MemoryLayerEpisodic, Content: "raw exchange trace", Importance: 0.3}); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if err := svc.Store(ctx, StoreMemoryInput{Layer: models.MemoryLayerStrategic, Content: "user prefers salaries in EUR", Importance: 0.7}); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	got, err := svc.Recall(ctx, RecallInput{Query: "salaries", Layers: []string{models.MemoryLayerStrategic}})
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	if len(got) != 1 || got[0].Layer != models.MemoryLayerStrategic {
		t.Fatalf("layer filter failed: %+v", got)
	}
}

func TestRecallForPromptMergesEntityScoped(t *testing.T) {
	svc := NewMemoryService(newTestDB(t))
	ctx := context.Background()

	stores := []StoreMemoryInput{
		{Layer: models.MemoryLayerSemantic, Content: "Company-wide remote work policy allows two days per week", Importance: 0.6},
		{Layer: models.MemoryLayerSemantic, Content: "Jordan Reyes asked about relocation support", Importance: 0.5,
			EntityType: "employee", EntityID: "3"},
		{Layer: models.MemoryLayerEpisodic, Content: "Jordan Reyes call notes from onboarding week", Importance: 0.4,
			EntityType: "employee", EntityID: "3"},
	}
	for _, e := range stores {
		if err := svc.Store(ctx, e); err != nil {
			t.Fatalf("store failed: %v", err)
		}
	}

	got, err := svc.RecallForPrompt(ctx, "relocation support policy", "employee", "3")
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}

	seen := map[string]int{}
	var hasGeneral, hasScoped bool
	for _, m := range got {
		seen[m.ID]++
		if m.EntityID == "3" {
			hasScoped = true
		} else {
			hasGeneral = true
		}
	}
	if !hasScoped || !hasGeneral {
		t.Fatalf("merge missing a source: scoped=%v general=%v (%d results)", hasScoped, hasGeneral, len(got))
	}
	for id, n := range seen {
		if n > 1 {
			t.Fatalf("entry %s appears %d times after dedup", id, n)
		}
	}

	// The episodic entry is reachable only through the entity-scoped recall;
	// the general recall is limited to semantic and strategic layers.
	var hasEpisodic bool
	for _, m := range got {
		if m.Layer == models.MemoryLayerEpisodic {
			hasEpisodic = true
		}
	}
	if !hasEpisodic {
		t.Fatal("entity-scoped recall should surface episodic entries")
	}
}

func TestRecallForPromptWithoutEntity(t *testing.T) {
	svc := NewMemoryService(newTestDB(t))
	ctx := context.Background()

	if err := svc.Store(ctx, StoreMemoryInput{Layer: models.MemoryLayerEpisodic, Content: "an exchange trace", Importance: 0.3}); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if err := svc.Store(ctx, StoreMemoryInput{Layer: models.MemoryLayerSemantic, Content: "a standing fact", Importance: 0.6}); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	got, err := svc.RecallForPrompt(ctx, "facts", "", "")
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	for _, m := range got {
		if m.Layer == models.MemoryLayerEpisodic {
			t.Fatalf("episodic entry leaked into general prompt recall: %+v", m.MemoryEntry)
		}
	}
	if len(got) != 1 {
		t.Fatalf("expected only the semantic entry, got %d results", len(got))
	}
}

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 0, 3.75}
	decoded := decodeVector(encodeVector(vec))
	if len(decoded) != len(vec) {
		t.Fatalf("length mismatch: %d != %d", len(decoded), len(vec))
	}
	for i := range vec {
		if decoded[i] != vec[i] {
			t.Fatalf("element %d: %v != %v", i, decoded[i], vec[i])
		}
	}
	if decodeVector([]byte{1, 2, 3}) != nil {
		t.Error("truncated blob should decode to nil")
	}
}
