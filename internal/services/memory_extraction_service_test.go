package services

import (
	"context"
	"testing"

	"mira/internal/models"
)

func TestParseExtractedItems(t *testing.T) {
	raw := `Here is what I found:
[{"summary": "s", "content": "c", "layer": "semantic", "importance": 0.8}]
Hope that helps.`
	items := parseExtractedItems(raw)
	if len(items) != 1 || items[0].Layer != "semantic" || items[0].Importance != 0.8 {
		t.Fatalf("parseExtractedItems = %+v", items)
	}

	if items := parseExtractedItems("no json here"); items != nil {
		t.Fatalf("expected nil for prose, got %+v", items)
	}
	if items := parseExtractedItems(`[{"broken": `); items != nil {
		t.Fatalf("expected nil for truncated json, got %+v", items)
	}
	if items := parseExtractedItems("[]"); len(items) != 0 {
		t.Fatalf("expected empty for empty array, got %+v", items)
	}
}

func TestProcessPendingStoresMemories(t *testing.T) {
	db := newTestDB(t)
	sessions := NewSessionService(db)
	memory := NewMemoryService(db)
	completer := &fakeCompleter{responses: []string{
		`[
			{"summary": "Prefers EUR", "content": "The user wants salaries shown in EUR", "layer": "strategic", "importance": 0.8},
			{"summary": "Small talk", "content": "The user said good morning", "layer": "semantic", "importance": 0.1},
			{"summary": "Bad layer", "content": "whatever", "layer": "procedural", "importance": 0.9}
		]`,
	}}
	svc := NewMemoryExtractionService(memory, sessions, completer)

	ctx := context.Background()
	session, err := sessions.CreateSession(ctx, "u1", "test")
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if _, err := sessions.AppendTurn(ctx, session.ID, models.RoleUser, "show salaries in EUR from now on"); err != nil {
		t.Fatalf("failed to append turn: %v", err)
	}
	if _, err := sessions.AppendTurn(ctx, session.ID, models.RoleAssistant, "Noted, I will use EUR."); err != nil {
		t.Fatalf("failed to append turn: %v", err)
	}

	// Duplicate jobs for one session collapse into a single extraction.
	svc.Enqueue(session.ID)
	svc.Enqueue(session.ID)
	svc.ProcessPending(ctx)

	if completer.callCount() != 1 {
		t.Fatalf("expected 1 extraction call, got %d", completer.callCount())
	}

	var strategic, episodic, total int
	rows, err := db.Query("SELECT layer FROM memories")
	if err != nil {
		t.Fatalf("failed to query memories: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var layer string
		if err := rows.Scan(&layer); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		total++
		switch layer {
		case models.MemoryLayerStrategic:
			strategic++
		case models.MemoryLayerEpisodic:
			episodic++
		}
	}

	// One strategic item survives the importance and layer filters; the
	// episodic trace of the exchange is always written.
	if strategic != 1 {
		t.Errorf("strategic memories = %d, want 1", strategic)
	}
	if episodic != 1 {
		t.Errorf("episodic traces = %d, want 1", episodic)
	}
	if total != 2 {
		t.Errorf("total memories = %d, want 2", total)
	}
}

func TestProcessPendingSurvivesBadModelOutput(t *testing.T) {
	db := newTestDB(t)
	sessions := NewSessionService(db)
	memory := NewMemoryService(db)
	completer := &fakeCompleter{responses: []string{"I don't feel like emitting JSON today."}}
	svc := NewMemoryExtractionService(memory, sessions, completer)

	ctx := context.Background()
	session, err := sessions.CreateSession(ctx, "u1", "test")
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if _, err := sessions.AppendTurn(ctx, session.ID, models.RoleUser, "hello"); err != nil {
		t.Fatalf("failed to append turn: %v", err)
	}
	if _, err := sessions.AppendTurn(ctx, session.ID, models.RoleAssistant, "hi there"); err != nil {
		t.Fatalf("failed to append turn: %v", err)
	}

	svc.Enqueue(session.ID)
	svc.ProcessPending(ctx)

	// The episodic trace still lands; nothing blows up.
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM memories WHERE layer = ?", models.MemoryLayerEpisodic).Scan(&count); err != nil {
		t.Fatalf("failed to count memories: %v", err)
	}
	if count != 1 {
		t.Fatalf("episodic traces = %d, want 1", count)
	}
}
