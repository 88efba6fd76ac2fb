package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"mira/internal/database"
	"mira/internal/models"
)

// newTestDB opens a throwaway SQLite database with the full schema and seed
// data applied.
func newTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.Initialize(); err != nil {
		t.Fatalf("failed to initialize test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// fakeCompleter scripts model responses for tests. Responses are consumed in
// order; the last one repeats once the script runs out. An optional fn
// overrides the script entirely.
type fakeCompleter struct {
	mu        sync.Mutex
	responses []string
	fn        func(messages []models.PromptMessage) (string, error)
	err       error

	calls    int
	received [][]models.PromptMessage
}

func (f *fakeCompleter) Complete(_ context.Context, messages []models.PromptMessage, _ CompleteOptions) (*models.CompletionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	copied := make([]models.PromptMessage, len(messages))
	copy(copied, messages)
	f.received = append(f.received, copied)

	if f.err != nil {
		return nil, f.err
	}
	if f.fn != nil {
		content, err := f.fn(messages)
		if err != nil {
			return nil, err
		}
		return &models.CompletionResult{Content: content, Provider: "fake"}, nil
	}

	idx := f.calls - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	if idx < 0 {
		return &models.CompletionResult{Content: "", Provider: "fake"}, nil
	}
	return &models.CompletionResult{Content: f.responses[idx], Provider: "fake"}, nil
}

// chatMessages builds a minimal system+user prompt for tool loop tests.
func chatMessages(userContent string) []models.PromptMessage {
	return []models.PromptMessage{
		{Role: models.RoleSystem, Content: "You are an HR assistant with SQL lookup directives."},
		{Role: models.RoleUser, Content: userContent},
	}
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeCompleter) messagesOfCall(n int) []models.PromptMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < 1 || n > len(f.received) {
		return nil
	}
	return f.received[n-1]
}
