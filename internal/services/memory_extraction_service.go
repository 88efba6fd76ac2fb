package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"mira/internal/models"
)

// Extraction tuning
const (
	// extractionTurnCount is how many recent turns are fed to the extractor
	extractionTurnCount = 6

	// MinExtractionImportance drops trivial extracted items
	MinExtractionImportance = 0.3

	// episodicTraceImportance is the fixed importance of the raw exchange
	// trace stored for every completed exchange
	episodicTraceImportance = 0.3

	// maxPendingExtractionJobs caps the in-process queue
	maxPendingExtractionJobs = 256
)

const extractionSystemPrompt = `You are a memory extraction system for Mira, an HR assistant. Analyze the conversation excerpt and extract facts worth remembering long-term.

WHAT TO EXTRACT:
1. Facts about employees, candidates, openings or departments that were discussed
2. The user's preferences and standing instructions (e.g. "always show salaries in EUR")
3. Decisions and policies that will matter in future conversations

RULES:
- Be concise: one atomic fact per item, 1-2 sentences
- Only extract information explicitly present in the conversation
- Skip small talk and anything already obvious from the HR database
- layer is "semantic" for facts, "strategic" for preferences and policies
- importance is 0.0-1.0; reserve values above 0.7 for things that will clearly matter later
- When a fact is about one specific person or opening, set entity_type ("employee", "candidate", "opening") and entity_id

Respond with ONLY a JSON array (possibly empty):
[{"summary": "...", "content": "...", "layer": "semantic", "importance": 0.6, "entity_type": "employee", "entity_id": "3"}]`

// extractionJob is one queued request to mine a session for memories.
type extractionJob struct {
	SessionID  string
	EnqueuedAt time.Time
}

// MemoryExtractionService mines completed exchanges for long-term memories in
// the background. Every path in here is fire-and-forget relative to the chat
// response: failures are logged and swallowed, never surfaced.
type MemoryExtractionService struct {
	memoryService  *MemoryService
	sessionService *SessionService
	completer      Completer

	mu      sync.Mutex
	pending []extractionJob
}

// NewMemoryExtractionService creates a new extraction service.
func NewMemoryExtractionService(memoryService *MemoryService, sessionService *SessionService, completer Completer) *MemoryExtractionService {
	return &MemoryExtractionService{
		memoryService:  memoryService,
		sessionService: sessionService,
		completer:      completer,
	}
}

// Enqueue schedules extraction for a session. Non-blocking; drops the job
// when the queue is full (the next exchange will re-enqueue).
func (s *MemoryExtractionService) Enqueue(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) >= maxPendingExtractionJobs {
		log.Printf("⚠️ [MEMORY-EXTRACT] Queue full, dropping job for session %s", sessionID)
		return
	}
	s.pending = append(s.pending, extractionJob{SessionID: sessionID, EnqueuedAt: time.Now()})
}

// ProcessPending drains the queue. Wired to the background scheduler.
func (s *MemoryExtractionService) ProcessPending(ctx context.Context) {
	s.mu.Lock()
	jobs := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(jobs) == 0 {
		return
	}
	log.Printf("🧠 [MEMORY-EXTRACT] Processing %d pending job(s)", len(jobs))

	// Deduplicate by session: one extraction per session per drain.
	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if seen[job.SessionID] {
			continue
		}
		seen[job.SessionID] = true
		s.processJob(ctx, job.SessionID)
	}
}

// processJob runs one extraction with a swallow-all error boundary.
func (s *MemoryExtractionService) processJob(ctx context.Context, sessionID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️ [MEMORY-EXTRACT] Recovered from panic: %v", r)
		}
	}()

	turns, err := s.sessionService.GetTurns(ctx, sessionID)
	if err != nil {
		log.Printf("⚠️ [MEMORY-EXTRACT] Failed to load turns for %s: %v", sessionID, err)
		return
	}
	if len(turns) == 0 {
		return
	}
	if len(turns) > extractionTurnCount {
		turns = turns[len(turns)-extractionTurnCount:]
	}

	// Always keep a raw episodic trace of the latest exchange, even when no
	// structured fact is extracted.
	s.storeEpisodicTrace(ctx, turns)

	items := s.extractItems(ctx, turns)
	stored := 0
	for _, item := range items {
		if item.Importance < MinExtractionImportance {
			continue
		}
		if !models.ValidLayer(item.Layer) || item.Content == "" {
			continue
		}
		if item.Importance > 1 {
			item.Importance = 1
		}
		err := s.memoryService.Store(ctx, StoreMemoryInput{
			Layer:      item.Layer,
			Content:    item.Content,
			Summary:    item.Summary,
			Importance: item.Importance,
			EntityType: item.EntityType,
			EntityID:   item.EntityID,
			SourceType: models.MemorySourceExtraction,
		})
		if err != nil {
			log.Printf("⚠️ [MEMORY-EXTRACT] Failed to store item: %v", err)
			continue
		}
		stored++
	}

	if stored > 0 {
		log.Printf("✅ [MEMORY-EXTRACT] Stored %d memor(ies) from session %s", stored, sessionID)
	}
}

// storeEpisodicTrace writes the low-importance raw exchange trace.
func (s *MemoryExtractionService) storeEpisodicTrace(ctx context.Context, turns []models.Turn) {
	exchange := lastExchange(turns)
	if exchange == "" {
		return
	}
	err := s.memoryService.Store(ctx, StoreMemoryInput{
		Layer:      models.MemoryLayerEpisodic,
		Content:    exchange,
		Summary:    "Conversation exchange",
		Importance: episodicTraceImportance,
		SourceType: models.MemorySourceChat,
	})
	if err != nil {
		log.Printf("⚠️ [MEMORY-EXTRACT] Failed to store episodic trace: %v", err)
	}
}

// extractItems asks the model for structured memory candidates. Malformed
// output yields an empty slice, never an error.
func (s *MemoryExtractionService) extractItems(ctx context.Context, turns []models.Turn) []models.ExtractedMemoryItem {
	var transcript strings.Builder
	for _, t := range turns {
		transcript.WriteString(fmt.Sprintf("[%s]: %s\n", t.Role, t.Content))
	}

	result, err := s.completer.Complete(ctx, []models.PromptMessage{
		{Role: models.RoleSystem, Content: extractionSystemPrompt},
		{Role: models.RoleUser, Content: transcript.String()},
	}, CompleteOptions{Temperature: 0.2, JSONMode: true})
	if err != nil {
		log.Printf("⚠️ [MEMORY-EXTRACT] Extraction call failed: %v", err)
		return nil
	}

	return parseExtractedItems(result.Content)
}

// parseExtractedItems parses untrusted model output into memory items. Any
// schema mismatch discards silently.
func parseExtractedItems(raw string) []models.ExtractedMemoryItem {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil
	}

	var items []models.ExtractedMemoryItem
	if err := json.Unmarshal([]byte(raw[start:end+1]), &items); err != nil {
		log.Printf("⚠️ [MEMORY-EXTRACT] Unparsable extraction output, ignoring: %v", err)
		return nil
	}
	return items
}

// lastExchange formats the most recent user/assistant pair as a trace.
func lastExchange(turns []models.Turn) string {
	var user, assistant string
	for i := len(turns) - 1; i >= 0; i-- {
		switch turns[i].Role {
		case models.RoleAssistant:
			if assistant == "" {
				assistant = turns[i].Content
			}
		case models.RoleUser:
			if assistant != "" && user == "" {
				user = turns[i].Content
			}
		}
		if user != "" && assistant != "" {
			break
		}
	}
	if user == "" && assistant == "" {
		return ""
	}
	return fmt.Sprintf("User: %s\nAssistant: %s", user, assistant)
}
