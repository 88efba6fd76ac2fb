package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"mira/internal/models"
)

const chatTemperature = 0.7

// ChatService orchestrates one chat exchange end to end: persist the user
// turn, recall memories, build the bounded prompt, stream the model response
// through the sanitizer, resolve any query directives out of band, persist the
// assistant turn and schedule memory extraction.
type ChatService struct {
	sessionService *SessionService
	contextService *ContextService
	memoryService  *MemoryService
	extraction     *MemoryExtractionService
	sqlTool        *SQLToolService
	llm            *LLMService
}

// NewChatService creates the chat orchestrator.
func NewChatService(
	sessionService *SessionService,
	contextService *ContextService,
	memoryService *MemoryService,
	extraction *MemoryExtractionService,
	sqlTool *SQLToolService,
	llm *LLMService,
) *ChatService {
	return &ChatService{
		sessionService: sessionService,
		contextService: contextService,
		memoryService:  memoryService,
		extraction:     extraction,
		sqlTool:        sqlTool,
		llm:            llm,
	}
}

// StreamChat runs one streamed exchange, emitting ServerEvents on events.
// Exactly one terminal event (error or done) is emitted unless the context is
// cancelled mid-stream, in which case the partial response is persisted and
// nothing more is sent. The caller owns the channel.
func (s *ChatService) StreamChat(ctx context.Context, sessionID, content, entityType, entityID string, events chan<- models.ServerEvent) {
	started := time.Now()
	GetMetrics().RecordChatRequest()

	session, err := s.sessionService.GetSession(ctx, sessionID)
	if err != nil {
		GetMetrics().RecordChatError("session_not_found")
		s.send(ctx, events, models.ServerEvent{Type: models.EventError, Error: "session not found"})
		return
	}

	if _, err := s.sessionService.AppendTurn(ctx, sessionID, models.RoleUser, content); err != nil {
		GetMetrics().RecordChatError("persist_failed")
		s.send(ctx, events, models.ServerEvent{Type: models.EventError, Error: "failed to save message"})
		return
	}

	prompt, err := s.buildPrompt(ctx, session, content, entityType, entityID)
	if err != nil {
		GetMetrics().RecordChatError("prompt_failed")
		s.send(ctx, events, models.ServerEvent{Type: models.EventError, Error: "failed to prepare conversation context"})
		return
	}

	body, provider, err := s.llm.OpenStream(ctx, prompt, CompleteOptions{Temperature: chatTemperature})
	if err != nil {
		log.Printf("❌ [CHAT] Failed to open stream for %s: %v", sessionID, err)
		GetMetrics().RecordChatError("provider_unavailable")
		s.send(ctx, events, models.ServerEvent{Type: models.EventError, Error: "the assistant is temporarily unavailable"})
		return
	}
	defer body.Close()
	log.Printf("💬 [CHAT] Streaming response for session %s via %s", sessionID, provider)

	// raw keeps everything the model said, markup included, for the directive
	// scan after the stream ends. clean is what the client actually saw.
	var raw, clean strings.Builder
	filter := NewStreamFilter()

	streamErr := readSSEStream(body, func(fragment string) bool {
		raw.WriteString(fragment)
		if out := filter.Feed(fragment); out != "" {
			clean.WriteString(out)
			s.send(ctx, events, models.ServerEvent{Type: models.EventToken, Token: out})
		}
		return ctx.Err() == nil
	})
	if tail := filter.Flush(); tail != "" {
		clean.WriteString(tail)
		s.send(ctx, events, models.ServerEvent{Type: models.EventToken, Token: tail})
	}

	if ctx.Err() != nil {
		// Client went away mid-stream. Keep what was generated so the session
		// history matches what the user saw; no terminal event, nobody is
		// listening.
		s.persistPartial(sessionID, clean.String())
		return
	}
	if streamErr != nil {
		log.Printf("❌ [CHAT] Stream read failed for %s: %v", sessionID, streamErr)
		GetMetrics().RecordChatError("stream_failed")
		s.send(ctx, events, models.ServerEvent{Type: models.EventError, Error: "the response stream was interrupted"})
		return
	}

	finalText := clean.String()

	// Directives are scanned on the raw content: the sanitizer removed them
	// from the client's view, but they still demand execution.
	if directives := ExtractDirectives(raw.String()); len(directives) > 0 {
		log.Printf("🔍 [CHAT] Response for %s contains %d quer(ies), resolving", sessionID, len(directives))
		resolved, err := s.sqlTool.Continue(ctx, prompt, raw.String())
		if err != nil {
			log.Printf("⚠️ [CHAT] Tool loop failed for %s: %v", sessionID, err)
			GetMetrics().RecordChatError("tool_loop_failed")
			if strings.TrimSpace(finalText) == "" {
				s.send(ctx, events, models.ServerEvent{Type: models.EventError, Error: "I couldn't look that up right now, please try again"})
				return
			}
			// Keep the already-streamed text rather than dropping the exchange.
		} else {
			finalText = sanitizeResponse(resolved)
			s.send(ctx, events, models.ServerEvent{Type: models.EventReplace, Content: finalText})
		}
	}

	finalText = strings.TrimSpace(finalText)
	if finalText == "" {
		// The model produced only markup. Surface it instead of storing an
		// empty assistant turn.
		GetMetrics().RecordChatError("empty_response")
		s.send(ctx, events, models.ServerEvent{Type: models.EventError, Error: "the assistant produced no visible answer, please try again"})
		return
	}

	turn, err := s.sessionService.AppendTurn(ctx, sessionID, models.RoleAssistant, finalText)
	if err != nil {
		GetMetrics().RecordChatError("persist_failed")
		s.send(ctx, events, models.ServerEvent{Type: models.EventError, Error: "failed to save the response"})
		return
	}

	s.extraction.Enqueue(sessionID)
	GetMetrics().RecordChatLatency(time.Since(started).Seconds())
	s.send(ctx, events, models.ServerEvent{Type: models.EventDone, Message: turn})
}

// Chat runs one synchronous exchange (the REST path). Directives are resolved
// inline through the tool loop before anything is returned.
func (s *ChatService) Chat(ctx context.Context, sessionID, content, entityType, entityID string) (*models.Turn, error) {
	started := time.Now()
	GetMetrics().RecordChatRequest()

	session, err := s.sessionService.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.sessionService.AppendTurn(ctx, sessionID, models.RoleUser, content); err != nil {
		return nil, err
	}

	prompt, err := s.buildPrompt(ctx, session, content, entityType, entityID)
	if err != nil {
		return nil, err
	}

	response, err := s.sqlTool.Run(ctx, prompt)
	if err != nil {
		GetMetrics().RecordChatError("tool_loop_failed")
		return nil, fmt.Errorf("completion failed: %w", err)
	}

	finalText := sanitizeResponse(response)
	if finalText == "" {
		GetMetrics().RecordChatError("empty_response")
		return nil, fmt.Errorf("model produced no visible answer")
	}

	turn, err := s.sessionService.AppendTurn(ctx, sessionID, models.RoleAssistant, finalText)
	if err != nil {
		return nil, err
	}

	s.extraction.Enqueue(sessionID)
	GetMetrics().RecordChatLatency(time.Since(started).Seconds())
	return turn, nil
}

// buildPrompt recalls memories for the user message and assembles the bounded
// conversation prompt around them.
func (s *ChatService) buildPrompt(ctx context.Context, session *models.Session, content, entityType, entityID string) ([]models.PromptMessage, error) {
	memories, err := s.memoryService.RecallForPrompt(ctx, content, entityType, entityID)
	if err != nil {
		// Recall is an enrichment, not a dependency.
		log.Printf("⚠️ [CHAT] Memory recall failed, continuing without: %v", err)
		memories = nil
	}
	return s.contextService.BuildPrompt(ctx, session, s.systemPrompt(memories))
}

// systemPrompt builds Mira's system message: persona, the HR schema the query
// directives run against, directive usage rules, and the recalled memories.
func (s *ChatService) systemPrompt(memories []ScoredMemory) string {
	var b strings.Builder

	b.WriteString(`You are Mira, the HR assistant for the company's people team. You are helpful, precise and discreet: HR data is confidential and you only discuss it with authorized staff, which every user of this system is.

Today's date is `)
	b.WriteString(time.Now().Format("Monday, January 2, 2006"))
	b.WriteString(".\n\n")

	b.WriteString(`You can look up live HR records by emitting a query directive anywhere in your response:

[SQL_QUERY]SELECT name, position FROM employees WHERE department_id = 2[/SQL_QUERY]

Rules for directives:
- SELECT statements only, one statement per directive
- The results come back to you in a follow-up message; answer the user only after you have them
- Never show a directive, SQL, or raw result rows to the user; present findings in plain language
- If a lookup fails, say what you could not find, do not guess

Available tables:
- departments(id, name)
- employees(id, name, email, department_id, position, hired_at, salary)
- job_openings(id, title, department_id, status, opened_at)
- candidates(id, name, email, created_at)
- applications(id, candidate_id, opening_id, stage, applied_at)
- leave_requests(id, employee_id, start_date, end_date, status)`)

	if len(memories) > 0 {
		b.WriteString("\n\nThings you remember from earlier conversations:\n")
		for _, m := range memories {
			line := m.Summary
			if line == "" {
				line = m.Content
			}
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("Use these naturally; do not recite them back unless relevant.")
	}

	return b.String()
}

// persistPartial stores what was streamed before a disconnect, with its own
// deadline since the request context is already dead.
func (s *ChatService) persistPartial(sessionID, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	log.Printf("🔌 [CHAT] Client disconnected mid-stream, persisting partial response for %s", sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.sessionService.AppendTurn(ctx, sessionID, models.RoleAssistant, content); err != nil {
		log.Printf("⚠️ [CHAT] Failed to persist partial response: %v", err)
	}
}

// send delivers an event unless the client context is already gone.
func (s *ChatService) send(ctx context.Context, events chan<- models.ServerEvent, event models.ServerEvent) {
	select {
	case events <- event:
	case <-ctx.Done():
	}
}

// sanitizeResponse strips control markup from a complete (non-streamed)
// response.
func sanitizeResponse(text string) string {
	f := NewStreamFilter()
	return strings.TrimSpace(f.Feed(text) + f.Flush())
}
