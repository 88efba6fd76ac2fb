package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"mira/internal/models"
)

// Context window defaults
const (
	// DefaultWindowSize is the number of recent turns kept verbatim
	DefaultWindowSize = 16

	// DefaultSummarySlack is the tolerated summary staleness, in turns
	DefaultSummarySlack = 4

	// summaryRuneCap bounds summary growth over very long sessions: above
	// this size the next summarization starts from scratch instead of
	// folding the old summary in.
	summaryRuneCap = 6000
)

const summarizerSystemPrompt = `You are a conversation summarizer for an HR assistant. Create a concise digest of the conversation that preserves everything needed to continue it seamlessly.

You MUST preserve:
1. Names of employees, candidates, departments and openings that were discussed
2. Decisions made and requests the user asked for (approvals, lookups, reports)
3. Numbers, dates and policy details that were quoted
4. The user's stated preferences and constraints
5. Anything the assistant promised to follow up on

If a PREVIOUS SUMMARY is provided, merge it with the new messages into ONE summary without losing details. Keep it under 500 words. Respond with the summary only.`

// ContextService turns raw session history into a bounded prompt. Older
// turns are folded into a rolling summary injected right after the system
// message; the most recent windowSize turns are kept verbatim.
type ContextService struct {
	sessionService *SessionService
	completer      Completer
	windowSize     int
	slack          int
}

// NewContextService creates a new context window manager.
func NewContextService(sessionService *SessionService, completer Completer, windowSize, slack int) *ContextService {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if slack <= 0 {
		slack = DefaultSummarySlack
	}
	return &ContextService{
		sessionService: sessionService,
		completer:      completer,
		windowSize:     windowSize,
		slack:          slack,
	}
}

// WindowSize returns the configured retention window.
func (s *ContextService) WindowSize() int { return s.windowSize }

// BuildPrompt assembles the bounded prompt for a session: one system turn,
// at most one synthetic summary exchange, then the last windowSize raw turns.
//
// The first time a session outgrows the window the summary is generated
// synchronously (the request waits once). Later, when coverage goes stale
// beyond the slack, a refresh runs in the background for the next request —
// a request never blocks twice on summarization.
func (s *ContextService) BuildPrompt(ctx context.Context, session *models.Session, systemPrompt string) ([]models.PromptMessage, error) {
	turns, err := s.sessionService.GetTurns(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}

	total := len(turns)
	if total > s.windowSize {
		if session.ContextSummary == "" {
			// First overflow: block until a summary exists.
			log.Printf("📊 [CONTEXT] Session %s crossed the window (%d turns), summarizing synchronously", session.ID, total)
			if err := s.refreshSummary(ctx, session, turns); err != nil {
				// Degrade to the raw window rather than failing the request.
				log.Printf("⚠️ [CONTEXT] Synchronous summarization failed: %v", err)
			}
		} else if s.stale(session, total) {
			log.Printf("📊 [CONTEXT] Summary for %s is stale (coverage %d of %d), refreshing in background",
				session.ID, session.SummaryCoverage, total)
			go s.refreshSummaryAsync(session.ID)
		}
	}

	return s.assemble(session, turns, systemPrompt), nil
}

// stale reports whether the summary no longer covers enough of the
// out-of-window turns to be trusted.
func (s *ContextService) stale(session *models.Session, totalTurns int) bool {
	return session.SummaryCoverage < totalTurns-s.windowSize-s.slack
}

// assemble builds the final message list from already-loaded state.
func (s *ContextService) assemble(session *models.Session, turns []models.Turn, systemPrompt string) []models.PromptMessage {
	window := turns
	if len(turns) > s.windowSize {
		window = turns[len(turns)-s.windowSize:]
	}

	messages := make([]models.PromptMessage, 0, len(window)+3)
	messages = append(messages, models.PromptMessage{Role: models.RoleSystem, Content: systemPrompt})

	// The summary exchange sits at a fixed position right after the system
	// turn so the model sees it as established conversation context.
	if session.ContextSummary != "" {
		messages = append(messages,
			models.PromptMessage{
				Role:    models.RoleUser,
				Content: "Summary of our conversation so far:\n\n" + session.ContextSummary,
			},
			models.PromptMessage{
				Role:    models.RoleAssistant,
				Content: "Understood. I have the earlier context and will keep it in mind.",
			},
		)
	}

	for _, t := range window {
		messages = append(messages, models.PromptMessage{Role: t.Role, Content: t.Content})
	}
	return messages
}

// refreshSummary folds out-of-window turns into the session summary and
// persists the new coverage. Mutates session in place so the current request
// sees the fresh summary.
func (s *ContextService) refreshSummary(ctx context.Context, session *models.Session, turns []models.Turn) error {
	total := len(turns)
	coverageTarget := total - s.windowSize
	if coverageTarget <= session.SummaryCoverage && session.ContextSummary != "" {
		return nil // nothing new to fold in
	}

	previousSummary := session.ContextSummary
	newFrom := session.SummaryCoverage

	// Hard cap on summary growth: re-summarize everything from scratch once
	// the rolling summary gets too large, instead of folding forever.
	if len([]rune(previousSummary)) > summaryRuneCap {
		log.Printf("📉 [CONTEXT] Summary for %s exceeded %d runes, re-summarizing from scratch", session.ID, summaryRuneCap)
		previousSummary = ""
		newFrom = 0
	}

	var content strings.Builder
	if previousSummary != "" {
		content.WriteString("=== PREVIOUS SUMMARY ===\n")
		content.WriteString(previousSummary)
		content.WriteString("\n\n=== NEW MESSAGES ===\n\n")
	}
	for _, t := range turns[newFrom:coverageTarget] {
		line := t.Content
		if len(line) > 4000 {
			line = line[:4000] + " […]"
		}
		content.WriteString(fmt.Sprintf("[%s]: %s\n\n", t.Role, line))
	}

	result, err := s.completer.Complete(ctx, []models.PromptMessage{
		{Role: models.RoleSystem, Content: summarizerSystemPrompt},
		{Role: models.RoleUser, Content: content.String()},
	}, CompleteOptions{Temperature: 0.3})
	if err != nil {
		return fmt.Errorf("summarization call failed: %w", err)
	}

	summary := strings.TrimSpace(result.Content)
	if summary == "" {
		return fmt.Errorf("summarizer returned empty output")
	}

	if err := s.sessionService.UpdateSummary(ctx, session.ID, summary, coverageTarget); err != nil {
		return err
	}

	session.ContextSummary = summary
	session.SummaryCoverage = coverageTarget
	log.Printf("✅ [CONTEXT] Summary refreshed for %s (%d turns covered)", session.ID, coverageTarget)
	return nil
}

// refreshSummaryAsync re-reads the session and refreshes its summary in the
// background. Failures are logged and swallowed; this only exists to benefit
// the next request.
func (s *ContextService) refreshSummaryAsync(sessionID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️ [CONTEXT] Recovered from panic during background summarization: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	session, err := s.sessionService.GetSession(ctx, sessionID)
	if err != nil {
		log.Printf("⚠️ [CONTEXT] Background refresh: %v", err)
		return
	}
	turns, err := s.sessionService.GetTurns(ctx, sessionID)
	if err != nil {
		log.Printf("⚠️ [CONTEXT] Background refresh: %v", err)
		return
	}
	if err := s.refreshSummary(ctx, session, turns); err != nil {
		log.Printf("⚠️ [CONTEXT] Background refresh failed: %v", err)
	}
}
