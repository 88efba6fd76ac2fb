package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"mira/internal/models"
)

// seedSession creates a session with n alternating user/assistant turns
// ("turn 1" .. "turn n").
func seedSession(t *testing.T, sessions *SessionService, n int) *models.Session {
	t.Helper()
	ctx := context.Background()

	session, err := sessions.CreateSession(ctx, "u1", "test")
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	for i := 1; i <= n; i++ {
		role := models.RoleUser
		if i%2 == 0 {
			role = models.RoleAssistant
		}
		if _, err := sessions.AppendTurn(ctx, session.ID, role, fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatalf("failed to append turn %d: %v", i, err)
		}
	}
	return session
}

func TestBuildPromptSmallSession(t *testing.T) {
	sessions := NewSessionService(newTestDB(t))
	completer := &fakeCompleter{}
	svc := NewContextService(sessions, completer, 16, 4)

	session := seedSession(t, sessions, 4)
	prompt, err := svc.BuildPrompt(context.Background(), session, "system")
	if err != nil {
		t.Fatalf("BuildPrompt failed: %v", err)
	}

	if len(prompt) != 5 {
		t.Fatalf("expected 5 messages (system + 4 turns), got %d", len(prompt))
	}
	if prompt[0].Role != models.RoleSystem || prompt[0].Content != "system" {
		t.Fatalf("system message wrong: %+v", prompt[0])
	}
	if prompt[1].Content != "turn 1" || prompt[4].Content != "turn 4" {
		t.Fatalf("turns out of order: %+v", prompt[1:])
	}
	if completer.callCount() != 0 {
		t.Fatalf("summarizer was called for a small session (%d calls)", completer.callCount())
	}
}

func TestBuildPromptFirstOverflowSummarizesSynchronously(t *testing.T) {
	sessions := NewSessionService(newTestDB(t))
	completer := &fakeCompleter{responses: []string{"digest of turns 1-4"}}
	svc := NewContextService(sessions, completer, 16, 4)

	session := seedSession(t, sessions, 20)
	prompt, err := svc.BuildPrompt(context.Background(), session, "system")
	if err != nil {
		t.Fatalf("BuildPrompt failed: %v", err)
	}

	// system + summary exchange (2) + 16 raw turns
	if len(prompt) != 19 {
		t.Fatalf("expected 19 messages, got %d", len(prompt))
	}
	if completer.callCount() != 1 {
		t.Fatalf("expected exactly one summarizer call, got %d", completer.callCount())
	}
	if !strings.HasPrefix(prompt[1].Content, "Summary of our conversation so far:") {
		t.Fatalf("summary exchange missing: %q", prompt[1].Content)
	}
	if prompt[2].Role != models.RoleAssistant {
		t.Fatalf("summary acknowledgment missing: %+v", prompt[2])
	}
	if prompt[3].Content != "turn 5" || prompt[18].Content != "turn 20" {
		t.Fatalf("window is not the last 16 turns: first=%q last=%q", prompt[3].Content, prompt[18].Content)
	}

	// Coverage must be persisted, not just held in memory.
	reloaded, err := sessions.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if reloaded.SummaryCoverage != 4 {
		t.Fatalf("persisted coverage = %d, want 4", reloaded.SummaryCoverage)
	}
	if reloaded.ContextSummary != "digest of turns 1-4" {
		t.Fatalf("persisted summary = %q", reloaded.ContextSummary)
	}

	// Only turns that left the window may be summarized.
	call := completer.messagesOfCall(1)
	folded := call[len(call)-1].Content
	if !strings.Contains(folded, "turn 4") {
		t.Fatalf("out-of-window turn missing from summarizer input: %q", folded)
	}
	if strings.Contains(folded, "turn 5") {
		t.Fatalf("in-window turn leaked into summarizer input: %q", folded)
	}
}

func TestBuildPromptStaleSummaryRefreshesInBackground(t *testing.T) {
	sessions := NewSessionService(newTestDB(t))
	called := make(chan struct{}, 1)
	completer := &fakeCompleter{fn: func([]models.PromptMessage) (string, error) {
		select {
		case called <- struct{}{}:
		default:
		}
		return "refreshed digest", nil
	}}
	svc := NewContextService(sessions, completer, 16, 4)

	session := seedSession(t, sessions, 24)
	if err := sessions.UpdateSummary(context.Background(), session.ID, "old digest", 0); err != nil {
		t.Fatalf("failed to seed summary: %v", err)
	}
	session, err := sessions.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}

	prompt, err := svc.BuildPrompt(context.Background(), session, "system")
	if err != nil {
		t.Fatalf("BuildPrompt failed: %v", err)
	}

	// The current request still uses the old digest; it never blocks twice.
	if !strings.Contains(prompt[1].Content, "old digest") {
		t.Fatalf("current request should see the stale summary: %q", prompt[1].Content)
	}

	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("background refresh never called the summarizer")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		reloaded, err := sessions.GetSession(context.Background(), session.ID)
		if err != nil {
			t.Fatalf("failed to reload session: %v", err)
		}
		if reloaded.SummaryCoverage == 8 && reloaded.ContextSummary == "refreshed digest" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("background refresh never persisted: coverage=%d summary=%q",
				reloaded.SummaryCoverage, reloaded.ContextSummary)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBuildPromptDegradesWhenSummarizerFails(t *testing.T) {
	sessions := NewSessionService(newTestDB(t))
	completer := &fakeCompleter{err: errors.New("provider down")}
	svc := NewContextService(sessions, completer, 16, 4)

	session := seedSession(t, sessions, 20)
	prompt, err := svc.BuildPrompt(context.Background(), session, "system")
	if err != nil {
		t.Fatalf("BuildPrompt should degrade, not fail: %v", err)
	}

	// No summary exchange, just system + raw window.
	if len(prompt) != 17 {
		t.Fatalf("expected 17 messages, got %d", len(prompt))
	}
	if prompt[1].Content != "turn 5" {
		t.Fatalf("window start = %q, want turn 5", prompt[1].Content)
	}
}

func TestRefreshSummaryRestartsWhenOversized(t *testing.T) {
	sessions := NewSessionService(newTestDB(t))
	completer := &fakeCompleter{responses: []string{"fresh compact digest"}}
	svc := NewContextService(sessions, completer, 16, 4)

	session := seedSession(t, sessions, 24)
	huge := strings.Repeat("x", summaryRuneCap+1)
	if err := sessions.UpdateSummary(context.Background(), session.ID, huge, 4); err != nil {
		t.Fatalf("failed to seed summary: %v", err)
	}
	session, err := sessions.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}

	turns, err := sessions.GetTurns(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("failed to load turns: %v", err)
	}
	if err := svc.refreshSummary(context.Background(), session, turns); err != nil {
		t.Fatalf("refreshSummary failed: %v", err)
	}

	call := completer.messagesOfCall(1)
	input := call[len(call)-1].Content
	if strings.Contains(input, "PREVIOUS SUMMARY") {
		t.Fatal("oversized summary was folded instead of restarted")
	}
	if !strings.Contains(input, "turn 1") {
		t.Fatalf("restart should fold from the first turn: %q", input)
	}
	if session.ContextSummary != "fresh compact digest" {
		t.Fatalf("summary not replaced: %q", session.ContextSummary)
	}
}
