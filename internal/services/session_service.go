package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"

	"mira/internal/database"
	"mira/internal/models"
)

// SessionService handles session and turn persistence. Session rows are
// cached briefly since every chat message re-reads its session; writes that
// change prompt-relevant state invalidate the entry.
type SessionService struct {
	db           *database.DB
	sessionCache *cache.Cache
}

// NewSessionService creates a new session service
func NewSessionService(db *database.DB) *SessionService {
	return &SessionService{
		db:           db,
		sessionCache: cache.New(5*time.Minute, 10*time.Minute),
	}
}

// CreateSession creates a new empty session for a user
func (s *SessionService) CreateSession(ctx context.Context, userID, title string) (*models.Session, error) {
	now := time.Now().UTC()
	session := &models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, title, context_summary, summary_coverage, created_at, updated_at)
		VALUES (?, ?, ?, NULL, 0, ?, ?)
	`, session.ID, session.UserID, session.Title, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	log.Printf("✅ [SESSION] Created session %s for user %s", session.ID, userID)
	return session, nil
}

// GetSession returns a session by ID
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if cached, found := s.sessionCache.Get(sessionID); found {
		// Copy so callers can mutate their view without racing each other.
		session := *(cached.(*models.Session))
		return &session, nil
	}

	var session models.Session
	var summary sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, context_summary, summary_coverage, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`, sessionID).Scan(&session.ID, &session.UserID, &session.Title, &summary,
		&session.SummaryCoverage, &session.CreatedAt, &session.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	if summary.Valid {
		session.ContextSummary = summary.String
	}

	cached := session
	s.sessionCache.Set(sessionID, &cached, cache.DefaultExpiration)
	return &session, nil
}

// AppendTurn appends a turn to a session. Turns are append-only.
func (s *SessionService) AppendTurn(ctx context.Context, sessionID, role, content string) (*models.Turn, error) {
	turn := &models.Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, turn.ID, turn.SessionID, turn.Role, turn.Content, turn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append turn: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`,
		turn.CreatedAt, sessionID)
	if err != nil {
		log.Printf("⚠️ [SESSION] Failed to bump session activity: %v", err)
	}

	return turn, nil
}

// GetTurns returns all turns of a session ordered by creation time
func (s *SessionService) GetTurns(ctx context.Context, sessionID string) ([]models.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		var t models.Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// CountTurns returns the number of turns in a session
func (s *SessionService) CountTurns(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count turns: %w", err)
	}
	return count, nil
}

// UpdateSummary stores a new context summary and its coverage for a session.
// Last writer wins; coverage only ever advances in practice because callers
// compute it from the current turn count.
func (s *SessionService) UpdateSummary(ctx context.Context, sessionID, summary string, coverage int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET context_summary = ?, summary_coverage = ?, updated_at = ?
		WHERE id = ?
	`, summary, coverage, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update summary: %w", err)
	}

	s.sessionCache.Delete(sessionID)
	log.Printf("💾 [SESSION] Stored context summary for %s (coverage: %d turns)", sessionID, coverage)
	return nil
}

// GetSessionsByUser lists a user's sessions, most recently active first
func (s *SessionService) GetSessionsByUser(ctx context.Context, userID string) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, context_summary, summary_coverage, created_at, updated_at
		FROM sessions
		WHERE user_id = ?
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var session models.Session
		var summary sql.NullString
		if err := rows.Scan(&session.ID, &session.UserID, &session.Title, &summary,
			&session.SummaryCoverage, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if summary.Valid {
			session.ContextSummary = summary.String
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}
