package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"mira/internal/database"
	"mira/internal/models"
)

// Tool loop limits
const (
	// MaxQueryRounds bounds the directive/execute/resume cycle
	MaxQueryRounds = 3

	// DefaultQueryRowLimit is appended to queries without an explicit LIMIT
	DefaultQueryRowLimit = 50
)

// Keywords that disqualify a query: anything mutating or schema-altering.
var forbiddenSQLKeywords = map[string]bool{
	"insert": true, "update": true, "delete": true, "drop": true,
	"alter": true, "create": true, "replace": true, "truncate": true,
	"attach": true, "detach": true, "pragma": true, "vacuum": true,
	"reindex": true, "grant": true, "revoke": true, "exec": true,
}

// System catalogs the model must not read.
var restrictedCatalogs = []string{
	"sqlite_master", "sqlite_temp_master", "sqlite_schema",
	"information_schema", "pg_catalog",
}

// SQLToolService runs the bounded query tool loop: the model requests
// read-only lookups through [SQL_QUERY] directives, the service validates and
// executes them, and the model resumes with the results in context.
type SQLToolService struct {
	db           *database.DB
	completer    Completer
	queryTimeout time.Duration
}

// NewSQLToolService creates a new SQL tool service.
func NewSQLToolService(db *database.DB, completer Completer, queryTimeout time.Duration) *SQLToolService {
	return &SQLToolService{
		db:           db,
		completer:    completer,
		queryTimeout: queryTimeout,
	}
}

// Run drives the tool loop to completion and returns the final directive-free
// text. Policy violations and execution errors are fed back to the model as
// result blocks, never raised to the caller.
func (s *SQLToolService) Run(ctx context.Context, messages []models.PromptMessage) (string, error) {
	return s.loop(ctx, messages, "")
}

// Continue resumes the loop when the first assistant response was already
// produced elsewhere (the streaming path): it counts as round one and its
// directives are executed without another model call.
func (s *SQLToolService) Continue(ctx context.Context, messages []models.PromptMessage, firstResponse string) (string, error) {
	return s.loop(ctx, messages, firstResponse)
}

func (s *SQLToolService) loop(ctx context.Context, messages []models.PromptMessage, response string) (string, error) {
	msgs := make([]models.PromptMessage, len(messages))
	copy(msgs, messages)

	for round := 1; round <= MaxQueryRounds; round++ {
		if response == "" {
			result, err := s.completer.Complete(ctx, msgs, CompleteOptions{Temperature: 0.7})
			if err != nil {
				return "", fmt.Errorf("tool loop completion failed: %w", err)
			}
			response = result.Content
		}

		directives := ExtractDirectives(response)
		if len(directives) == 0 {
			return response, nil
		}

		// Last round: do not execute, force a directive-free answer.
		if round == MaxQueryRounds {
			log.Printf("⚠️ [SQL-TOOL] Round limit reached with directives still present, stripping")
			stripped := strings.TrimSpace(StripDirectives(response))
			if stripped == "" {
				stripped = "I wasn't able to finish looking that up in the HR records. Could you rephrase the question?"
			}
			return stripped, nil
		}

		log.Printf("🔍 [SQL-TOOL] Round %d: executing %d quer(ies)", round, len(directives))

		var blocks strings.Builder
		blocks.WriteString("Query results:\n")
		for i, query := range directives {
			blocks.WriteString(fmt.Sprintf("\n--- Result %d ---\n", i+1))
			blocks.WriteString(s.executeOne(ctx, query))
		}

		msgs = append(msgs,
			models.PromptMessage{Role: models.RoleAssistant, Content: response},
			models.PromptMessage{Role: models.RoleUser, Content: blocks.String()},
		)
		response = ""
	}

	// Unreachable: the last round always returns above.
	return "", fmt.Errorf("tool loop did not terminate")
}

// executeOne validates and runs a single query, returning a result block or
// an error line. Errors here are context for the model, not failures.
func (s *SQLToolService) executeOne(ctx context.Context, query string) string {
	validated, err := ValidateQuery(query)
	if err != nil {
		log.Printf("🚫 [SQL-TOOL] Query rejected by policy: %v", err)
		GetMetrics().RecordToolQuery("rejected")
		return fmt.Sprintf("ERROR: query rejected: %v\nSQL: %s\n", err, query)
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(queryCtx, validated)
	if err != nil {
		log.Printf("🚫 [SQL-TOOL] Query execution failed: %v", err)
		GetMetrics().RecordToolQuery("failed")
		return fmt.Sprintf("ERROR: query failed: %v\nSQL: %s\n", err, validated)
	}
	defer rows.Close()

	formatted, count, err := formatRows(rows)
	if err != nil {
		GetMetrics().RecordToolQuery("failed")
		return fmt.Sprintf("ERROR: failed to read results: %v\nSQL: %s\n", err, validated)
	}

	GetMetrics().RecordToolQuery("ok")
	return fmt.Sprintf("SQL: %s\nRows returned: %d\n%s", validated, count, formatted)
}

// ValidateQuery enforces the read-only policy and returns the query with a
// row limit applied. The returned error is meant to be shown to the model.
func ValidateQuery(query string) (string, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return "", fmt.Errorf("empty query")
	}

	unquoted := maskQuotedLiterals(trimmed)
	lower := strings.ToLower(unquoted)

	first := firstWord(lower)
	if first != "select" && first != "with" {
		return "", fmt.Errorf("only SELECT queries are allowed")
	}

	if strings.Contains(unquoted, ";") {
		return "", fmt.Errorf("multiple statements are not allowed")
	}

	for _, word := range strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '_'
	}) {
		if forbiddenSQLKeywords[word] {
			return "", fmt.Errorf("keyword %q is not allowed", word)
		}
	}

	for _, catalog := range restrictedCatalogs {
		if strings.Contains(lower, catalog) {
			return "", fmt.Errorf("access to %s is not allowed", catalog)
		}
	}

	if !containsWord(lower, "limit") {
		trimmed = fmt.Sprintf("%s LIMIT %d", trimmed, DefaultQueryRowLimit)
	}
	return trimmed, nil
}

// maskQuotedLiterals blanks the contents of single-quoted SQL literals so
// policy checks ignore semicolons and keywords inside strings. Doubled quotes
// ('') are the standard escape and stay inside the literal.
func maskQuotedLiterals(query string) string {
	out := []byte(query)
	inQuote := false
	for i := 0; i < len(out); i++ {
		if out[i] == '\'' {
			if inQuote && i+1 < len(out) && out[i+1] == '\'' {
				out[i+1] = ' '
				i++
				continue
			}
			inQuote = !inQuote
			continue
		}
		if inQuote {
			out[i] = ' '
		}
	}
	return string(out)
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func containsWord(s, word string) bool {
	for _, f := range strings.FieldsFunc(s, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '_'
	}) {
		if f == word {
			return true
		}
	}
	return false
}

// formatRows renders a result set as a JSON array of row objects.
func formatRows(rows *sql.Rows) (string, int, error) {
	cols, err := rows.Columns()
	if err != nil {
		return "", 0, err
	}

	var result []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", 0, err
		}

		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return "", 0, err
	}

	if len(result) == 0 {
		return "(no rows)\n", 0, nil
	}

	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", 0, err
	}
	return string(encoded) + "\n", len(result), nil
}

// ExtractDirectives returns the SQL payloads of all complete
// [SQL_QUERY]...[/SQL_QUERY] blocks in text, in order.
func ExtractDirectives(text string) []string {
	var queries []string
	rest := text
	for {
		start := strings.Index(rest, SQLQueryOpenTag)
		if start < 0 {
			return queries
		}
		rest = rest[start+len(SQLQueryOpenTag):]
		end := strings.Index(rest, SQLQueryCloseTag)
		if end < 0 {
			return queries
		}
		if q := strings.TrimSpace(rest[:end]); q != "" {
			queries = append(queries, q)
		}
		rest = rest[end+len(SQLQueryCloseTag):]
	}
}

// StripDirectives removes directive blocks and any stray directive markers.
func StripDirectives(text string) string {
	f := newTagFilter(SQLQueryOpenTag, SQLQueryCloseTag)
	out := f.feed(text) + f.flush()
	out = strings.ReplaceAll(out, SQLQueryOpenTag, "")
	return strings.ReplaceAll(out, SQLQueryCloseTag, "")
}
